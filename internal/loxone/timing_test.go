package loxone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTravelSeconds_Defaults(t *testing.T) {
	none := TravelOverrides{}

	assert.Equal(t, 40, TravelSeconds(TimingWindow, none, DirectionDown))
	assert.Equal(t, 40, TravelSeconds(TimingWindow, none, DirectionUp))
	assert.Equal(t, 58, TravelSeconds(TimingWindowBig, none, DirectionDown))
	assert.Equal(t, 23, TravelSeconds(TimingAwning, none, DirectionUp))
	assert.Equal(t, 40, TravelSeconds("something-else", none, DirectionDown))
}

func TestTravelSeconds_Overrides(t *testing.T) {
	o := TravelOverrides{
		Window:    35,
		WindowUp:  38,
		WindowBig: 50,
		AwningUp:  25,
	}

	assert.Equal(t, 35, TravelSeconds(TimingWindow, o, DirectionDown))
	assert.Equal(t, 38, TravelSeconds(TimingWindow, o, DirectionUp))
	assert.Equal(t, 50, TravelSeconds(TimingWindowBig, o, DirectionDown))
	// no up override: falls back to the default, not the down override
	assert.Equal(t, 58, TravelSeconds(TimingWindowBig, o, DirectionUp))
	assert.Equal(t, 23, TravelSeconds(TimingAwning, o, DirectionDown))
	assert.Equal(t, 25, TravelSeconds(TimingAwning, o, DirectionUp))
}

func TestResolveTravelSeconds(t *testing.T) {
	o := TravelOverrides{WindowBig: 60, WindowUp: 42}

	tests := []struct {
		name     string
		setting  string
		dir      Direction
		expected int
	}{
		{"numeric down", "30", DirectionDown, 30},
		{"numeric up uses window up", "30", DirectionUp, 42},
		{"numeric with spaces", " 45 ", DirectionDown, 45},
		{"zero falls back", "0", DirectionDown, 40},
		{"negative falls back", "-5", DirectionDown, 40},
		{"variant", "window-big", DirectionDown, 60},
		{"awning", "awning", DirectionDown, 23},
		{"empty", "", DirectionUp, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ResolveTravelSeconds(tt.setting, o, tt.dir))
		})
	}
}

func TestBlindsTypeOf(t *testing.T) {
	assert.Equal(t, BlindsTypeAwning, BlindsTypeOf("awning"))
	assert.Equal(t, BlindsTypeAwning, BlindsTypeOf("awning-terrace"))
	assert.Equal(t, BlindsTypeBlinds, BlindsTypeOf("window"))
	assert.Equal(t, BlindsTypeBlinds, BlindsTypeOf("42"))
	assert.Equal(t, BlindsTypeBlinds, BlindsTypeOf(""))
}
