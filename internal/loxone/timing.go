package loxone

import (
	"strconv"
	"strings"
)

// Default full travel times in seconds.
const (
	WindowTravelSeconds    = 40
	WindowBigTravelSeconds = 58
	AwningTravelSeconds    = 23
)

// Direction of a covering movement.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// TravelOverrides holds configured travel times in seconds. Zero means
// "use the default".
type TravelOverrides struct {
	Window      int `yaml:"window"`
	WindowUp    int `yaml:"window_up"`
	WindowBig   int `yaml:"window_big"`
	WindowBigUp int `yaml:"window_big_up"`
	Awning      int `yaml:"awning"`
	AwningUp    int `yaml:"awning_up"`
}

// TravelSeconds returns the full travel time for variant in the given
// direction. Unknown variants fall back to the window timing.
func TravelSeconds(variant TimingVariant, o TravelOverrides, dir Direction) int {
	pick := func(down, up, def int) int {
		if dir == DirectionUp {
			if up > 0 {
				return up
			}
			return def
		}
		if down > 0 {
			return down
		}
		return def
	}

	switch variant {
	case TimingWindowBig:
		return pick(o.WindowBig, o.WindowBigUp, WindowBigTravelSeconds)
	case TimingAwning:
		return pick(o.Awning, o.AwningUp, AwningTravelSeconds)
	default:
		return pick(o.Window, o.WindowUp, WindowTravelSeconds)
	}
}

// ResolveTravelSeconds interprets a device's blinds timing setting, which is
// either a number of seconds or a TimingVariant name. A number only covers
// downward moves; upward moves use the window timing.
func ResolveTravelSeconds(setting string, o TravelOverrides, dir Direction) int {
	if seconds, err := strconv.Atoi(strings.TrimSpace(setting)); err == nil && seconds > 0 {
		if dir == DirectionUp {
			return TravelSeconds(TimingWindow, o, DirectionUp)
		}
		return seconds
	}
	return TravelSeconds(TimingVariant(setting), o, dir)
}

// BlindsTypeOf derives the covering type from its timing setting.
func BlindsTypeOf(setting string) BlindsType {
	if strings.Contains(setting, string(TimingAwning)) {
		return BlindsTypeAwning
	}
	return BlindsTypeBlinds
}
