package accessory

import (
	"testing"

	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemperature_SetState(t *testing.T) {
	env := newTestEnv(t)
	acc, err := NewTemperature(Device{Identifier: "Bad • Klima:type=IRoomControllerV2:t1", Name: "Bad"}, env.ctx)
	require.NoError(t, err)
	temp := acc.(*Temperature)

	temp.SetState([]*loxone.States{loxone.NewStates("tempActual", 21.5, "tempTarget", 22.0)})
	assert.InDelta(t, 21.5, temp.svc.CurrentTemperature.Value(), 0.001)
	assert.Equal(t, map[string]any{"temperature": 21.5}, temp.Snapshot())

	temp.SetState([]*loxone.States{loxone.NewStates("tempActual", "n/a")})
	assert.InDelta(t, 21.5, temp.svc.CurrentTemperature.Value(), 0.001)

	ev, ok := env.lastEvent(events.KindState)
	require.True(t, ok)
	assert.Equal(t, loxone.CategoryClimate, ev.Category)
}
