package accessory

import (
	"testing"
	"time"

	"loxonecontrol/internal/blinds"
	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"go.uber.org/zap"
)

type testEnv struct {
	ctx       *Context
	commander *loxone.MockCommander
	clock     *clock.MockClock
	events    []events.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	commander := loxone.NewMockCommander()
	commander.SetTimeSource(clk.Now)
	controller := blinds.NewController(commander, loxone.TravelOverrides{}, clk, nil, zap.NewNop())
	t.Cleanup(controller.Stop)

	env := &testEnv{commander: commander, clock: clk}
	bus := events.NewBus(zap.NewNop())
	bus.Subscribe(func(ev events.Event) {
		env.events = append(env.events, ev)
	})

	env.ctx = &Context{
		Commander: commander,
		Blinds:    controller,
		Bus:       bus,
		Clock:     clk,
		Logger:    zap.NewNop(),
	}
	return env
}

func (e *testEnv) lastEvent(kind string) (events.Event, bool) {
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].Kind == kind {
			return e.events[i], true
		}
	}
	return events.Event{}, false
}
