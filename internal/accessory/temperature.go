package accessory

import (
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/service"
)

const minTemperature = -50

// Temperature is a room climate control exposed as a temperature sensor.
type Temperature struct {
	*base
	svc         *service.TemperatureSensor
	temperature float64
}

// NewTemperature creates a temperature sensor.
func NewTemperature(device Device, ctx *Context) (Accessory, error) {
	b, err := newBase(device, loxone.CategoryClimate, "Loxone Temperature", accessory.TypeSensor, ctx)
	if err != nil {
		return nil, err
	}

	t := &Temperature{base: b, svc: service.NewTemperatureSensor()}
	t.svc.CurrentTemperature.SetMinValue(minTemperature)
	b.a.AddS(t.svc.S)
	return t, nil
}

// SetState applies the first value as the current temperature.
func (t *Temperature) SetState(values []*loxone.States) {
	v := firstValues(values)
	if v == nil {
		return
	}
	n, ok := loxone.NumberAt(v, 0)
	if !ok {
		return
	}

	t.mu.Lock()
	t.temperature = n
	t.svc.CurrentTemperature.SetValue(n)
	t.mu.Unlock()

	t.publish(events.KindState, map[string]any{"temperature": n})
}

// Snapshot returns the current temperature.
func (t *Temperature) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]any{"temperature": t.temperature}
}
