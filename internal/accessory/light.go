package accessory

import (
	"context"
	"math"
	"strconv"
	"strings"

	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"go.uber.org/zap"
)

const (
	commandOn       = "on"
	commandOff      = "off"
	commandOverride = "override"
	dimmerType      = "type=Dimmer"
)

// switchable holds the on/off state shared by lights and outlets.
type switchable struct {
	*base
	onChar *characteristic.On
	on     bool
}

func (s *switchable) setOn(ctx context.Context, value bool) error {
	s.mu.Lock()
	current := s.on
	s.mu.Unlock()

	if current == value {
		return nil
	}

	s.logger.Info("Control switch", zap.Bool("from", current), zap.Bool("to", value))
	command := commandOff
	if value {
		command = commandOn
	}
	s.publish(events.KindCommand, map[string]any{"on": value})
	return s.send(ctx, command)
}

// Toggle inverts the on state.
func (s *switchable) Toggle(ctx context.Context) error {
	s.mu.Lock()
	current := s.on
	s.mu.Unlock()
	return s.setOn(ctx, !current)
}

// SetOn switches on.
func (s *switchable) SetOn(ctx context.Context) error {
	return s.setOn(ctx, true)
}

// applyFirst reads the on state from the first value. Only an explicit 0 is off.
func (s *switchable) applyFirst(v *loxone.States) (float64, bool) {
	first, _ := loxone.ValueAt(v, 0)
	n, ok := loxone.Number(first)
	s.on = !(ok && n == 0)
	s.onChar.SetValue(s.on)
	return n, ok
}

// Light is a switched or dimmable light.
type Light struct {
	switchable
	svc        *service.Lightbulb
	brightness *characteristic.Brightness
	level      int
}

func newLighting(device Device, ctx *Context) (Accessory, error) {
	if device.LightOutlet {
		return NewOutlet(device, ctx)
	}
	return NewLight(device, ctx)
}

// NewLight creates a light. Dimmer controls also get a brightness.
func NewLight(device Device, ctx *Context) (Accessory, error) {
	b, err := newBase(device, loxone.CategoryLighting, "Loxone Light", accessory.TypeLightbulb, ctx)
	if err != nil {
		return nil, err
	}

	svc := service.NewLightbulb()
	l := &Light{
		switchable: switchable{base: b, onChar: svc.On},
		svc:        svc,
	}
	svc.On.OnValueRemoteUpdate(func(on bool) {
		_ = l.setOn(context.Background(), on)
	})

	if strings.Contains(device.Identifier, dimmerType) {
		l.brightness = characteristic.NewBrightness()
		l.brightness.OnValueRemoteUpdate(func(v int) {
			_ = l.setBrightness(context.Background(), v)
		})
		svc.AddC(l.brightness.C)
	}
	b.a.AddS(svc.S)

	return l, nil
}

// setBrightness sends the brightness rounded to steps of 10.
func (l *Light) setBrightness(ctx context.Context, value int) error {
	rounded := int(math.Round(float64(value)/10)) * 10

	l.mu.Lock()
	current := l.level
	l.mu.Unlock()

	if current == rounded {
		return nil
	}

	l.logger.Info("Control brightness", zap.Int("from", current), zap.Int("to", rounded))
	l.publish(events.KindCommand, map[string]any{"brightness": rounded})
	return l.send(ctx, strconv.Itoa(rounded), commandOverride)
}

// SetState applies the light state. For dimmers the first value is the brightness.
func (l *Light) SetState(values []*loxone.States) {
	v := firstValues(values)
	if v == nil {
		return
	}

	l.mu.Lock()
	n, ok := l.applyFirst(v)
	if l.brightness != nil && ok {
		l.level = clampPercent(int(math.Round(n)))
		l.brightness.SetValue(l.level)
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.publish(events.KindState, snapshot)
}

// Snapshot returns the current light state.
func (l *Light) Snapshot() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Light) snapshotLocked() map[string]any {
	state := map[string]any{"on": l.on}
	if l.brightness != nil {
		state["brightness"] = l.level
	}
	return state
}

// Outlet is a lighting control exposed as a socket.
type Outlet struct {
	switchable
	svc *service.Outlet
}

// NewOutlet creates an outlet.
func NewOutlet(device Device, ctx *Context) (Accessory, error) {
	b, err := newBase(device, loxone.CategoryLighting, "Loxone Outlet", accessory.TypeOutlet, ctx)
	if err != nil {
		return nil, err
	}

	svc := service.NewOutlet()
	o := &Outlet{
		switchable: switchable{base: b, onChar: svc.On},
		svc:        svc,
	}
	svc.On.OnValueRemoteUpdate(func(on bool) {
		_ = o.setOn(context.Background(), on)
	})
	b.a.AddS(svc.S)

	return o, nil
}

// SetState applies the outlet state.
func (o *Outlet) SetState(values []*loxone.States) {
	v := firstValues(values)
	if v == nil {
		return
	}

	o.mu.Lock()
	o.applyFirst(v)
	o.svc.OutletInUse.SetValue(o.on)
	on := o.on
	o.mu.Unlock()

	o.publish(events.KindState, map[string]any{"on": on})
}

// Snapshot returns the current outlet state.
func (o *Outlet) Snapshot() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return map[string]any{"on": o.on}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
