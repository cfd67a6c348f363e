package accessory

import (
	"context"
	"strconv"
	"strings"

	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"go.uber.org/zap"
)

// DefaultFanLevels are the levels of a Loxone ventilation control.
const DefaultFanLevels = "0:Aus;1:Stufe 1;2:Stufe 2;3:Stufe 3;4:Stufe 4;5:Hyper Speed;6:Nacht;7:Freecolling"

const (
	fanCommandOn    = "1"
	fanCommandReset = "reset"
	// level restored when a level switch is turned off
	fanBaseLevel = 1
)

// FanLevel is one selectable ventilation level.
type FanLevel struct {
	Index int
	Name  string
}

// ParseFanLevels parses "index:name;..." definitions. Malformed entries are skipped.
func ParseFanLevels(s string) []FanLevel {
	if strings.TrimSpace(s) == "" {
		s = DefaultFanLevels
	}

	var levels []FanLevel
	for _, part := range strings.Split(s, ";") {
		idx, name, _ := strings.Cut(part, ":")
		index, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil {
			continue
		}
		levels = append(levels, FanLevel{Index: index, Name: strings.TrimSpace(name)})
	}
	return levels
}

type levelSwitch struct {
	level FanLevel
	svc   *service.Switch
}

// Fan is a ventilation control.
type Fan struct {
	*base
	svc      *service.FanV2
	levels   []FanLevel
	switches []levelSwitch

	on    bool
	level int
}

// NewFan creates a fan. Non-bathroom fans get one switch per configured
// additional level.
func NewFan(device Device, ctx *Context) (Accessory, error) {
	b, err := newBase(device, loxone.CategoryVentilation, "Loxone Fan", accessory.TypeFan, ctx)
	if err != nil {
		return nil, err
	}

	f := &Fan{
		base:   b,
		svc:    service.NewFanV2(),
		levels: ParseFanLevels(ctx.FanLevels),
	}
	f.svc.Active.OnValueRemoteUpdate(func(active int) {
		_ = f.setOn(context.Background(), active == characteristic.ActiveActive)
	})
	b.a.AddS(f.svc.S)

	if !device.FanBathroom && device.FanAddButtons != "" {
		for _, raw := range strings.Split(device.FanAddButtons, ",") {
			i, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || i < 0 || i >= len(f.levels) {
				b.logger.Warn("Ignoring unknown fan level button", zap.String("button", raw))
				continue
			}
			level := f.levels[i]
			sw := newNamedSwitch(device.Name + " " + level.Name)
			sw.On.OnValueRemoteUpdate(func(on bool) {
				_ = f.setLevel(context.Background(), level, on)
			})
			b.a.AddS(sw.S)
			f.switches = append(f.switches, levelSwitch{level: level, svc: sw})
		}
	}

	return f, nil
}

func (f *Fan) setOn(ctx context.Context, value bool) error {
	f.mu.Lock()
	current := f.on
	f.mu.Unlock()

	if current == value {
		return nil
	}

	var command string
	switch {
	case f.device.FanBathroom && value:
		command = commandOn
	case f.device.FanBathroom:
		command = commandOff
	case value:
		command = fanCommandOn
	default:
		command = fanCommandReset
	}

	f.logger.Info("Control fan", zap.Bool("from", current), zap.Bool("to", value))
	f.publish(events.KindCommand, map[string]any{"on": value})
	return f.send(ctx, command)
}

func (f *Fan) setLevel(ctx context.Context, level FanLevel, on bool) error {
	target := fanBaseLevel
	if on {
		target = level.Index
	}
	f.logger.Info("Control fan level", zap.Int("level", target))
	f.publish(events.KindCommand, map[string]any{"level": target})
	return f.send(ctx, strconv.Itoa(target))
}

// SetState applies the fan state. The first value is the level position.
func (f *Fan) SetState(values []*loxone.States) {
	v := firstValues(values)
	if v == nil {
		return
	}
	n, ok := loxone.NumberAt(v, 0)
	i := int(n)
	if !ok || i < 0 || i >= len(f.levels) {
		f.logger.Debug("Ignoring unknown fan level", zap.Float64("value", n))
		return
	}
	level := f.levels[i]

	f.mu.Lock()
	f.level = level.Index
	f.on = level.Index > 0
	f.svc.Active.SetValue(activeValue(f.on))
	for _, sw := range f.switches {
		sw.svc.On.SetValue(sw.level.Index == level.Index)
	}
	snapshot := f.snapshotLocked()
	f.mu.Unlock()

	f.publish(events.KindState, snapshot)
}

func activeValue(on bool) int {
	if on {
		return characteristic.ActiveActive
	}
	return characteristic.ActiveInactive
}

// Snapshot returns the current fan state.
func (f *Fan) Snapshot() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

func (f *Fan) snapshotLocked() map[string]any {
	state := map[string]any{"on": f.on, "level": f.level}
	for _, l := range f.levels {
		if l.Index == f.level {
			state["level_name"] = l.Name
		}
	}
	return state
}
