package accessory

import (
	"math"
	"time"

	"loxonecontrol/internal/blinds"
	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"go.uber.org/zap"
)

const (
	targetWriteDelay = 300 * time.Millisecond
	// writes closer than this to the current position are ignored
	minTargetDistance = 6

	slatStateFixed     = 0
	slatTypeHorizontal = 0
)

// WindowCovering is a jalousie or awning moved by the blinds controller.
type WindowCovering struct {
	*base

	svc          *service.WindowCovering
	slats        *service.Slat
	tiltAngle    *characteristic.CurrentTiltAngle
	tiltedSwitch *service.Switch
	openedSwitch *service.Switch
	blindsType   loxone.BlindsType

	position int
	target   int
	state    blinds.PositionState
	tilt     loxone.Tilt
	tilted   bool
	opened   bool
	pending  clock.Timer
}

// NewWindowCovering creates a covering. Awnings get no slat controls.
func NewWindowCovering(device Device, ctx *Context) (Accessory, error) {
	b, err := newBase(device, loxone.CategoryShading, "Loxone Blinds", accessory.TypeWindowCovering, ctx)
	if err != nil {
		return nil, err
	}

	w := &WindowCovering{
		base:       b,
		svc:        service.NewWindowCovering(),
		blindsType: loxone.BlindsTypeOf(device.BlindsTiming),
		state:      blinds.PositionStopped,
		tilt:       loxone.TiltClosed,
	}
	w.svc.PositionState.SetValue(int(blinds.PositionStopped))
	w.svc.TargetPosition.OnValueRemoteUpdate(w.onTargetPosition)
	b.a.AddS(w.svc.S)

	if w.blindsType != loxone.BlindsTypeAwning {
		w.slats = service.NewSlat()
		w.slats.CurrentSlatState.SetValue(slatStateFixed)
		w.slats.SlatType.SetValue(slatTypeHorizontal)
		w.tiltAngle = characteristic.NewCurrentTiltAngle()
		w.tiltAngle.SetValue(tiltAngle(loxone.TiltClosed))
		w.slats.AddC(w.tiltAngle.C)
		b.a.AddS(w.slats.S)

		w.tiltedSwitch = newNamedSwitch(b.device.Name + " Tilted")
		w.tiltedSwitch.On.OnValueRemoteUpdate(func(on bool) {
			w.mu.Lock()
			w.tilted = on
			w.mu.Unlock()
		})
		b.a.AddS(w.tiltedSwitch.S)

		w.openedSwitch = newNamedSwitch(b.device.Name + " Opened")
		w.openedSwitch.On.OnValueRemoteUpdate(func(on bool) {
			w.mu.Lock()
			w.opened = on
			w.mu.Unlock()
		})
		b.a.AddS(w.openedSwitch.S)
	}

	return w, nil
}

// BlindsTiming returns the configured timing setting.
func (w *WindowCovering) BlindsTiming() string { return w.device.BlindsTiming }

// BlindsMaxPosition returns the configured maximum position.
func (w *WindowCovering) BlindsMaxPosition() int { return w.device.BlindsMaxPosition }

// Position returns the current position, 100 being fully down.
func (w *WindowCovering) Position() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.position
}

// TargetPosition returns the last target position.
func (w *WindowCovering) TargetPosition() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

// PositionState returns the reported motion state.
func (w *WindowCovering) PositionState() blinds.PositionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// TiltPosition returns the reported slat tilt.
func (w *WindowCovering) TiltPosition() loxone.Tilt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tilt
}

// RequestedTilt returns the tilt selected through the Opened and Tilted switches.
func (w *WindowCovering) RequestedTilt() loxone.Tilt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requestedTiltLocked()
}

func (w *WindowCovering) requestedTiltLocked() loxone.Tilt {
	switch {
	case w.opened:
		return loxone.TiltOpen
	case w.tilted:
		return loxone.TiltTilted
	default:
		return loxone.TiltClosed
	}
}

// SetTargetPosition records the target the controller is moving to.
func (w *WindowCovering) SetTargetPosition(position int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.target = position
	w.svc.TargetPosition.SetValue(position)
}

// ResetTiltSwitches turns both tilt switches off.
func (w *WindowCovering) ResetTiltSwitches() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tilted {
		w.tilted = false
		if w.tiltedSwitch != nil {
			w.tiltedSwitch.On.SetValue(false)
		}
	}
	if w.opened {
		w.opened = false
		if w.openedSwitch != nil {
			w.openedSwitch.On.SetValue(false)
		}
	}
}

// SetTilt selects the final slat tilt for the next move.
func (w *WindowCovering) SetTilt(tilt loxone.Tilt) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tilted = tilt == loxone.TiltTilted
	w.opened = tilt == loxone.TiltOpen
	if w.tiltedSwitch != nil {
		w.tiltedSwitch.On.SetValue(w.tilted)
		w.openedSwitch.On.SetValue(w.opened)
	}
}

func (w *WindowCovering) onTargetPosition(value int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = w.ctx.Clock.AfterFunc(targetWriteDelay, func() {
		w.MoveTo(value)
	})
}

// MoveTo requests a move to value unless the covering is already close to
// it with the requested tilt.
func (w *WindowCovering) MoveTo(value int) {
	w.mu.Lock()
	tilt := loxone.TiltClosed
	if value > 0 {
		tilt = w.requestedTiltLocked()
	}
	position, current := w.position, w.tilt
	w.mu.Unlock()

	if abs(value-position) < minTargetDistance && tilt == current {
		w.logger.Debug("Target too close to current position, skipping",
			zap.Int("value", value),
			zap.Int("position", position),
			zap.String("tilt", string(tilt)))
		return
	}

	w.publish(events.KindCommand, map[string]any{"target_position": value, "tilt": string(tilt)})
	w.ctx.Blinds.MoveToPosition(w, value)
}

// SetState applies a jalousie state. Values either carry the rendered
// state (stateText, positionState, transformations) or are positional:
// up, down, position.
func (w *WindowCovering) SetState(values []*loxone.States) {
	v := firstValues(values)
	if v == nil {
		return
	}

	first, _ := loxone.ValueAt(v, 0)
	second, _ := loxone.ValueAt(v, 1)
	up := isOne(first)
	down := isOne(second)
	isMoving, _ := v.Get("isMoving")
	moving := loxone.Truthy(isMoving) || up || down

	w.mu.Lock()
	position := w.position
	target := w.target
	tilt := loxone.TiltClosed

	if stateText, _ := v.Get("stateText"); loxone.Truthy(stateText) {
		position = 0
		if raw, ok := v.Get("positionState"); ok {
			if ps, ok := loxone.Number(raw); ok {
				position = int(math.Round(ps * 100))
			}
		}
		transforms, _ := v.Get("transformations")
		tm, _ := transforms.(map[string]any)
		tilt = loxone.TiltFromTransforms(tm)
	} else if third, ok := loxone.NumberAt(v, 2); ok {
		position = int(math.Round(third * 100))
		target = position
	}

	state := blinds.PositionStopped
	if moving {
		state = blinds.PositionIncreasing
		if up {
			state = blinds.PositionDecreasing
		}
	}
	if state == blinds.PositionStopped {
		target = position
	}

	changed := false
	if state != w.state {
		changed = true
		w.svc.PositionState.SetValue(int(state))
	}
	if position != w.position {
		changed = true
		w.svc.CurrentPosition.SetValue(position)
	}
	if target != w.target {
		changed = true
		w.svc.TargetPosition.SetValue(target)
	}
	if tilt != w.tilt && w.tiltAngle != nil {
		w.tiltAngle.SetValue(tiltAngle(tilt))
	}

	w.state = state
	w.position = position
	w.target = target
	w.tilt = tilt
	snapshot := w.snapshotLocked()
	w.mu.Unlock()

	if changed {
		w.logger.Debug("State change",
			zap.Stringer("position_state", state),
			zap.Int("position", position),
			zap.String("tilt", string(tilt)),
			zap.Int("target_position", target))
		w.publish(events.KindState, snapshot)
	}
}

// Snapshot returns the current covering state.
func (w *WindowCovering) Snapshot() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *WindowCovering) snapshotLocked() map[string]any {
	return map[string]any{
		"position":        w.position,
		"target_position": w.target,
		"position_state":  w.state.String(),
		"tilt":            string(w.tilt),
		"requested_tilt":  string(w.requestedTiltLocked()),
		"type":            string(w.blindsType),
	}
}

func tiltAngle(t loxone.Tilt) int {
	switch t {
	case loxone.TiltTilted:
		return 45
	case loxone.TiltOpen:
		return 90
	default:
		return 0
	}
}

func newNamedSwitch(name string) *service.Switch {
	sw := service.NewSwitch()
	n := characteristic.NewName()
	n.SetValue(name)
	sw.AddC(n.C)
	return sw
}

func isOne(v any) bool {
	if _, isBool := v.(bool); isBool {
		return false
	}
	f, ok := loxone.Number(v)
	return ok && f == 1
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
