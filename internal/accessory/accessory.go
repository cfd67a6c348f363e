// Package accessory exposes Loxone controls as HomeKit accessories.
package accessory

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"loxonecontrol/internal/blinds"
	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"github.com/brutella/hap/accessory"
	"go.uber.org/zap"
)

const manufacturer = "Loxone"

// ErrUnsupported is returned when an accessory cannot perform an action.
var ErrUnsupported = errors.New("operation not supported by accessory")

// Device is a configured control to expose.
type Device struct {
	Identifier        string
	Name              string
	BlindsTiming      string
	BlindsMaxPosition int
	LightOutlet       bool
	FanBathroom       bool
	FanAddButtons     string
}

// Accessory is a HomeKit accessory backed by one Loxone control.
type Accessory interface {
	Identifier() string
	Name() string
	Category() string
	HAP() *accessory.A
	// SetState applies values reported by the web interface.
	SetState(values []*loxone.States)
	// Snapshot returns the current state as reported to HomeKit.
	Snapshot() map[string]any
}

// Toggler is implemented by accessories with a simple on/off state.
type Toggler interface {
	Toggle(ctx context.Context) error
	SetOn(ctx context.Context) error
}

// Context provides the shared services accessories are built with.
type Context struct {
	Commander loxone.Commander
	Blinds    *blinds.Controller
	Bus       *events.Bus
	Clock     clock.Clock
	FanLevels string
	Logger    *zap.Logger
}

// StableID derives the HomeKit accessory id from an identifier. Ids 0 and 1
// are reserved for the bridge.
func StableID(identifier string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(identifier))
	id := h.Sum64()
	if id <= 1 {
		id += 2
	}
	return id
}

type base struct {
	device   Device
	id       loxone.Identifier
	category string
	a        *accessory.A
	ctx      *Context
	logger   *zap.Logger

	mu sync.Mutex
}

func newBase(device Device, category, model string, typ byte, ctx *Context) (*base, error) {
	id, err := loxone.ParseIdentifier(device.Identifier)
	if err != nil {
		return nil, err
	}

	name := device.Name
	if name == "" {
		name = id.Room()
	}
	device.Name = name

	a := accessory.New(accessory.Info{
		Name:         name,
		SerialNumber: id.ActionUUID,
		Manufacturer: manufacturer,
		Model:        model,
	}, typ)
	a.Id = StableID(device.Identifier)

	return &base{
		device:   device,
		id:       id,
		category: category,
		a:        a,
		ctx:      ctx,
		logger:   ctx.Logger.With(zap.String("accessory", name)),
	}, nil
}

func (b *base) Identifier() string { return b.device.Identifier }
func (b *base) Name() string       { return b.device.Name }
func (b *base) Category() string   { return b.category }
func (b *base) HAP() *accessory.A  { return b.a }

// send forwards a command to the control and logs failures.
func (b *base) send(ctx context.Context, args ...string) error {
	err := b.ctx.Commander.SendCommand(ctx, b.device.Identifier, args...)
	if err != nil {
		b.logger.Error("Error in send command", zap.Strings("args", args), zap.Error(err))
	}
	return err
}

func (b *base) publish(kind string, state map[string]any) {
	b.ctx.Bus.Publish(events.Event{
		Identifier: b.device.Identifier,
		Name:       b.device.Name,
		Room:       b.id.Room(),
		Category:   b.category,
		Kind:       kind,
		State:      state,
		Time:       b.now(),
	})
}

func (b *base) now() time.Time {
	if b.ctx.Clock == nil {
		return time.Now()
	}
	return b.ctx.Clock.Now()
}

func firstValues(values []*loxone.States) *loxone.States {
	if len(values) == 0 {
		return nil
	}
	return values[0]
}
