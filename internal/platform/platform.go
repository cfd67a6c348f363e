// Package platform routes web interface events to accessories and
// accessory actions back to the web interface.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"loxonecontrol/internal/accessory"
	"loxonecontrol/internal/blinds"
	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"
	"loxonecontrol/internal/metrics"

	"go.uber.org/zap"
)

// ErrUnknownAccessory is returned for identifiers that were neither
// collected nor configured.
var ErrUnknownAccessory = errors.New("unknown accessory")

const (
	readyPollInterval = 500 * time.Millisecond
	readyPollTries    = 4

	jalousieGroupType = ":type=Jalousie:"
)

type identifyStep struct {
	command string
	wait    time.Duration
}

var identifySequences = map[string][]identifyStep{
	loxone.CategoryShading: {
		{blinds.CommandFullDown, 3 * time.Second},
		{blinds.CommandFullUp, 500 * time.Millisecond},
		{blinds.CommandFullUp, 0},
	},
	loxone.CategoryLighting: {
		{"on", 3 * time.Second},
		{"off", 0},
	},
	loxone.CategoryVentilation: {
		{"4", 4 * time.Second},
		{"reset", 0},
	},
}

// Platform owns the accessories and routes state between them and the web
// interface.
type Platform struct {
	devices  []accessory.Device
	registry *accessory.Registry
	actx     *accessory.Context
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu          sync.RWMutex
	accessories map[string]accessory.Accessory
	order       []accessory.Accessory
	states      map[string][]*loxone.States
	components  []loxone.Component
	ready       bool

	readyOnce sync.Once
	readyCh   chan struct{}
}

// New creates a platform for the configured devices.
func New(devices []accessory.Device, registry *accessory.Registry, actx *accessory.Context, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Platform {
	return &Platform{
		devices:     devices,
		registry:    registry,
		actx:        actx,
		clock:       clk,
		metrics:     m,
		logger:      logger.Named("platform"),
		accessories: make(map[string]accessory.Accessory),
		states:      make(map[string][]*loxone.States),
		readyCh:     make(chan struct{}),
	}
}

// DiscoverDevices creates one accessory per configured device.
func (p *Platform) DiscoverDevices() []accessory.Accessory {
	created := p.registry.CreateAll(p.devices, p.actx)

	p.mu.Lock()
	for _, acc := range created {
		if _, exists := p.accessories[acc.Identifier()]; exists {
			p.logger.Warn("Duplicate device configuration ignored", zap.String("identifier", acc.Identifier()))
			continue
		}
		p.accessories[acc.Identifier()] = acc
		p.order = append(p.order, acc)
		p.logger.Info("Adding accessory",
			zap.String("name", acc.Name()),
			zap.String("category", acc.Category()),
			zap.String("identifier", acc.Identifier()))
	}
	result := make([]accessory.Accessory, len(p.order))
	copy(result, p.order)
	p.mu.Unlock()

	p.metrics.SetAccessories(len(result))
	return result
}

// Accessories returns all accessories in creation order.
func (p *Platform) Accessories() []accessory.Accessory {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]accessory.Accessory, len(p.order))
	copy(result, p.order)
	return result
}

// Accessory looks up an accessory by identifier.
func (p *Platform) Accessory(identifier string) (accessory.Accessory, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	acc, ok := p.accessories[identifier]
	return acc, ok
}

// Ready is closed once the web interface collected all controls.
func (p *Platform) Ready() <-chan struct{} {
	return p.readyCh
}

func (p *Platform) isReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// OnReady marks the platform ready and replays the states received so far.
func (p *Platform) OnReady(components []loxone.Component) {
	p.mu.Lock()
	p.components = append([]loxone.Component(nil), components...)
	p.ready = true
	replay := make(map[accessory.Accessory][]*loxone.States)
	for _, acc := range p.order {
		if values, ok := p.states[acc.Identifier()]; ok && len(values) > 0 {
			replay[acc] = values
		}
	}
	order := append([]accessory.Accessory(nil), p.order...)
	p.mu.Unlock()

	p.logger.Info("Web interface ready and all components collected", zap.Int("components", len(components)))
	p.readyOnce.Do(func() { close(p.readyCh) })

	for _, acc := range order {
		if values, ok := replay[acc]; ok {
			acc.SetState(values)
		}
	}
}

// OnStatusUpdate caches the state of a control and, once ready, applies it
// to the matching accessory. Shading group updates are split per covering.
func (p *Platform) OnStatusUpdate(update loxone.StatusUpdate) {
	identifier := update.Control.Identifier()
	values, err := update.Values()
	if err != nil {
		p.logger.Debug("Ignoring undecodable status update", zap.String("identifier", identifier), zap.Error(err))
		return
	}

	p.mu.Lock()
	p.states[identifier] = values
	ready := p.ready
	acc := p.accessories[identifier]
	p.mu.Unlock()

	if !ready {
		return
	}
	if acc != nil && len(values) > 0 {
		acc.SetState(values)
		return
	}
	if !strings.Contains(identifier, loxone.CategoryShading) {
		return
	}

	for _, v := range values {
		raw, _ := v.Get("controlUUID")
		controlUUID, ok := raw.(string)
		if !ok || controlUUID == "" {
			continue
		}
		if target := p.findContaining(loxone.CategoryShading + jalousieGroupType + controlUUID); target != nil {
			target.SetState([]*loxone.States{v})
		}
	}
}

// OnStatusUpdateBefore applies raw jalousie values before the web interface
// processed them. The control is found through the tail of the third key.
func (p *Platform) OnStatusUpdateBefore(values *loxone.States) {
	key, ok := loxone.KeyAt(values, 2)
	if !ok {
		return
	}
	tail := loxone.SplitTail(key, "-")
	if tail == "" {
		return
	}

	p.mu.RLock()
	var matches []loxone.Component
	for _, c := range p.components {
		if strings.Contains(c.UUIDAction, tail) {
			matches = append(matches, c)
		}
	}
	p.mu.RUnlock()

	if len(matches) != 1 {
		return
	}

	identifier := loxone.BuildIdentifier(matches[0].SearchDescription, matches[0].Type, matches[0].UUIDAction)
	if !strings.Contains(identifier, loxone.CategoryShading) {
		return
	}
	if acc, ok := p.Accessory(identifier); ok {
		acc.SetState([]*loxone.States{values})
	}
}

func (p *Platform) findContaining(sub string) accessory.Accessory {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, acc := range p.order {
		if strings.Contains(acc.Identifier(), sub) {
			return acc
		}
	}
	return nil
}

// DiscoveredIdentifiers returns the identifiers of all collected controls,
// waiting briefly for the web interface to become ready.
func (p *Platform) DiscoveredIdentifiers() []string {
	for tries := 0; !p.isReady() && tries < readyPollTries; tries++ {
		p.clock.Sleep(readyPollInterval)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]string, 0, len(p.components))
	for _, c := range p.components {
		identifier := c.Identifier
		if identifier == "" {
			identifier = loxone.BuildIdentifier(c.SearchDescription, c.Type, c.UUIDAction)
		}
		result = append(result, identifier)
	}
	return result
}

func (p *Platform) known(identifier string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, ok := p.accessories[identifier]; ok {
		return true
	}
	for _, c := range p.components {
		if c.Identifier == identifier || loxone.BuildIdentifier(c.SearchDescription, c.Type, c.UUIDAction) == identifier {
			return true
		}
	}
	return false
}

// Identify makes a control noticeable: shading moves down and up, lights
// flash, fans spin up. The sequence runs in the background. Climate
// controls have nothing to show.
func (p *Platform) Identify(ctx context.Context, identifier string) error {
	id, err := loxone.ParseIdentifier(identifier)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownAccessory, err)
	}
	if !p.known(identifier) {
		return fmt.Errorf("%w: %s", ErrUnknownAccessory, identifier)
	}

	category := id.Category()
	if category == loxone.CategoryClimate {
		return nil
	}
	steps, ok := identifySequences[category]
	if !ok {
		return fmt.Errorf("%w: identify %s", accessory.ErrUnsupported, category)
	}

	p.logger.Info("Identify accessory", zap.String("identifier", identifier))
	p.actx.Bus.Publish(events.Event{
		Identifier: identifier,
		Room:       id.Room(),
		Category:   category,
		Kind:       events.KindIdentify,
		Time:       p.clock.Now(),
	})

	go p.runIdentify(context.WithoutCancel(ctx), identifier, steps)
	return nil
}

func (p *Platform) runIdentify(ctx context.Context, identifier string, steps []identifyStep) {
	for _, step := range steps {
		if err := p.actx.Commander.SendCommand(ctx, identifier, step.command); err != nil {
			p.logger.Error("Identify command failed",
				zap.String("identifier", identifier),
				zap.String("command", step.command),
				zap.Error(err))
			return
		}
		p.clock.Sleep(step.wait)
	}
}

// Toggle inverts the on state of an accessory.
func (p *Platform) Toggle(ctx context.Context, identifier string) error {
	t, err := p.toggler(identifier)
	if err != nil {
		return err
	}
	return t.Toggle(ctx)
}

// SetOn switches an accessory on.
func (p *Platform) SetOn(ctx context.Context, identifier string) error {
	t, err := p.toggler(identifier)
	if err != nil {
		return err
	}
	return t.SetOn(ctx)
}

func (p *Platform) toggler(identifier string) (accessory.Toggler, error) {
	acc, ok := p.Accessory(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccessory, identifier)
	}
	t, ok := acc.(accessory.Toggler)
	if !ok {
		return nil, fmt.Errorf("%w: toggle %s", accessory.ErrUnsupported, identifier)
	}
	return t, nil
}
