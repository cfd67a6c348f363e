package accessory

import (
	"fmt"
	"sort"
	"sync"

	"loxonecontrol/internal/loxone"

	"go.uber.org/zap"
)

// Priority constants for factory registration.
// Higher priority values override lower priority factories for the same category.
const (
	PriorityDefault  = 0
	PriorityOverride = 100
)

// Factory creates an accessory for a configured device.
type Factory func(device Device, ctx *Context) (Accessory, error)

// FactoryInfo describes the factory serving one category.
type FactoryInfo struct {
	// Category is the search description category, e.g. "Beschattung".
	Category    string
	Description string
	Priority    int
	Factory     Factory

	// Order controls the creation order of accessories. Lower values first.
	Order int
}

// Registry maps categories to accessory factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]FactoryInfo
	order     []string
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[string]FactoryInfo),
		order:     make([]string, 0),
		logger:    logger.Named("registry"),
	}
}

// NewDefaultRegistry creates a registry serving all supported categories.
func NewDefaultRegistry(logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	for _, info := range []FactoryInfo{
		{Category: loxone.CategoryShading, Description: "Jalousies and awnings", Factory: NewWindowCovering, Order: 10},
		{Category: loxone.CategoryLighting, Description: "Lights, dimmers and outlets", Factory: newLighting, Order: 20},
		{Category: loxone.CategoryVentilation, Description: "Ventilation fans", Factory: NewFan, Order: 30},
		{Category: loxone.CategoryClimate, Description: "Room temperature sensors", Factory: NewTemperature, Order: 40},
	} {
		// defaults are valid by construction
		_ = r.Register(info)
	}
	return r
}

// Register adds a factory. If the category already has one, the higher
// priority wins. On equal priority the later registration wins.
func (r *Registry) Register(info FactoryInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Category == "" {
		return fmt.Errorf("category cannot be empty")
	}
	if info.Factory == nil {
		return fmt.Errorf("category %s: factory cannot be nil", info.Category)
	}
	if info.Order == 0 {
		info.Order = 50
	}

	existing, exists := r.factories[info.Category]
	if exists {
		if info.Priority < existing.Priority {
			r.logger.Debug("Factory registration skipped",
				zap.String("category", info.Category),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.logger.Debug("Factory overridden",
			zap.String("category", info.Category),
			zap.Int("from_priority", existing.Priority),
			zap.Int("to_priority", info.Priority))
	}

	r.factories[info.Category] = info
	if !exists {
		r.order = append(r.order, info.Category)
	}
	return nil
}

// Get returns the factory info for a category, or nil if not found.
func (r *Registry) Get(category string) *FactoryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.factories[category]
	if !ok {
		return nil
	}
	return &info
}

// List returns all factories sorted by order, then category.
func (r *Registry) List() []FactoryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]FactoryInfo, 0, len(r.factories))
	for _, category := range r.order {
		result = append(result, r.factories[category])
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Category < result[j].Category
	})
	return result
}

// Categories returns the registered categories in registration order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Create builds the accessory for device using the factory of its category.
func (r *Registry) Create(device Device, ctx *Context) (Accessory, error) {
	id, err := loxone.ParseIdentifier(device.Identifier)
	if err != nil {
		return nil, err
	}

	info := r.Get(id.Category())
	if info == nil {
		return nil, fmt.Errorf("%w: category %q", ErrUnsupported, id.Category())
	}

	acc, err := info.Factory(device, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s accessory %s: %w", info.Category, device.Identifier, err)
	}
	return acc, nil
}

// CreateAll builds accessories for all devices in factory order. Devices of
// unknown categories and failing factories are skipped and logged.
func (r *Registry) CreateAll(devices []Device, ctx *Context) []Accessory {
	rank := make(map[string]int)
	for i, info := range r.List() {
		rank[info.Category] = i
	}

	sorted := make([]Device, len(devices))
	copy(sorted, devices)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank[categoryOf(sorted[i])] < rank[categoryOf(sorted[j])]
	})

	result := make([]Accessory, 0, len(sorted))
	for _, device := range sorted {
		acc, err := r.Create(device, ctx)
		if err != nil {
			r.logger.Warn("Skipping device", zap.String("identifier", device.Identifier), zap.Error(err))
			continue
		}
		result = append(result, acc)
	}
	return result
}

func categoryOf(device Device) string {
	id, err := loxone.ParseIdentifier(device.Identifier)
	if err != nil {
		return ""
	}
	return id.Category()
}
