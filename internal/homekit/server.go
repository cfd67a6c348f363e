// Package homekit publishes the accessories through a HAP bridge.
package homekit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"

	"loxonecontrol/internal/accessory"

	"github.com/brutella/hap"
	hapaccessory "github.com/brutella/hap/accessory"
	"go.uber.org/zap"
)

const (
	pinKey        = "serverPin"
	defaultBridge = "Loxone Control"
	bridgeID      = 1
)

// ErrInvalidPin is returned for configured pins HomeKit rejects.
var ErrInvalidPin = errors.New("invalid homekit pin")

var pinRe = regexp.MustCompile(`^\d{8}$`)

// Config configures the HAP server.
type Config struct {
	StorePath  string
	Pin        string
	Addr       string
	BridgeName string
}

// pinStore is the part of hap.Store the pin lookup needs.
type pinStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// Server wraps a hap.Server with a bridge and all accessories.
type Server struct {
	server *hap.Server
	bridge *hapaccessory.Bridge
	logger *zap.Logger
}

// NewServer builds the bridge and registers every accessory behind it.
func NewServer(cfg Config, accessories []accessory.Accessory, logger *zap.Logger) (*Server, error) {
	logger = logger.Named("homekit")

	name := cfg.BridgeName
	if name == "" {
		name = defaultBridge
	}
	bridge := hapaccessory.NewBridge(hapaccessory.Info{
		Name:         name,
		SerialNumber: "loxonecontrol",
		Manufacturer: "Loxone",
		Model:        "Web Interface Bridge",
	})
	bridge.Id = bridgeID

	as := make([]*hapaccessory.A, 0, len(accessories))
	for _, acc := range accessories {
		as = append(as, acc.HAP())
	}

	store := hap.NewFsStore(cfg.StorePath)
	server, err := hap.NewServer(store, bridge.A, as...)
	if err != nil {
		return nil, fmt.Errorf("failed to create homekit server: %w", err)
	}

	pin, err := resolvePin(store, cfg.Pin)
	if err != nil {
		return nil, err
	}
	server.Pin = pin
	if cfg.Addr != "" {
		server.Addr = cfg.Addr
	}

	logger.Info("HomeKit bridge configured",
		zap.String("name", name),
		zap.String("store", cfg.StorePath),
		zap.Int("accessories", len(as)))

	return &Server{server: server, bridge: bridge, logger: logger}, nil
}

// Pin returns the setup code clients pair with.
func (s *Server) Pin() string {
	return s.server.Pin
}

// ListenAndServe serves HAP until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.logger.Info("Starting HomeKit server", zap.String("pin", s.server.Pin), zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("homekit server: %w", err)
	}
	return nil
}

// resolvePin prefers the configured pin, then the stored one, and
// generates and stores a new pin when neither exists.
func resolvePin(store pinStore, configured string) (string, error) {
	if configured != "" {
		if !validPin(configured) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPin, configured)
		}
		return configured, nil
	}

	if stored, err := store.Get(pinKey); err == nil && validPin(string(stored)) {
		return string(stored), nil
	}

	pin := generatePin()
	if err := store.Set(pinKey, []byte(pin)); err != nil {
		return "", fmt.Errorf("failed to store homekit pin: %w", err)
	}
	return pin, nil
}

func validPin(pin string) bool {
	if !pinRe.MatchString(pin) {
		return false
	}
	_, invalid := hap.InvalidPins[pin]
	return !invalid
}

func generatePin() string {
	for {
		pin := fmt.Sprintf("%08d", rand.Intn(100000000))
		if validPin(pin) {
			return pin
		}
	}
}
