package platform

import (
	"context"
	"sync"
	"testing"
	"time"

	"loxonecontrol/internal/accessory"
	"loxonecontrol/internal/blinds"
	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	coveringID    = "Wohnen • Beschattung:type=Jalousie:0f1e-j1"
	secondCovID   = "Büro • Beschattung:type=Jalousie:0f1e-j2"
	lightID       = "Küche • Beleuchtung:type=Switch:0f1e-l1"
	outletID      = "Küche • Beleuchtung:type=Switch:0f1e-o1"
	fanID         = "Bad • Lüftung:type=Radio:0f1e-f1"
	climateID     = "Bad • Klima:type=IRoomControllerV2:0f1e-t1"
	irrigationID  = "Garten • Bewässerung:type=Switch:0f1e-w1"
	groupShadeID  = "Haus • Beschattung:type=CentralJalousie:0f1e-g1"
	unconfiguredL = "Flur • Beleuchtung:type=Switch:0f1e-l9"
)

type testSetup struct {
	platform  *Platform
	commander *loxone.MockCommander
	clock     *clock.MockClock

	mu     sync.Mutex
	events []events.Event
}

func (s *testSetup) eventsOfKind(kind string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []events.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			result = append(result, ev)
		}
	}
	return result
}

func setupPlatform(t *testing.T) *testSetup {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	commander := loxone.NewMockCommander()
	controller := blinds.NewController(commander, loxone.TravelOverrides{}, clk, nil, logger)
	t.Cleanup(controller.Stop)

	s := &testSetup{commander: commander, clock: clk}
	bus := events.NewBus(logger)
	bus.Subscribe(func(ev events.Event) {
		s.mu.Lock()
		s.events = append(s.events, ev)
		s.mu.Unlock()
	})

	actx := &accessory.Context{
		Commander: commander,
		Blinds:    controller,
		Bus:       bus,
		Clock:     clk,
		Logger:    logger,
	}
	devices := []accessory.Device{
		{Identifier: coveringID, Name: "Wohnen", BlindsTiming: "window"},
		{Identifier: secondCovID, Name: "Büro", BlindsTiming: "window"},
		{Identifier: lightID, Name: "Küche"},
		{Identifier: outletID, Name: "Steckdose", LightOutlet: true},
		{Identifier: fanID, Name: "Lüfter"},
		{Identifier: climateID, Name: "Bad"},
		{Identifier: irrigationID, Name: "Garten"},
		{Identifier: lightID, Name: "Duplicate"},
	}

	s.platform = New(devices, accessory.NewDefaultRegistry(logger), actx, clk, nil, logger)
	s.platform.DiscoverDevices()
	return s
}

func components() []loxone.Component {
	raw := []loxone.Component{
		{UUIDAction: "0f1e-j1", SearchDescription: "Wohnen • Beschattung", Type: "Jalousie"},
		{UUIDAction: "0f1e-j2", SearchDescription: "Büro • Beschattung", Type: "Jalousie"},
		{UUIDAction: "0f1e-l1", SearchDescription: "Küche • Beleuchtung", Type: "Switch"},
		{UUIDAction: "0f1e-o1", SearchDescription: "Küche • Beleuchtung", Type: "Switch"},
		{UUIDAction: "0f1e-f1", SearchDescription: "Bad • Lüftung", Type: "Radio"},
		{UUIDAction: "0f1e-t1", SearchDescription: "Bad • Klima", Type: "IRoomControllerV2"},
		{UUIDAction: "0f1e-w1", SearchDescription: "Garten • Bewässerung", Type: "Switch"},
		{UUIDAction: "0f1e-l9", SearchDescription: "Flur • Beleuchtung", Type: "Switch"},
	}
	for i := range raw {
		raw[i].Identifier = loxone.BuildIdentifier(raw[i].SearchDescription, raw[i].Type, raw[i].UUIDAction)
	}
	return raw
}

func statusUpdate(t *testing.T, identifier, newVals string) loxone.StatusUpdate {
	t.Helper()
	id, err := loxone.ParseIdentifier(identifier)
	require.NoError(t, err)
	return loxone.StatusUpdate{
		Control: loxone.ControlRef{SearchDescription: id.SearchDescription, Type: id.Type, UUIDAction: id.ActionUUID},
		NewVals: []byte(newVals),
	}
}

func snapshotOf(t *testing.T, p *Platform, identifier string) map[string]any {
	t.Helper()
	acc, ok := p.Accessory(identifier)
	require.True(t, ok, identifier)
	return acc.Snapshot()
}

func TestDiscoverDevices(t *testing.T) {
	s := setupPlatform(t)

	accessories := s.platform.Accessories()
	require.Len(t, accessories, 6)

	acc, ok := s.platform.Accessory(lightID)
	require.True(t, ok)
	assert.Equal(t, "Küche", acc.Name())

	_, ok = s.platform.Accessory(irrigationID)
	assert.False(t, ok)
}

func TestOnStatusUpdate_CachedUntilReady(t *testing.T) {
	s := setupPlatform(t)

	s.platform.OnStatusUpdate(statusUpdate(t, lightID, `{"active": 1}`))
	assert.Equal(t, false, snapshotOf(t, s.platform, lightID)["on"])

	select {
	case <-s.platform.Ready():
		t.Fatal("platform ready before web interface")
	default:
	}

	s.platform.OnReady(components())
	assert.Equal(t, true, snapshotOf(t, s.platform, lightID)["on"])

	select {
	case <-s.platform.Ready():
	default:
		t.Fatal("ready channel not closed")
	}

	s.platform.OnStatusUpdate(statusUpdate(t, lightID, `{"active": 0}`))
	assert.Equal(t, false, snapshotOf(t, s.platform, lightID)["on"])
}

func TestOnStatusUpdate_FallsBackToStates(t *testing.T) {
	s := setupPlatform(t)
	s.platform.OnReady(components())

	update := statusUpdate(t, climateID, `null`)
	update.States = []byte(`{"tempActual": 19.5}`)
	s.platform.OnStatusUpdate(update)

	assert.Equal(t, 19.5, snapshotOf(t, s.platform, climateID)["temperature"])
}

func TestOnStatusUpdate_ShadingGroup(t *testing.T) {
	s := setupPlatform(t)
	s.platform.OnReady(components())

	s.platform.OnStatusUpdate(statusUpdate(t, groupShadeID, `[
		{"controlUUID": "0f1e-j1", "stateText": "Offen", "positionState": 0.3},
		{"controlUUID": "0f1e-j2", "stateText": "Zu", "positionState": 0.9},
		{"controlUUID": "0f1e-zz", "stateText": "Zu", "positionState": 0.5},
		{"stateText": "ohne uuid"}
	]`))

	assert.Equal(t, 30, snapshotOf(t, s.platform, coveringID)["position"])
	assert.Equal(t, 90, snapshotOf(t, s.platform, secondCovID)["position"])
}

func TestOnStatusUpdate_InvalidPayload(t *testing.T) {
	s := setupPlatform(t)
	s.platform.OnReady(components())

	assert.NotPanics(t, func() {
		s.platform.OnStatusUpdate(statusUpdate(t, lightID, `{"active":`))
	})
}

func TestOnStatusUpdateBefore(t *testing.T) {
	s := setupPlatform(t)
	s.platform.OnReady(components())

	s.platform.OnStatusUpdateBefore(loxone.NewStates("1a2b-up", 0.0, "1a2b-down", 1.0, "1a2b-j2", 0.4))

	snapshot := snapshotOf(t, s.platform, secondCovID)
	assert.Equal(t, 40, snapshot["position"])
	assert.Equal(t, "increasing", snapshot["position_state"])
}

func TestOnStatusUpdateBefore_Ignored(t *testing.T) {
	tests := []struct {
		name   string
		values *loxone.States
	}{
		{"ambiguous tail", loxone.NewStates("a", 0.0, "b", 1.0, "x-0f1e", 0.4)},
		{"no match", loxone.NewStates("a", 0.0, "b", 1.0, "x-nothing", 0.4)},
		{"not shading", loxone.NewStates("a", 0.0, "b", 1.0, "x-l1", 0.4)},
		{"too few keys", loxone.NewStates("a", 0.0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupPlatform(t)
			s.platform.OnReady(components())

			s.platform.OnStatusUpdateBefore(tt.values)

			assert.Empty(t, s.eventsOfKind(events.KindState))
		})
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		commands   []string
		slept      time.Duration
	}{
		{"shading", coveringID, []string{"FullDown", "FullUp", "FullUp"}, 3500 * time.Millisecond},
		{"lighting", lightID, []string{"on", "off"}, 3 * time.Second},
		{"unconfigured lighting", unconfiguredL, []string{"on", "off"}, 3 * time.Second},
		{"ventilation", fanID, []string{"4", "reset"}, 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupPlatform(t)
			s.platform.OnReady(components())

			require.NoError(t, s.platform.Identify(context.Background(), tt.identifier))

			require.Eventually(t, func() bool {
				return len(s.commander.CommandsFor(tt.identifier)) == len(tt.commands)
			}, time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.commands, s.commander.CommandsFor(tt.identifier))
			assert.Equal(t, tt.slept, s.clock.Slept())
			assert.Len(t, s.eventsOfKind(events.KindIdentify), 1)
		})
	}
}

func TestIdentify_Errors(t *testing.T) {
	s := setupPlatform(t)
	s.platform.OnReady(components())
	ctx := context.Background()

	assert.NoError(t, s.platform.Identify(ctx, climateID))
	assert.ErrorIs(t, s.platform.Identify(ctx, "Nirgends • Beleuchtung:type=Switch:none"), ErrUnknownAccessory)
	assert.ErrorIs(t, s.platform.Identify(ctx, "garbage"), ErrUnknownAccessory)
	assert.ErrorIs(t, s.platform.Identify(ctx, irrigationID), accessory.ErrUnsupported)
	assert.Empty(t, s.commander.Commands())
}

func TestToggleAndSetOn(t *testing.T) {
	s := setupPlatform(t)
	s.platform.OnReady(components())
	ctx := context.Background()

	require.NoError(t, s.platform.Toggle(ctx, outletID))
	assert.Equal(t, []string{"on"}, s.commander.CommandsFor(outletID))

	require.NoError(t, s.platform.SetOn(ctx, lightID))
	assert.Equal(t, []string{"on"}, s.commander.CommandsFor(lightID))

	assert.ErrorIs(t, s.platform.Toggle(ctx, climateID), accessory.ErrUnsupported)
	assert.ErrorIs(t, s.platform.SetOn(ctx, unconfiguredL), ErrUnknownAccessory)
}

func TestDiscoveredIdentifiers(t *testing.T) {
	s := setupPlatform(t)

	assert.Empty(t, s.platform.DiscoveredIdentifiers())
	assert.Equal(t, 2*time.Second, s.clock.Slept())

	s.platform.OnReady(components())
	identifiers := s.platform.DiscoveredIdentifiers()
	require.Len(t, identifiers, 8)
	assert.Equal(t, coveringID, identifiers[0])
	assert.Equal(t, 2*time.Second, s.clock.Slept())
}
