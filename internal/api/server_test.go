package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"loxonecontrol/internal/accessory"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/loxone"
	"loxonecontrol/internal/metrics"
	"loxonecontrol/internal/platform"

	hapaccessory "github.com/brutella/hap/accessory"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testIdentifier = "Küche • Beleuchtung:type=Switch:0f1e-l1"

type fakeAccessory struct {
	identifier string
	state      map[string]any
}

func (f *fakeAccessory) Identifier() string { return f.identifier }
func (f *fakeAccessory) Name() string { return "Küche" }
func (f *fakeAccessory) Category() string { return loxone.CategoryLighting }
func (f *fakeAccessory) HAP() *hapaccessory.A { return nil }
func (f *fakeAccessory) SetState([]*loxone.States) {}
func (f *fakeAccessory) Snapshot() map[string]any { return f.state }

type fakePlatform struct {
	identifiers []string
	accessories []accessory.Accessory
	err         error
	calls       []string
}

func (f *fakePlatform) DiscoveredIdentifiers() []string { return f.identifiers }

func (f *fakePlatform) Accessories() []accessory.Accessory { return f.accessories }

func (f *fakePlatform) Identify(_ context.Context, identifier string) error {
	f.calls = append(f.calls, "identify "+identifier)
	return f.err
}

func (f *fakePlatform) Toggle(_ context.Context, identifier string) error {
	f.calls = append(f.calls, "toggle "+identifier)
	return f.err
}

func (f *fakePlatform) SetOn(_ context.Context, identifier string) error {
	f.calls = append(f.calls, "setOn "+identifier)
	return f.err
}

func newTestServer(p *fakePlatform, bus *events.Bus) *Server {
	return NewServer(p, bus, metrics.New(), zap.NewNop(), 18081)
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleDiscoverDevices(t *testing.T) {
	p := &fakePlatform{identifiers: []string{testIdentifier}}
	s := newTestServer(p, events.NewBus(zap.NewNop()))

	w := serve(s, http.MethodGet, "/discoverDevices")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var identifiers []string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&identifiers))
	assert.Equal(t, []string{testIdentifier}, identifiers)
}

func TestAccessoryActions(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		wantCall   string
	}{
		{"identify", "/identifyAccessory", nil, http.StatusNoContent, "identify"},
		{"toggle", "/toggle", nil, http.StatusNoContent, "toggle"},
		{"set on", "/setOn", nil, http.StatusNoContent, "setOn"},
		{"unknown accessory", "/toggle", fmt.Errorf("%w: x", platform.ErrUnknownAccessory), http.StatusNotFound, "toggle"},
		{"unsupported", "/setOn", fmt.Errorf("%w: toggle", accessory.ErrUnsupported), http.StatusConflict, "setOn"},
		{"command failed", "/identifyAccessory", loxone.ErrNotReady, http.StatusBadGateway, "identify"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePlatform{err: tt.err}
			s := newTestServer(p, nil)

			w := serve(s, http.MethodGet, tt.path+"?name="+url.QueryEscape(testIdentifier))

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, []string{tt.wantCall + " " + testIdentifier}, p.calls)
		})
	}
}

func TestAccessoryActionMissingName(t *testing.T) {
	p := &fakePlatform{}
	s := newTestServer(p, nil)

	w := serve(s, http.MethodGet, "/toggle")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, p.calls)
}

func TestCORS(t *testing.T) {
	s := newTestServer(&fakePlatform{}, nil)

	w := serve(s, http.MethodOptions, "/toggle?name=x")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS, PUT, PATCH, DELETE", w.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "X-Requested-With,content-type", w.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = serve(s, http.MethodGet, "/health")
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleAccessories(t *testing.T) {
	p := &fakePlatform{accessories: []accessory.Accessory{
		&fakeAccessory{identifier: testIdentifier, state: map[string]any{"on": true}},
	}}
	s := newTestServer(p, nil)

	w := serve(s, http.MethodGet, "/api/accessories")
	require.Equal(t, http.StatusOK, w.Code)

	var response []AccessoryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response, 1)
	assert.Equal(t, testIdentifier, response[0].Identifier)
	assert.Equal(t, loxone.CategoryLighting, response[0].Category)
	assert.Equal(t, true, response[0].State["on"])

	w = serve(s, http.MethodPost, "/api/accessories")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(&fakePlatform{}, nil)

	w := serve(s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
}

func TestHandleSitemap(t *testing.T) {
	s := newTestServer(&fakePlatform{}, nil)

	w := serve(s, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/discoverDevices")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	w = serve(s, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleMetrics(t *testing.T) {
	m := metrics.New()
	m.SetAccessories(3)
	s := NewServer(&fakePlatform{}, nil, m, zap.NewNop(), 18081)

	w := serve(s, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "loxone")
}

func TestWebsocketEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	bus.Publish(events.Event{Identifier: testIdentifier, Kind: events.KindState, State: map[string]any{"on": false}})

	s := newTestServer(&fakePlatform{}, bus)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.hub.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snapshot struct {
		Type    string         `json:"type"`
		Payload []events.Event `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, WSTypeSnapshot, snapshot.Type)
	require.Len(t, snapshot.Payload, 1)
	assert.Equal(t, testIdentifier, snapshot.Payload[0].Identifier)

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.Event{Identifier: testIdentifier, Kind: events.KindCommand, State: map[string]any{"on": true}})

	var message struct {
		Type    string       `json:"type"`
		Payload events.Event `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&message))
	assert.Equal(t, WSTypeEvent, message.Type)
	assert.Equal(t, events.KindCommand, message.Payload.Kind)
	assert.Equal(t, true, message.Payload.State["on"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(platform.ErrUnknownAccessory))
	assert.Equal(t, http.StatusConflict, statusFor(accessory.ErrUnsupported))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("boom")))
}
