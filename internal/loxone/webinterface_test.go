package loxone

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loxonecontrol/internal/clock"

	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	updates []StatusUpdate
	before  []*States
	ready   [][]Component
}

func (h *recordingHandler) OnStatusUpdate(update StatusUpdate) { h.updates = append(h.updates, update) }
func (h *recordingHandler) OnStatusUpdateBefore(values *States) {
	h.before = append(h.before, values)
}
func (h *recordingHandler) OnReady(components []Component) { h.ready = append(h.ready, components) }

func newBindingEvent(name, payload string) *runtime.EventBindingCalled {
	return &runtime.EventBindingCalled{Name: name, Payload: payload}
}

func newTestWebInterface(cfg SessionConfig, h Handler) *WebInterface {
	w := NewWebInterface(cfg, clock.NewMockClock(time.Now()), nil, zap.NewNop())
	w.handler = h
	return w
}

func TestSessionConfig_Credentials(t *testing.T) {
	assert.False(t, SessionConfig{}.HasCredentials())
	assert.False(t, SessionConfig{MiniserverID: "504F", User: "admin"}.HasCredentials())
	assert.True(t, SessionConfig{MiniserverID: "504F", User: "admin", Password: "pw"}.HasCredentials())
}

func TestSessionConfig_ServerURL(t *testing.T) {
	assert.Equal(t, "https://dns.loxonecloud.com/504F94A0", SessionConfig{MiniserverID: "504F94A0"}.ServerURL())
	assert.Equal(t, "http://127.0.0.1:8080/504F", SessionConfig{MiniserverID: "504F", BaseURL: "http://127.0.0.1:8080"}.ServerURL())
}

func TestSessionConfig_Defaults(t *testing.T) {
	cfg := SessionConfig{}.withDefaults()

	assert.Equal(t, "comps.js", cfg.ScriptMatch)
	assert.Equal(t, 24*time.Hour, cfg.RefreshInterval)
	assert.Equal(t, time.Minute, cfg.RefreshJitter)
	assert.Equal(t, 30*time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 2*time.Second, cfg.LoginSettle)
}

func TestWebInterface_StartWithoutCredentials(t *testing.T) {
	h := &recordingHandler{}
	w := newTestWebInterface(SessionConfig{}, h)

	require.NoError(t, w.Start(context.Background(), h))
	assert.False(t, w.Ready())
	assert.Empty(t, w.Components())
	assert.Empty(t, h.ready)
}

func TestWebInterface_StartWithMissingChromium(t *testing.T) {
	w := newTestWebInterface(SessionConfig{
		MiniserverID: "504F",
		User:         "admin",
		Password:     "secret",
		ChromiumPath: filepath.Join(t.TempDir(), "does-not-exist"),
	}, nil)

	err := w.Start(context.Background(), &recordingHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chromium path does not exist")
	assert.False(t, w.Ready())
}

func TestWebInterface_SendCommandBeforeReady(t *testing.T) {
	w := newTestWebInterface(SessionConfig{}, &recordingHandler{})

	err := w.SendCommand(context.Background(), "a • b:type=Switch:u", "on")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestWebInterface_CloseIsIdempotent(t *testing.T) {
	w := newTestWebInterface(SessionConfig{}, &recordingHandler{})
	w.Close()
	w.Close()
	assert.False(t, w.Ready())
}

func TestWebInterface_HandleBinding(t *testing.T) {
	h := &recordingHandler{}
	w := newTestWebInterface(SessionConfig{}, h)

	w.handleBinding(newBindingEvent(bindingStatus, `{"control":{"searchDescription":"Bad • Beleuchtung","type":"Switch","uuidAction":"u1"},"newVals":{"active":1}}`))
	w.handleBinding(newBindingEvent(bindingStatusBefore, `[{"a":1,"b":2,"uuid-x":3}]`))
	w.handleBinding(newBindingEvent(bindingStatus, `not json`))
	w.handleBinding(newBindingEvent(bindingStatusBefore, `null`))

	require.Len(t, h.updates, 1)
	assert.Equal(t, "Bad • Beleuchtung:type=Switch:u1", h.updates[0].Control.Identifier())

	require.Len(t, h.before, 1)
	key, _ := KeyAt(h.before[0], 2)
	assert.Equal(t, "uuid-x", key)
}

func TestSendCommandExpression(t *testing.T) {
	expr, err := sendCommandExpression(`Küche • Beschattung:type=Jalousie:"u"`, []string{"FullDown"})
	require.NoError(t, err)

	assert.Contains(t, expr, `("Küche • Beschattung:type=Jalousie:\"u\"", ["FullDown"])`)
	assert.Contains(t, expr, "_sendCommand.apply(control, args)")

	expr, err = sendCommandExpression("id", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(expr, `("id", [])`))
}

func TestCommandError(t *testing.T) {
	assert.NoError(t, commandError(""))
	assert.ErrorIs(t, commandError("Control not found!"), ErrControlNotFound)

	err := commandError("TypeError: x is undefined")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TypeError")
}

func TestBootstrapScript(t *testing.T) {
	script, err := bootstrapScript("504F94A0")
	require.NoError(t, err)

	assert.Contains(t, script, `localStorage.setItem("LoxSettings.json", `)
	assert.Contains(t, script, "window.__loxoneStatus = function")
	assert.Contains(t, script, "window.__loxoneStatusBefore = function")
	assert.Contains(t, script, "window.loxoneControlStatus(JSON.stringify")
	assert.Contains(t, script, "window.loxoneControlStatusBefore(JSON.stringify(values))")
	assert.Contains(t, script, "504F94A0")
}

func TestUISettings(t *testing.T) {
	raw, err := json.Marshal(uiSettings("504F94A0"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	miniservers, ok := decoded["miniservers"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, miniservers, "504F94A0")
}
