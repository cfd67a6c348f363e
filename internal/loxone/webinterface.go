package loxone

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/metrics"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Names of the page bindings and the in-page hooks that feed them.
const (
	bindingStatus       = "loxoneControlStatus"
	bindingStatusBefore = "loxoneControlStatusBefore"

	hookStatus       = "__loxoneStatus"
	hookStatusBefore = "__loxoneStatusBefore"
)

const (
	defaultBaseURL      = "https://dns.loxonecloud.com/"
	defaultScriptMatch  = "comps.js"
	viewportWidth       = 500
	viewportHeight      = 800
	loadingScriptMarker = "Loading Script "
	bindingQueueSize    = 256
)

// SessionConfig configures the browser session.
type SessionConfig struct {
	MiniserverID      string
	User              string
	Password          string
	ChromiumPath      string
	BaseURL           string
	ScriptMatch       string
	PatchedScriptPath string
	ShowBrowser       bool

	LoginTimeout      time.Duration
	LoginSettle       time.Duration
	CommandTimeout    time.Duration
	RefreshInterval   time.Duration
	RefreshJitter     time.Duration
	KeepAliveInterval time.Duration
}

// HasCredentials reports whether a login can be attempted.
func (c SessionConfig) HasCredentials() bool {
	return c.MiniserverID != "" && c.User != "" && c.Password != ""
}

// ServerURL is the cloud DNS address of the miniserver.
func (c SessionConfig) ServerURL() string {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + c.MiniserverID
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ScriptMatch == "" {
		c.ScriptMatch = defaultScriptMatch
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 2 * time.Minute
	}
	if c.LoginSettle <= 0 {
		c.LoginSettle = 2 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 24 * time.Hour
	}
	if c.RefreshJitter <= 0 {
		c.RefreshJitter = time.Minute
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	return c
}

// Handler receives events from the instrumented web interface.
type Handler interface {
	OnStatusUpdate(update StatusUpdate)
	OnStatusUpdateBefore(values *States)
	OnReady(components []Component)
}

// WebInterface drives a headless Chromium logged into the miniserver web UI.
type WebInterface struct {
	cfg     SessionConfig
	handler Handler
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu          sync.RWMutex
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	components  []Component
	ready       bool
	refresh     clock.Timer
	keepAlive   clock.Timer
	closed      bool
	bindings    chan *runtime.EventBindingCalled
}

// NewWebInterface creates a session. Start launches the browser.
func NewWebInterface(cfg SessionConfig, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *WebInterface {
	return &WebInterface{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		metrics:  m,
		logger:   logger.Named("webinterface"),
		bindings: make(chan *runtime.EventBindingCalled, bindingQueueSize),
	}
}

// Start launches the browser, logs in and collects all controls. Events
// are delivered to handler. Without credentials it does nothing.
func (w *WebInterface) Start(ctx context.Context, handler Handler) error {
	w.handler = handler
	if !w.cfg.HasCredentials() {
		w.logger.Warn("Miniserver id, user or password missing, web interface disabled")
		return nil
	}

	w.logger.Info("Initializing web interface", zap.String("url", w.cfg.ServerURL()))

	opts, err := w.allocatorOptions()
	if err != nil {
		return err
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(w.logger.Sugar().Debugf))

	w.mu.Lock()
	w.tabCtx = tabCtx
	w.cancelTab = cancelTab
	w.cancelAlloc = cancelAlloc
	w.mu.Unlock()

	go w.dispatchBindings(tabCtx)

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *runtime.EventBindingCalled:
			select {
			case w.bindings <- e:
			default:
				w.logger.Warn("Binding queue full, dropping status update", zap.String("binding", e.Name))
			}
		case *fetch.EventRequestPaused:
			go w.serveScript(tabCtx, e)
		}
	})

	bootstrap, err := bootstrapScript(w.cfg.MiniserverID)
	if err != nil {
		return err
	}

	if err := chromedp.Run(tabCtx,
		chromedp.EmulateViewport(viewportWidth, viewportHeight),
		runtime.Enable(),
		runtime.AddBinding(bindingStatus),
		runtime.AddBinding(bindingStatusBefore),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(bootstrap).Do(ctx)
			return err
		}),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
			URLPattern:   "*" + w.cfg.ScriptMatch + "*",
			RequestStage: fetch.RequestStageResponse,
		}}),
	); err != nil {
		w.Close()
		return fmt.Errorf("failed to prepare browser tab: %w", err)
	}
	w.logger.Debug("Chromium started", zap.String("path", w.cfg.ChromiumPath))

	if err := w.login(tabCtx); err != nil {
		w.Close()
		return fmt.Errorf("failed to login: %w", err)
	}
	w.clock.Sleep(w.cfg.LoginSettle)
	w.logger.Info("Login successful, web interface ready")

	w.scheduleRefresh(w.cfg.RefreshInterval + jitter(w.cfg.RefreshJitter))
	w.scheduleKeepAlive()

	w.clock.Sleep(w.cfg.LoginSettle)
	components, err := w.collect(tabCtx)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to collect controls: %w", err)
	}

	identifiers := make([]string, 0, len(components))
	for _, c := range components {
		identifiers = append(identifiers, c.Identifier)
	}
	w.logger.Info("All collected components", zap.Strings("identifiers", identifiers))

	w.mu.Lock()
	w.components = components
	w.ready = true
	w.mu.Unlock()
	w.metrics.SetWebInterfaceReady(true)

	w.handler.OnReady(components)
	return nil
}

// Ready reports whether login completed and controls were collected.
func (w *WebInterface) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ready
}

// Components returns the collected controls.
func (w *WebInterface) Components() []Component {
	w.mu.RLock()
	defer w.mu.RUnlock()

	result := make([]Component, len(w.components))
	copy(result, w.components)
	return result
}

// SendCommand calls _sendCommand on the control matching identifier.
func (w *WebInterface) SendCommand(ctx context.Context, identifier string, args ...string) error {
	w.mu.RLock()
	tabCtx, ready := w.tabCtx, w.ready
	w.mu.RUnlock()

	if !ready || tabCtx == nil {
		return ErrNotReady
	}

	w.logger.Debug("Send command", zap.String("identifier", identifier), zap.Strings("args", args))

	expr, err := sendCommandExpression(identifier, args)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(tabCtx, w.cfg.CommandTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var jsError string
	err = chromedp.Run(runCtx, chromedp.Evaluate(expr, &jsError))
	if err == nil {
		err = commandError(jsError)
	}
	if err != nil {
		err = fmt.Errorf("send command to %q: %w", identifier, err)
	}
	w.metrics.CommandSent(err)
	return err
}

// Close stops all timers and the browser.
func (w *WebInterface) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.ready = false

	if w.refresh != nil {
		w.refresh.Stop()
	}
	if w.keepAlive != nil {
		w.keepAlive.Stop()
	}
	if w.cancelTab != nil {
		w.cancelTab()
	}
	if w.cancelAlloc != nil {
		w.cancelAlloc()
	}
	w.metrics.SetWebInterfaceReady(false)
	w.logger.Info("Web interface closed")
}

func (w *WebInterface) allocatorOptions() ([]chromedp.ExecAllocatorOption, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.WindowSize(viewportWidth, viewportHeight))

	if w.cfg.ChromiumPath != "" {
		if _, err := os.Stat(w.cfg.ChromiumPath); err != nil {
			return nil, fmt.Errorf("chromium path does not exist: %s: %w", w.cfg.ChromiumPath, err)
		}
		opts = append(opts, chromedp.ExecPath(w.cfg.ChromiumPath))
	}
	if os.Geteuid() == 0 {
		opts = append(opts, chromedp.NoSandbox)
	}
	if w.cfg.ShowBrowser {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts, nil
}

func (w *WebInterface) login(ctx context.Context) error {
	var loaded bool
	loginCtx, cancel := context.WithTimeout(ctx, w.cfg.LoginTimeout)
	defer cancel()

	return chromedp.Run(loginCtx,
		chromedp.Navigate(w.cfg.ServerURL()),
		chromedp.WaitVisible(`input[type=text]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[type=text]`, w.cfg.User, chromedp.ByQuery),
		chromedp.SendKeys(`input[type=password]`, w.cfg.Password, chromedp.ByQuery),
		chromedp.Click(`button[type=submit]`, chromedp.ByQuery),
		chromedp.WaitReady(`body`, chromedp.ByQuery),
		chromedp.Poll(loadedExpression, &loaded, chromedp.WithPollingInterval(500*time.Millisecond)),
	)
}

func (w *WebInterface) refreshLogin() {
	w.mu.RLock()
	tabCtx, closed := w.tabCtx, w.closed
	w.mu.RUnlock()
	if closed || tabCtx == nil {
		return
	}

	w.logger.Debug("Refreshing login for web interface")
	start := w.clock.Now()

	err := w.login(tabCtx)
	w.metrics.LoginRefreshed(err)
	if err != nil {
		w.logger.Error("Error during login refresh", zap.Error(err))
		return
	}
	w.logger.Info("Successfully refreshed login", zap.Duration("elapsed", w.clock.Since(start)))
}

func (w *WebInterface) scheduleRefresh(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.refresh = w.clock.AfterFunc(interval, func() {
		w.refreshLogin()
		w.scheduleRefresh(interval)
	})
}

func (w *WebInterface) scheduleKeepAlive() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	tabCtx := w.tabCtx
	w.keepAlive = w.clock.AfterFunc(w.cfg.KeepAliveInterval, func() {
		if err := chromedp.Run(tabCtx, chromedp.MouseEvent(input.MouseMoved, 0, 0)); err != nil {
			w.logger.Debug("Keep-alive mouse move failed", zap.Error(err))
		}
		w.scheduleKeepAlive()
	})
}

func (w *WebInterface) collect(ctx context.Context) ([]Component, error) {
	var components []Component
	if err := chromedp.Run(ctx, chromedp.Evaluate(collectExpression, &components)); err != nil {
		return nil, err
	}
	for i := range components {
		c := &components[i]
		c.Identifier = BuildIdentifier(c.SearchDescription, c.Type, c.UUIDAction)
	}
	return components, nil
}

// dispatchBindings hands binding calls to the handler in arrival order,
// outside the browser event loop.
func (w *WebInterface) dispatchBindings(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.bindings:
			w.handleBinding(ev)
		}
	}
}

func (w *WebInterface) handleBinding(ev *runtime.EventBindingCalled) {
	switch ev.Name {
	case bindingStatus:
		var update StatusUpdate
		if err := json.Unmarshal([]byte(ev.Payload), &update); err != nil {
			w.logger.Warn("Failed to decode status update", zap.Error(err))
			return
		}
		w.metrics.StatusUpdate("status")
		w.handler.OnStatusUpdate(update)

	case bindingStatusBefore:
		values, err := DecodeStates(json.RawMessage(ev.Payload))
		if err != nil || len(values) == 0 {
			w.logger.Debug("Ignoring undecodable status values", zap.Error(err))
			return
		}
		w.metrics.StatusUpdate("before")
		w.handler.OnStatusUpdateBefore(values[0])
	}
}

func (w *WebInterface) serveScript(ctx context.Context, ev *fetch.EventRequestPaused) {
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if !strings.Contains(ev.Request.URL, w.cfg.ScriptMatch) {
			return fetch.ContinueRequest(ev.RequestID).Do(ctx)
		}

		body, err := w.patchedScript(ctx, ev.RequestID)
		if err != nil {
			w.logger.Error("Serving unpatched control script", zap.String("url", ev.Request.URL), zap.Error(err))
			return fetch.ContinueRequest(ev.RequestID).Do(ctx)
		}

		w.logger.Debug("Serving patched control script", zap.String("url", ev.Request.URL), zap.Int("bytes", len(body)))
		return fetch.FulfillRequest(ev.RequestID, 200).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/javascript"}}).
			WithBody(base64.StdEncoding.EncodeToString(body)).
			Do(ctx)
	}))
	if err != nil {
		w.logger.Error("Failed to answer intercepted request", zap.Error(err))
	}
}

func (w *WebInterface) patchedScript(ctx context.Context, id fetch.RequestID) ([]byte, error) {
	if w.cfg.PatchedScriptPath != "" {
		return os.ReadFile(w.cfg.PatchedScriptPath)
	}

	original, err := fetch.GetResponseBody(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read original script: %w", err)
	}
	patched, err := PatchScript(string(original))
	if err != nil {
		return nil, err
	}
	return []byte(patched), nil
}

const loadedExpression = `document.body !== null && !document.body.innerText.includes("` + loadingScriptMarker + `")`

const collectExpression = `(window.collection || []).map(function (c) {
  var room = typeof c.room === "string" ? c.room : (c.room && c.room.name) || "";
  return {
    uuidAction: c.uuidAction || "",
    name: c.name || "",
    searchDescription: c.searchDescription || "",
    type: c.type || "",
    defaultIcon: c.defaultIcon || "",
    controlType: c.controlType || "",
    groupDetail: c.groupDetail || "",
    room: room,
    isSecured: !!c.isSecured
  };
})`

const sendCommandTemplate = `(function (identifier, args) {
  try {
    var control = (window.collection || []).find(function (c) {
      return (c.searchDescription || "` + unknownSearchDescription + `") + ":type=" + c.type + ":" + c.uuidAction === identifier;
    });
    if (!control) {
      return "` + controlNotFoundMessage + `";
    }
    control._sendCommand.apply(control, args);
    return "";
  } catch (e) {
    return String(e);
  }
})(%s, %s)`

const controlNotFoundMessage = "Control not found!"

func sendCommandExpression(identifier string, args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	id, err := json.Marshal(identifier)
	if err != nil {
		return "", err
	}
	encodedArgs, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(sendCommandTemplate, id, encodedArgs), nil
}

func commandError(jsError string) error {
	switch jsError {
	case "":
		return nil
	case controlNotFoundMessage:
		return ErrControlNotFound
	default:
		return fmt.Errorf("in-page error: %s", jsError)
	}
}

const bootstrapTemplate = `(function () {
  try { localStorage.setItem("LoxSettings.json", %s); } catch (e) {}
  window.%s = function (values) {
    try { window.%s(JSON.stringify(values)); } catch (e) {}
  };
  window.%s = function (container) {
    try {
      var control = (container && container.control) || {};
      window.%s(JSON.stringify({
        control: {
          searchDescription: control.searchDescription || "",
          type: control.type || "",
          uuidAction: control.uuidAction || ""
        },
        newVals: container.newVals || null,
        states: container.states || null
      }));
    } catch (e) {}
  };
})();`

// bootstrapScript runs before every document: it seeds the UI settings so
// no onboarding dialog appears and defines the hooks the patched script calls.
func bootstrapScript(miniserverID string) (string, error) {
	settings, err := json.Marshal(uiSettings(miniserverID))
	if err != nil {
		return "", err
	}
	literal, err := json.Marshal(string(settings))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(bootstrapTemplate,
		literal,
		hookStatusBefore, bindingStatusBefore,
		hookStatus, bindingStatus,
	), nil
}

func uiSettings(miniserverID string) map[string]any {
	return map[string]any{
		"animations":         true,
		"darkMode":           true,
		"tileRepresentation": true,
		"simpleDesign":       false,
		"miniservers": map[string]any{
			miniserverID: map[string]any{
				"homeScreen": map[string]any{
					"activated": true,
					"widget":    map[string]any{"building": 0, "skyline": 0},
				},
				"manualFavorites":        map[string]any{"activated": false},
				"deviceFavorites":        map[string]any{"activated": false},
				"entryPointLocation":     "favorites",
				"presenceRoom":           "",
				"instructionFlags":       map[string]any{},
				"userManagement":         map[string]any{},
				"sortingDeviceFavorites": map[string]any{},
				"kvStore":                map[string]any{},
				"ambientOnboardingShown": true,
			},
		},
		"instructionFlags": map[string]any{},
		"LOCAL_STORAGE":    map[string]any{},
		"entryPoint": map[string]any{
			"activated":          true,
			"entryPointLocation": "favorites",
		},
		"SYNC":        map[string]any{"ENABLED": false},
		"screenSaver": map[string]any{"activationTime": 300, "brightness": 10},
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
