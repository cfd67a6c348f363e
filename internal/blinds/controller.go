package blinds

import (
	"context"
	"math"
	"sync"
	"time"

	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/loxone"
	"loxonecontrol/internal/metrics"

	"go.uber.org/zap"
)

// Button commands of a jalousie control. Pressing the button of the running
// direction stops the motor.
const (
	CommandFullDown = "FullDown"
	CommandFullUp   = "FullUp"
)

// PositionState uses the HomeKit characteristic values.
type PositionState int

const (
	PositionDecreasing PositionState = 0
	PositionIncreasing PositionState = 1
	PositionStopped    PositionState = 2
)

func (s PositionState) String() string {
	switch s {
	case PositionDecreasing:
		return "decreasing"
	case PositionIncreasing:
		return "increasing"
	default:
		return "stopped"
	}
}

// Covering is a window covering the controller can move. Position is a
// percentage where 100 is fully down.
type Covering interface {
	Identifier() string
	Name() string
	BlindsTiming() string
	BlindsMaxPosition() int
	Position() int
	PositionState() PositionState
	TiltPosition() loxone.Tilt
	// RequestedTilt is the tilt selected through the Opened/Tilted switches.
	RequestedTilt() loxone.Tilt
	SetTargetPosition(position int)
	ResetTiltSwitches()
}

// Timings holds every delay of the motion sequence.
type Timings struct {
	Debounce      time.Duration
	Stagger       time.Duration
	TiltReset     time.Duration
	ReverseSettle time.Duration
	FinalSettle   time.Duration
	StopSettle    time.Duration

	// double press gaps that set the slats
	TiltedFromDown time.Duration
	OpenFromDown   time.Duration
	ClosedFromUp   time.Duration
	TiltedFromUp   time.Duration
}

// DefaultTimings returns the delays tuned for Loxone jalousie controls.
func DefaultTimings() Timings {
	return Timings{
		Debounce:       500 * time.Millisecond,
		Stagger:        600 * time.Millisecond,
		TiltReset:      time.Second,
		ReverseSettle:  500 * time.Millisecond,
		FinalSettle:    800 * time.Millisecond,
		StopSettle:     500 * time.Millisecond,
		TiltedFromDown: 300 * time.Millisecond,
		OpenFromDown:   time.Second,
		ClosedFromUp:   time.Second,
		TiltedFromUp:   600 * time.Millisecond,
	}
}

type request struct {
	covering Covering
	value    int
	result   chan []time.Duration
}

// Controller turns target positions into timed button presses. Requests
// arriving within the debounce window run together as one batch.
type Controller struct {
	commander loxone.Commander
	overrides loxone.TravelOverrides
	timings   Timings
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	queue     []request
	debounce  clock.Timer
	executing bool
	travel    map[string]clock.Timer
	resets    map[clock.Timer]struct{}
}

// NewController creates a controller sending presses through commander.
func NewController(commander loxone.Commander, overrides loxone.TravelOverrides, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		commander: commander,
		overrides: overrides,
		timings:   DefaultTimings(),
		clock:     clk,
		metrics:   m,
		logger:    logger.Named("blinds"),
		ctx:       ctx,
		cancel:    cancel,
		travel:    make(map[string]clock.Timer),
		resets:    make(map[clock.Timer]struct{}),
	}
}

// MoveToPosition queues a move of covering to value and restarts the
// debounce window. The channel receives the travel delays of the whole
// batch the request ran in.
func (c *Controller) MoveToPosition(covering Covering, value int) <-chan []time.Duration {
	result := make(chan []time.Duration, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, request{covering: covering, value: value, result: result})
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = c.clock.AfterFunc(c.timings.Debounce, c.runBatch)

	return result
}

// Executing reports whether a batch is running.
func (c *Controller) Executing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executing
}

// Stop cancels all timers. Queued requests are dropped and their channels closed.
func (c *Controller) Stop() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	for uuid, t := range c.travel {
		t.Stop()
		delete(c.travel, uuid)
	}
	for t := range c.resets {
		t.Stop()
		delete(c.resets, t)
	}
	for _, r := range c.queue {
		close(r.result)
	}
	c.queue = nil
}

func (c *Controller) runBatch() {
	c.mu.Lock()
	batch := c.queue
	if len(batch) == 0 {
		// a timer that fired while an earlier batch took the queue
		c.mu.Unlock()
		return
	}
	c.queue = nil
	c.debounce = nil
	c.executing = true
	c.mu.Unlock()

	values := make([]int, len(batch))
	for i, r := range batch {
		values[i] = r.value
	}
	c.logger.Debug("Debounce window elapsed, running collected moves", zap.Ints("values", values))
	c.metrics.BlindsBatch(len(batch))

	delays := make([]time.Duration, len(batch))
	var wg sync.WaitGroup
	for i, r := range batch {
		wg.Add(1)
		go func(i int, r request) {
			defer wg.Done()
			c.clock.Sleep(time.Duration(i) * c.timings.Stagger)
			delays[i] = c.moveNow(r.covering, r.value)
			c.resetTiltAfter(r.covering, delays[i]+c.timings.TiltReset)
		}(i, r)
	}
	wg.Wait()

	c.mu.Lock()
	c.executing = false
	c.mu.Unlock()

	c.logger.Debug("All moves executed", zap.Durations("delays", delays))
	for _, r := range batch {
		r.result <- delays
	}
}

func (c *Controller) resetTiltAfter(covering Covering, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var t clock.Timer
	t = c.clock.AfterFunc(d, func() {
		covering.ResetTiltSwitches()
		c.mu.Lock()
		delete(c.resets, t)
		c.mu.Unlock()
	})
	c.resets[t] = struct{}{}
}

// moveNow starts the motor towards value and arms the timer that stops it.
// It returns the travel delay, zero for end stops and slat-only moves.
func (c *Controller) moveNow(covering Covering, value int) time.Duration {
	tilt := loxone.TiltClosed
	if value > 0 {
		tilt = covering.RequestedTilt()
	}

	key := actionKey(covering.Identifier())
	c.cancelTravel(key)

	setting := covering.BlindsTiming()
	blindsType := loxone.BlindsTypeOf(setting)

	maxPosition := covering.BlindsMaxPosition()
	if maxPosition <= 0 {
		maxPosition = 100
	}
	if maxPosition < 100 {
		value = int(math.Round(float64(value*maxPosition) / 100))
	}
	if value > maxPosition {
		value = maxPosition
	}

	position := covering.Position()
	steps := value - position
	down := steps > 0
	direction := loxone.DirectionUp
	wanted := PositionDecreasing
	if down {
		direction = loxone.DirectionDown
		wanted = PositionIncreasing
	}

	state := covering.PositionState()
	running := state != PositionStopped
	reversed := running && state != wanted

	if reversed {
		c.logger.Debug("Covering is running and gets a new direction, stopping it first",
			zap.String("name", covering.Name()),
			zap.Stringer("position_state", state),
			zap.Bool("moving_down", down))
		c.press(covering, pressFor(state))
		c.clock.Sleep(c.timings.ReverseSettle)
	} else if running {
		c.logger.Debug("Covering already runs in the requested direction", zap.String("name", covering.Name()))
	}

	var delay time.Duration
	if steps == 0 {
		if tilt != covering.TiltPosition() {
			c.logger.Debug("Moving slats only",
				zap.String("name", covering.Name()),
				zap.String("from", string(covering.TiltPosition())),
				zap.String("to", string(tilt)))
			go c.moveToFinal(covering, true, tilt, blindsType)
		} else {
			c.logger.Debug("Nothing to do, covering is already in position",
				zap.String("name", covering.Name()),
				zap.Int("position", value))
		}
		return 0
	}

	if value != 0 && !(value == 100 && tilt == loxone.TiltClosed) {
		seconds := loxone.ResolveTravelSeconds(setting, c.overrides, direction)
		delay = time.Duration(math.Floor(math.Abs(float64(steps))*float64(seconds)/100*1000)) * time.Millisecond
	}

	c.logger.Info("Moving covering",
		zap.String("name", covering.Name()),
		zap.Int("from", position),
		zap.Int("to", value),
		zap.String("tilt", string(tilt)),
		zap.Duration("delay", delay))

	covering.SetTargetPosition(value)
	if !running || reversed {
		c.press(covering, pressFor(wanted))
		c.metrics.BlindsMove(string(direction))
	}

	if delay > 0 {
		c.mu.Lock()
		var t clock.Timer
		t = c.clock.AfterFunc(delay, func() {
			c.mu.Lock()
			if c.travel[key] == t {
				delete(c.travel, key)
			}
			c.mu.Unlock()
			c.moveToFinal(covering, down, tilt, blindsType)
		})
		c.travel[key] = t
		c.mu.Unlock()
	}

	return delay
}

// moveToFinal stops the motor at the reached position and sets the slats
// with a double press.
func (c *Controller) moveToFinal(covering Covering, down bool, tilt loxone.Tilt, blindsType loxone.BlindsType) {
	c.clock.Sleep(c.timings.FinalSettle)

	button := CommandFullUp
	if down {
		button = CommandFullDown
	}

	c.logger.Debug("Setting final position",
		zap.String("name", covering.Name()),
		zap.String("tilt", string(tilt)),
		zap.Bool("moving_down", down),
		zap.Stringer("position_state", covering.PositionState()))

	if covering.PositionState() != PositionStopped {
		c.press(covering, button)
		c.clock.Sleep(c.timings.StopSettle)
	}
	if blindsType == loxone.BlindsTypeAwning {
		return
	}

	var counter string
	var gap time.Duration
	if down {
		counter = CommandFullUp
		switch tilt {
		case loxone.TiltTilted:
			gap = c.timings.TiltedFromDown
		case loxone.TiltOpen:
			gap = c.timings.OpenFromDown
		}
	} else {
		counter = CommandFullDown
		switch tilt {
		case loxone.TiltClosed:
			gap = c.timings.ClosedFromUp
		case loxone.TiltTilted:
			gap = c.timings.TiltedFromUp
		}
	}
	if gap == 0 {
		c.logger.Debug("Slats already in position", zap.String("name", covering.Name()), zap.String("tilt", string(tilt)))
		return
	}

	c.logger.Debug("Double pressing to set slats",
		zap.String("name", covering.Name()),
		zap.String("button", counter),
		zap.Duration("gap", gap))
	c.press(covering, counter)
	c.clock.Sleep(gap)
	c.press(covering, counter)
}

func (c *Controller) press(covering Covering, button string) {
	if err := c.commander.SendCommand(c.ctx, covering.Identifier(), button); err != nil {
		c.logger.Error("Failed to press covering button",
			zap.String("name", covering.Name()),
			zap.String("button", button),
			zap.Error(err))
	}
}

func (c *Controller) cancelTravel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.travel[key]; ok {
		t.Stop()
		delete(c.travel, key)
		c.logger.Debug("Cleared running travel timer", zap.String("action_uuid", key))
	}
}

// pressFor is the button that moves in the direction of state.
func pressFor(state PositionState) string {
	if state == PositionIncreasing {
		return CommandFullDown
	}
	return CommandFullUp
}

func actionKey(identifier string) string {
	id, err := loxone.ParseIdentifier(identifier)
	if err != nil {
		return identifier
	}
	return id.ActionUUID
}
