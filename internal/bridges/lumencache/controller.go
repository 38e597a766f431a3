package lumencache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// DefaultQueueSize is the number of commands that may wait for the worker
// before callers block.
const DefaultQueueSize = 100

// Transport writes encoded commands to the bus.
type Transport interface {
	Send(ctx context.Context, cmd Command) error
}

// ResponseHandler consumes decoded inbound responses.
type ResponseHandler interface {
	HandleResponse(resp Response)
}

// Exchange describes one finished command/response cycle.
type Exchange struct {
	Kind     CommandKind
	Address  uint8
	TimedOut bool
	Latency  time.Duration
	At       time.Time
}

// ExchangeRecorder receives every finished exchange, for telemetry.
// Implementations must not block.
type ExchangeRecorder interface {
	RecordExchange(ex Exchange)
}

// ControllerConfig holds controller settings.
type ControllerConfig struct {
	// TxDelay is the minimum spacing between answered commands.
	// Default: 200ms. Negative disables pacing.
	TxDelay time.Duration

	// Timeouts maps command kinds to response deadlines. A table without
	// per-kind entries is replaced by DefaultTimeouts(Timeouts.Default).
	Timeouts TimeoutTable

	// QueueSize bounds the outbound queue. Default: 100.
	QueueSize int

	Logger   Logger
	Recorder ExchangeRecorder
}

// ControllerStats holds operational statistics.
type ControllerStats struct {
	Queued        int       `json:"queued"`
	CommandsTx    uint64    `json:"commands_tx"`
	Matched       uint64    `json:"matched"`
	TimedOut      uint64    `json:"timed_out"`
	SendErrors    uint64    `json:"send_errors"`
	Unmatched     uint64    `json:"unmatched"`
	Pending       string    `json:"pending,omitempty"`
	LastExchange  time.Time `json:"last_exchange"`
	LastLatencyMS int64     `json:"last_latency_ms"`
}

// Controller serialises every command to the bus.
//
// Operations only enqueue and return a channel that later carries the
// typed result. A single worker takes commands off the queue, throttles,
// transmits, and waits for the matcher or the command's deadline before
// taking the next, so at most one command is ever in flight.
//
// Thread Safety: all methods are safe for concurrent use.
type Controller struct {
	transport Transport
	matcher   *ResponseMatcher
	throttle  *Throttle
	timeouts  TimeoutTable
	recorder  ExchangeRecorder
	logger    Logger

	queue chan *request

	// closeMu orders submissions against Close so that nothing is
	// enqueued after the final drain.
	closeMu sync.RWMutex
	closed  bool
	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	commandsTx   atomic.Uint64
	timedOut     atomic.Uint64
	sendErrors   atomic.Uint64
	lastExchange atomic.Int64
	lastLatency  atomic.Int64
}

// NewController creates a controller writing through transport.
// Call Start to begin processing the queue.
func NewController(cfg ControllerConfig, transport Transport) *Controller {
	if cfg.TxDelay == 0 {
		cfg.TxDelay = DefaultTxDelay
	}
	if cfg.TxDelay < 0 {
		cfg.TxDelay = 0
	}
	if cfg.Timeouts.PerKind == nil {
		cfg.Timeouts = DefaultTimeouts(cfg.Timeouts.Default)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := loggerOrNop(cfg.Logger)

	return &Controller{
		transport: transport,
		matcher:   NewResponseMatcher(logger),
		throttle:  NewThrottle(cfg.TxDelay),
		timeouts:  cfg.Timeouts,
		recorder:  cfg.Recorder,
		logger:    logger,
		queue:     make(chan *request, cfg.QueueSize),
		done:      newCloseOnce(),
	}
}

// Start launches the worker. ctx bounds transport writes and throttle
// waits; cancelling it stops the worker like Close. Calling Start more
// than once has no effect.
func (c *Controller) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.run(ctx)
}

// Close stops the worker. The in-flight request and every queued request
// resolve as timed out. Safe to call multiple times.
func (c *Controller) Close() error {
	c.shutdown()
	c.wg.Wait()
	c.drain()
	return nil
}

// shutdown stops the worker and refuses further submissions. Submitters
// blocked on a full queue are released by done before closeMu is taken.
func (c *Controller) shutdown() {
	c.done.Close()

	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

// HandleResponse feeds an inbound response to the matcher.
func (c *Controller) HandleResponse(resp Response) {
	c.matcher.HandleResponse(resp)
}

// Stats returns a snapshot of controller statistics.
func (c *Controller) Stats() ControllerStats {
	s := ControllerStats{
		Queued:        len(c.queue),
		CommandsTx:    c.commandsTx.Load(),
		Matched:       c.matcher.matched.Load(),
		TimedOut:      c.timedOut.Load(),
		SendErrors:    c.sendErrors.Load(),
		Unmatched:     c.matcher.unmatched.Load(),
		LastLatencyMS: c.lastLatency.Load(),
	}
	if kind, addr, ok := c.matcher.Pending(); ok {
		s.Pending = fmt.Sprintf("%s@%d", kind, addr)
	}
	if ts := c.lastExchange.Load(); ts > 0 {
		s.LastExchange = time.Unix(0, ts)
	}
	return s
}

// SetValue sets the output level of address.
func (c *Controller) SetValue(ctx context.Context, address, value uint8) (<-chan Result[Value], error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	return submit(ctx, c, SetValue{Address: address, Value: value}, valuePayload)
}

// GetValue reads the output level of address.
func (c *Controller) GetValue(ctx context.Context, address uint8) (<-chan Result[Value], error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	return submit(ctx, c, GetValue{Address: address}, valuePayload)
}

// SetScene stores scene on address. ramp is in tenths of a second.
func (c *Controller) SetScene(ctx context.Context, address, scene, ramp, level uint8) (<-chan Result[Scene], error) {
	if err := validateScene(address, scene); err != nil {
		return nil, err
	}
	return submit(ctx, c, SetScene{Address: address, Scene: scene, Ramp: ramp, Level: level}, scenePayload)
}

// ClearScene removes one scene from address.
func (c *Controller) ClearScene(ctx context.Context, address, scene uint8) (<-chan Result[Scene], error) {
	if err := validateScene(address, scene); err != nil {
		return nil, err
	}
	return submit(ctx, c, ClearScene{Address: address, Scene: scene}, scenePayload)
}

// ClearScenes removes every scene from address and yields the listing the
// module answers with.
func (c *Controller) ClearScenes(ctx context.Context, address uint8) (<-chan Result[[]Scene], error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	return submit(ctx, c, ClearScenes{Address: address}, sceneListPayload)
}

// GetScenes lists the scenes stored on address, in the order received.
func (c *Controller) GetScenes(ctx context.Context, address uint8) (<-chan Result[[]Scene], error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	return submit(ctx, c, GetScenes{Address: address}, sceneListPayload)
}

// ActivateScene broadcasts activation of scene group id.
func (c *Controller) ActivateScene(ctx context.Context, id uint8) (<-chan Result[Value], error) {
	if !ValidAddress(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, id)
	}
	return submit(ctx, c, ActivateScene{Address: id}, valuePayload)
}

// DeactivateScene broadcasts deactivation of scene group id.
func (c *Controller) DeactivateScene(ctx context.Context, id uint8) (<-chan Result[Value], error) {
	if !ValidAddress(id) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, id)
	}
	return submit(ctx, c, DeactivateScene{Address: id}, valuePayload)
}

// GetConfig reads the configuration record of address.
func (c *Controller) GetConfig(ctx context.Context, address uint8) (<-chan Result[Config], error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	return submit(ctx, c, GetConfig{Address: address}, configPayload)
}

// Hail asks an unassigned module to announce itself.
func (c *Controller) Hail(ctx context.Context) (<-chan Result[Config], error) {
	return submit(ctx, c, Hail{}, configPayload)
}

// AssignID gives the module with serial the bus address address.
func (c *Controller) AssignID(ctx context.Context, address uint8, serial string) (<-chan Result[Config], error) {
	if !ValidAddress(address) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	if serial == "" {
		return nil, fmt.Errorf("%w: empty serial number", ErrInvalidParameters)
	}
	return submit(ctx, c, AssignID{Address: address, SerialNumber: serial}, configPayload)
}

func validateScene(address, scene uint8) error {
	if !ValidAddress(address) {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, address)
	}
	if !ValidScene(scene) {
		return fmt.Errorf("%w: %d", ErrInvalidScene, scene)
	}
	return nil
}

// submit enqueues cmd, blocking while the queue is full.
func submit[T any](ctx context.Context, c *Controller, cmd Command, extract func(Response, []Scene) T) (<-chan Result[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, ch := newRequest(ctx, cmd, extract)

	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return nil, ErrControllerClosed
	}

	select {
	case c.queue <- req:
		return ch, nil
	case <-c.done.Done():
		return nil, ErrControllerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the worker loop.
func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case <-ctx.Done():
			c.shutdown()
			c.drain()
			return
		case req := <-c.queue:
			c.exchange(ctx, req)
		}
	}
}

// exchange performs one throttled send and waits for its resolution.
func (c *Controller) exchange(ctx context.Context, req *request) {
	kind := req.cmd.Kind()

	if err := c.throttle.Wait(ctx); err != nil {
		req.timeout()
		return
	}

	// Registering before the write means a fast reply cannot slip past
	// the matcher.
	req.submitted = time.Now()
	completed := c.matcher.Register(req)

	if err := c.transport.Send(ctx, req.cmd); err != nil {
		c.sendErrors.Add(1)
		c.logger.Warn("bus send failed, awaiting timeout",
			"command", kind.String(),
			"address", req.cmd.Target(),
			"error", err,
		)
	} else {
		c.commandsTx.Add(1)
		c.logger.Debug("bus command sent",
			"command", kind.String(),
			"frame", string(req.cmd.Encode()),
		)
	}

	timer := time.NewTimer(c.timeouts.For(kind))
	defer timer.Stop()

	select {
	case <-completed:
		c.finish(req, false)
	case <-timer.C:
		if c.matcher.Expire(req) {
			c.finish(req, true)
		} else {
			c.finish(req, false)
		}
	case <-c.done.Done():
		c.matcher.Expire(req)
	case <-ctx.Done():
		c.matcher.Expire(req)
	}
}

func (c *Controller) finish(req *request, timedOut bool) {
	now := time.Now()
	latency := now.Sub(req.submitted)
	c.lastExchange.Store(now.UnixNano())

	if timedOut {
		c.timedOut.Add(1)
		c.logger.Debug("bus command timed out",
			"command", req.cmd.Kind().String(),
			"address", req.cmd.Target(),
		)
	} else {
		c.throttle.MarkSent()
		c.lastLatency.Store(latency.Milliseconds())
	}

	if c.recorder != nil {
		c.recorder.RecordExchange(Exchange{
			Kind:     req.cmd.Kind(),
			Address:  req.cmd.Target(),
			TimedOut: timedOut,
			Latency:  latency,
			At:       now,
		})
	}
}

// drain resolves every queued request as timed out.
func (c *Controller) drain() {
	for {
		select {
		case req := <-c.queue:
			req.timeout()
		default:
			return
		}
	}
}

// Ensure Controller consumes responses.
var _ ResponseHandler = (*Controller)(nil)
