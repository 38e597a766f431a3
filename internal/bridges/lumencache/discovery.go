package lumencache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Discovery address bounds. Addresses 1-4 are reserved, and assignment
// never leaves [FirstAssignableAddress, LastAssignableAddress] whatever
// the enumeration ceiling.
const (
	FirstAssignableAddress uint8 = 5
	LastAssignableAddress  uint8 = 240

	// DefaultMaxAddress is the default enumeration ceiling.
	DefaultMaxAddress = LastAssignableAddress
)

// DiscoveryState is the lifecycle state of a Discovery.
type DiscoveryState int32

// Discovery states.
const (
	DiscoveryIdle DiscoveryState = iota
	DiscoveryRunning
	DiscoveryStopping
)

func (s DiscoveryState) String() string {
	switch s {
	case DiscoveryIdle:
		return "idle"
	case DiscoveryRunning:
		return "running"
	case DiscoveryStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BusController is the part of Controller that discovery drives.
type BusController interface {
	GetConfig(ctx context.Context, address uint8) (<-chan Result[Config], error)
	Hail(ctx context.Context) (<-chan Result[Config], error)
	AssignID(ctx context.Context, address uint8, serial string) (<-chan Result[Config], error)
}

// Ensure Controller can be driven by discovery.
var _ BusController = (*Controller)(nil)

// Assignment records one address handed to a hailing module.
type Assignment struct {
	Address      uint8     `json:"address"`
	SerialNumber string    `json:"serial_number"`
	Confirmed    bool      `json:"confirmed"`
	At           time.Time `json:"at"`
}

// DiscoveryReport summarises one discovery round.
type DiscoveryReport struct {
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
	Known     []uint8      `json:"known"`
	Assigned  []Assignment `json:"assigned"`
	Rejected  []string     `json:"rejected"`
	Exhausted bool         `json:"exhausted"`
	Error     string       `json:"error,omitempty"`
}

// AuditSink receives discovery events for the audit trail.
// Implementations must not block for long; discovery waits on them.
type AuditSink interface {
	RecordAssignment(ctx context.Context, a Assignment)
	RecordRound(ctx context.Context, r DiscoveryReport)
}

// DiscoveryConfig holds discovery settings.
type DiscoveryConfig struct {
	// MaxAddress is the highest address enumerated. Enumeration starts at
	// FirstAssignableAddress. Default: 240.
	MaxAddress uint8

	Logger Logger
	Audit  AuditSink
}

// Discovery enumerates occupied addresses and assigns free ones to
// modules that answer a hail.
//
// Only one round runs at a time per Discovery; a second request while a
// round is in progress is logged and refused. Discovery talks to the bus
// only through BusController, which already serialises every exchange.
type Discovery struct {
	ctrl    BusController
	ceiling uint8
	logger  Logger
	audit   AuditSink

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	last   *DiscoveryReport

	wg sync.WaitGroup
}

// NewDiscovery creates an idle discovery over ctrl.
func NewDiscovery(ctrl BusController, cfg DiscoveryConfig) *Discovery {
	if cfg.MaxAddress == 0 {
		cfg.MaxAddress = DefaultMaxAddress
	}
	if cfg.MaxAddress >= AddressHail {
		cfg.MaxAddress = AddressHail - 1
	}
	return &Discovery{
		ctrl:    ctrl,
		ceiling: cfg.MaxAddress,
		logger:  loggerOrNop(cfg.Logger),
		audit:   cfg.Audit,
	}
}

// State returns the current lifecycle state.
func (d *Discovery) State() DiscoveryState {
	return DiscoveryState(d.state.Load())
}

// LastReport returns the report of the most recent finished round.
func (d *Discovery) LastReport() (DiscoveryReport, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return DiscoveryReport{}, false
	}
	return *d.last, true
}

// Start launches a round in the background. ctx bounds the round.
// It returns ErrDiscoveryRunning if a round is already in progress.
func (d *Discovery) Start(ctx context.Context) error {
	roundCtx, ok := d.begin(ctx)
	if !ok {
		return ErrDiscoveryRunning
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_, _ = d.execute(roundCtx)
	}()
	return nil
}

// Run performs a round and returns its report.
// It returns ErrDiscoveryRunning if a round is already in progress.
func (d *Discovery) Run(ctx context.Context) (DiscoveryReport, error) {
	roundCtx, ok := d.begin(ctx)
	if !ok {
		return DiscoveryReport{}, ErrDiscoveryRunning
	}
	return d.execute(roundCtx)
}

// Stop cancels a running round and waits for background rounds to end.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if d.state.CompareAndSwap(int32(DiscoveryRunning), int32(DiscoveryStopping)) && d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// begin moves Idle to Running and derives the cancellable round context.
func (d *Discovery) begin(ctx context.Context) (context.Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.CompareAndSwap(int32(DiscoveryIdle), int32(DiscoveryRunning)) {
		d.logger.Info("discovery already in progress, request ignored", "state", d.State().String())
		return nil, false
	}
	ctx, d.cancel = context.WithCancel(ctx)
	return ctx, true
}

// execute runs one round started by begin.
func (d *Discovery) execute(ctx context.Context) (DiscoveryReport, error) {
	defer func() {
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
			d.cancel = nil
		}
		d.state.Store(int32(DiscoveryIdle))
		d.mu.Unlock()
	}()

	report := DiscoveryReport{Started: time.Now(), Known: []uint8{}, Assigned: []Assignment{}, Rejected: []string{}}
	d.logger.Info("discovery round started", "max_address", d.ceiling)

	known, err := d.enumerate(ctx)
	if err == nil {
		report.Known = sortedAddresses(known)
		d.logger.Info("enumeration complete", "known", len(report.Known))
		err = d.assign(ctx, known, &report)
	}

	report.Finished = time.Now()
	if err != nil {
		report.Error = err.Error()
		d.logger.Warn("discovery round aborted", "error", err)
	} else {
		d.logger.Info("discovery round finished",
			"known", len(report.Known),
			"assigned", len(report.Assigned),
			"duration", report.Finished.Sub(report.Started).String(),
		)
	}

	if d.audit != nil {
		d.audit.RecordRound(context.WithoutCancel(ctx), report)
	}

	d.mu.Lock()
	saved := report
	d.last = &saved
	d.mu.Unlock()

	return report, err
}

// enumerate asks every address from FirstAssignableAddress up to the
// ceiling for its config and returns the set of addresses that answered.
func (d *Discovery) enumerate(ctx context.Context) (map[uint8]struct{}, error) {
	known := make(map[uint8]struct{})
	for addr := int(FirstAssignableAddress); addr <= int(d.ceiling); addr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch, err := d.ctrl.GetConfig(ctx, uint8(addr))
		if err != nil {
			return nil, fmt.Errorf("get config %d: %w", addr, err)
		}
		r, err := Await(ctx, ch)
		if err != nil {
			return nil, err
		}
		if r.TimedOut {
			continue
		}
		known[r.Response.Address] = struct{}{}
		d.logger.Debug("module found", "address", r.Response.Address, "serial", r.Response.HardwareSerialNumber)
	}
	return known, nil
}

// assign hails until no module answers, giving each the lowest free
// address. An address offered to a hail the controller refuses to assign
// stays reserved for the round, so a module that keeps answering with a
// bad serial ends in exhaustion rather than hailing forever.
func (d *Discovery) assign(ctx context.Context, known map[uint8]struct{}, report *DiscoveryReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch, err := d.ctrl.Hail(ctx)
		if err != nil {
			return fmt.Errorf("hail: %w", err)
		}
		hail, err := Await(ctx, ch)
		if err != nil {
			return err
		}
		if hail.TimedOut {
			d.logger.Debug("no module answered hail")
			return nil
		}

		serial := hail.Response.HardwareSerialNumber
		addr, ok := nextFreeAddress(known, FirstAssignableAddress, LastAssignableAddress)
		if !ok {
			d.logger.Warn("no free bus address left, module left unassigned", "serial", serial)
			report.Exhausted = true
			return nil
		}
		known[addr] = struct{}{}

		ch, err = d.ctrl.AssignID(ctx, addr, serial)
		if errors.Is(err, ErrInvalidParameters) {
			d.logger.Warn("hail answer rejected, module left unassigned", "serial", serial, "error", err)
			report.Rejected = append(report.Rejected, serial)
			continue
		}
		if err != nil {
			return fmt.Errorf("assign %d to %q: %w", addr, serial, err)
		}
		ack, err := Await(ctx, ch)
		if err != nil {
			return err
		}

		a := Assignment{Address: addr, SerialNumber: serial, Confirmed: !ack.TimedOut, At: time.Now()}
		if a.Confirmed {
			d.logger.Info("bus address assigned", "address", addr, "serial", serial)
		} else {
			d.logger.Warn("bus address assignment not confirmed", "address", addr, "serial", serial)
		}
		report.Assigned = append(report.Assigned, a)
		if d.audit != nil {
			d.audit.RecordAssignment(ctx, a)
		}
	}
}

// nextFreeAddress returns the lowest address in [first, last] not in known.
func nextFreeAddress(known map[uint8]struct{}, first, last uint8) (uint8, bool) {
	for addr := int(first); addr <= int(last); addr++ {
		if _, taken := known[uint8(addr)]; !taken {
			return uint8(addr), true
		}
	}
	return 0, false
}

func sortedAddresses(set map[uint8]struct{}) []uint8 {
	out := make([]uint8, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}
