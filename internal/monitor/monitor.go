// Package monitor observes the platform transaction stream for the lifetime of the app and
// routes every completion through the shared finalize path.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrJamesThe3rd/iapkit/internal/actor"
	"github.com/MrJamesThe3rd/iapkit/internal/metrics"
	"github.com/MrJamesThe3rd/iapkit/internal/platform"
	"github.com/MrJamesThe3rd/iapkit/internal/recovery"
)

// Reconciler finalizes completion transactions. *recovery.Manager implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, tx platform.Transaction) (recovery.Resolution, error)
	RecoverPendingTransactions(ctx context.Context) (recovery.Report, error)
}

// PurchaseTracker reports products with a purchase in progress. The monitor leaves their
// transactions to the purchase that requested them.
type PurchaseTracker interface {
	InFlight(ctx context.Context, productID string) bool
}

type Handler func(tx platform.Transaction)

type registration struct {
	handler   Handler
	state     platform.State
	productID string
}

func (r registration) wants(tx platform.Transaction) bool {
	if r.state != "" && r.state != tx.State {
		return false
	}

	return r.productID == "" || r.productID == tx.ProductID
}

type Options struct {
	// AutoRecovery runs one unfinished-transaction pass when monitoring starts.
	AutoRecovery bool
	Logger       *slog.Logger
	Metrics      *metrics.Registry
	Now          func() time.Time
}

type Stats struct {
	Processed int
	Succeeded int
	Failed    int
	StartedAt time.Time
	EndedAt   time.Time
}

// Summary is a diagnostic projection of Stats.
type Summary struct {
	Monitoring  bool
	Processed   int
	Succeeded   int
	Failed      int
	SuccessRate float64
	StartedAt   time.Time
	EndedAt     time.Time
	Duration    time.Duration
}

type Monitor struct {
	adapter    platform.Adapter
	reconciler Reconciler
	tracker    PurchaseTracker
	opts       Options

	// lifecycle serializes Start and Stop so the adapter sees one registration at a time.
	lifecycle sync.Mutex
	ctx       context.Context

	loop       *actor.Loop
	monitoring bool
	handlers   map[string]registration
	stats      Stats
}

func New(adapter platform.Adapter, reconciler Reconciler, tracker PurchaseTracker, opts Options) *Monitor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Monitor{
		adapter:    adapter,
		reconciler: reconciler,
		tracker:    tracker,
		opts:       opts,
		loop:       actor.New(),
		handlers:   make(map[string]registration),
	}
}

// Start registers with the adapter's observer and, with auto-recovery on, resolves the
// transactions left unfinished so far. Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.Monitoring(ctx) {
		return nil
	}

	// Updates are processed to completion even after the caller's context ends.
	m.ctx = context.WithoutCancel(ctx)

	if err := m.adapter.StartTransactionObserver(m.observe); err != nil {
		return err
	}

	now := m.opts.Now()
	if err := m.loop.Do(ctx, func() {
		m.monitoring = true
		m.stats.StartedAt = now
		m.stats.EndedAt = time.Time{}
	}); err != nil {
		m.adapter.StopTransactionObserver()
		return err
	}

	m.opts.Metrics.SetMonitoring(true)
	m.opts.Logger.Info("transaction monitor started", "variant", m.adapter.Variant())

	if m.opts.AutoRecovery {
		r, err := m.reconciler.RecoverPendingTransactions(ctx)
		if err != nil {
			m.opts.Logger.Warn("startup recovery incomplete", "failures", r.Failures, "error", err)
		}
	}

	return nil
}

// Stop deregisters from the adapter once in-progress updates finish. Stopping a stopped
// monitor is a no-op.
func (m *Monitor) Stop(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.Monitoring(ctx) {
		return
	}

	m.adapter.StopTransactionObserver()

	now := m.opts.Now()

	var session time.Duration

	_ = m.loop.Exec(func() {
		m.monitoring = false
		m.stats.EndedAt = now
		session = now.Sub(m.stats.StartedAt)
	})

	m.opts.Metrics.SetMonitoring(false)
	m.opts.Logger.Info("transaction monitor stopped", "session", session)
}

// Close stops monitoring and releases the monitor's state.
func (m *Monitor) Close() {
	m.Stop(context.Background())
	m.loop.Stop()
}

func (m *Monitor) Monitoring(ctx context.Context) bool {
	var on bool

	_ = m.loop.Do(ctx, func() { on = m.monitoring })

	return on
}

func (m *Monitor) register(id string, r registration) {
	_ = m.loop.Exec(func() { m.handlers[id] = r })
}

// AddHandler registers h for every update under id, replacing any handler with that id.
func (m *Monitor) AddHandler(id string, h Handler) {
	m.register(id, registration{handler: h})
}

// AddStateHandler registers h for updates in state only.
func (m *Monitor) AddStateHandler(id string, state platform.State, h Handler) {
	m.register(id, registration{handler: h, state: state})
}

// AddProductHandler registers h for updates for productID only.
func (m *Monitor) AddProductHandler(id, productID string, h Handler) {
	m.register(id, registration{handler: h, productID: productID})
}

func (m *Monitor) RemoveHandler(id string) {
	_ = m.loop.Exec(func() { delete(m.handlers, id) })
}

func (m *Monitor) RemoveAllHandlers() {
	_ = m.loop.Exec(func() { clear(m.handlers) })
}

// observe is the adapter callback. The adapter delivers one update at a time.
func (m *Monitor) observe(tx platform.Transaction) {
	ctx := m.ctx

	m.opts.Metrics.ObserveUpdate(string(tx.State))

	switch tx.State {
	case platform.StatePurchased, platform.StateRestored:
		m.complete(ctx, tx)
	case platform.StateFailed:
		m.opts.Logger.Info("transaction failed", "transaction_id", tx.ID, "product_id", tx.ProductID, "error", tx.Err)
		m.count(false)
	}

	m.dispatch(ctx, tx)
}

func (m *Monitor) complete(ctx context.Context, tx platform.Transaction) {
	if tx.State == platform.StatePurchased && m.tracker != nil && m.tracker.InFlight(ctx, tx.ProductID) {
		return
	}

	res, err := m.reconciler.Reconcile(ctx, tx)
	if err != nil {
		m.opts.Logger.Warn("failed to finalize observed transaction",
			"transaction_id", tx.ID, "product_id", tx.ProductID, "state", tx.State, "error", err)
		m.count(false)

		return
	}

	if res == recovery.Skipped {
		return
	}

	m.count(true)
}

func (m *Monitor) count(ok bool) {
	_ = m.loop.Exec(func() {
		m.stats.Processed++

		if ok {
			m.stats.Succeeded++
			return
		}

		m.stats.Failed++
	})
}

func (m *Monitor) dispatch(ctx context.Context, tx platform.Transaction) {
	var targets []Handler

	_ = m.loop.Do(ctx, func() {
		for _, r := range m.handlers {
			if r.wants(tx) {
				targets = append(targets, r.handler)
			}
		}
	})

	for _, h := range targets {
		h(tx)
	}
}

func (m *Monitor) Stats(ctx context.Context) Stats {
	var s Stats

	_ = m.loop.Do(ctx, func() { s = m.stats })

	return s
}

// ResetStats clears counters without affecting whether the monitor is running. A running
// monitor restarts its session clock.
func (m *Monitor) ResetStats(ctx context.Context) {
	now := m.opts.Now()

	_ = m.loop.Do(ctx, func() {
		m.stats = Stats{}

		if m.monitoring {
			m.stats.StartedAt = now
		}
	})
}

func (m *Monitor) Summary(ctx context.Context) Summary {
	var (
		s  Stats
		on bool
	)

	_ = m.loop.Do(ctx, func() {
		s = m.stats
		on = m.monitoring
	})

	sum := Summary{
		Monitoring: on,
		Processed:  s.Processed,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
	}

	if s.Processed > 0 {
		sum.SuccessRate = float64(s.Succeeded) / float64(s.Processed)
	}

	switch {
	case s.StartedAt.IsZero():
	case on:
		sum.Duration = m.opts.Now().Sub(s.StartedAt)
	case !s.EndedAt.IsZero():
		sum.Duration = s.EndedAt.Sub(s.StartedAt)
	}

	return sum
}
