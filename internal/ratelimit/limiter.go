package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bkyoung/llmflow/internal/adapter/observability"
)

// EventType identifies a limiter telemetry event.
type EventType string

const (
	EventProactivePause   EventType = "proactive_pause"
	EventAPIRateLimit     EventType = "api_rate_limit_detected"
	EventTokenUsageUpdate EventType = "token_usage_update"
	EventConcurrency      EventType = "concurrency_update"
)

// Event is a one-way telemetry notification emitted by the limiter. Delivery
// is best-effort: when the event buffer is full the event is dropped rather
// than blocking the limiter.
type Event struct {
	Type           EventType
	WaitTime       float64 // seconds, for pause and rate-limit events
	CurrentTPM     int     // for token usage updates
	NewConcurrency int     // for concurrency updates
}

// Config holds the tuning parameters of the adaptive limiter. Zero fields are
// replaced by defaults; MaxTPM is required and must be positive.
type Config struct {
	MaxTPM             int
	InitialConcurrency int
	MinConcurrency     int
	MaxConcurrency     int
	Window             time.Duration
	CostSampleSize     int
	DefaultRequestCost int
	AdjustEvery        int
	AdjustCooldown     time.Duration
	TPMTargetFactor    float64
	EventBuffer        int
}

// DefaultConfig returns the standard limiter configuration for a TPM budget.
func DefaultConfig(maxTPM int) Config {
	return Config{
		MaxTPM:             maxTPM,
		InitialConcurrency: 10,
		MinConcurrency:     2,
		MaxConcurrency:     100,
		Window:             60 * time.Second,
		CostSampleSize:     50,
		DefaultRequestCost: 1500,
		AdjustEvery:        20,
		AdjustCooldown:     5 * time.Second,
		TPMTargetFactor:    0.90,
		EventBuffer:        64,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.MaxTPM)
	if c.InitialConcurrency <= 0 {
		c.InitialConcurrency = d.InitialConcurrency
	}
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = d.MinConcurrency
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CostSampleSize <= 0 {
		c.CostSampleSize = d.CostSampleSize
	}
	if c.DefaultRequestCost <= 0 {
		c.DefaultRequestCost = d.DefaultRequestCost
	}
	if c.AdjustEvery <= 0 {
		c.AdjustEvery = d.AdjustEvery
	}
	if c.AdjustCooldown <= 0 {
		c.AdjustCooldown = d.AdjustCooldown
	}
	if c.TPMTargetFactor <= 0 {
		c.TPMTargetFactor = d.TPMTargetFactor
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}

type usageEntry struct {
	at     time.Time
	tokens int
}

// Limiter admits callers at a rate that approaches but does not exceed a
// tokens-per-minute budget, without requiring callers to predict their own
// token cost. Pacing is achieved through the gate's capacity, which is
// re-derived from observed per-request token cost and provider pushback.
type Limiter struct {
	cfg    Config
	gate   *Gate
	logger observability.Logger
	now    func() time.Time

	mu             sync.Mutex
	window         []usageEntry
	tokensInWindow int
	recentCosts    []int
	costSum        int
	concurrency    int
	reqsSinceAdj   int
	lastAdjust     time.Time

	adjusting atomic.Bool

	events        chan Event
	done          chan struct{}
	closeOnce     sync.Once
	droppedEvents atomic.Int64
}

// New constructs a limiter. The callback receives telemetry events on a
// dedicated goroutine and must not be assumed to run synchronously with
// limiter operations. A nil callback disables event delivery.
func New(cfg Config, logger observability.Logger, callback func(Event)) (*Limiter, error) {
	if cfg.MaxTPM <= 0 {
		return nil, errors.New("ratelimit: max TPM must be positive")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NopLogger{}
	}

	l := &Limiter{
		cfg:         cfg,
		gate:        NewGate(cfg.InitialConcurrency),
		logger:      logger,
		now:         time.Now,
		concurrency: cfg.InitialConcurrency,
		events:      make(chan Event, cfg.EventBuffer),
		done:        make(chan struct{}),
	}
	l.lastAdjust = l.now()

	go l.drain(callback)
	return l, nil
}

// SetClock overrides the limiter's clock and re-baselines the adjustment
// cooldown against it. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.lastAdjust = now()
	l.mu.Unlock()
}

// Acquire suspends until a concurrency slot is available, then prunes the
// sliding window. It does not gate on predicted TPM; the gate capacity is the
// pacing mechanism. The slot must be returned via RecordCompletion.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.clock()()
	waited, err := l.gate.Acquire(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()
	l.pruneLocked(now)
	l.mu.Unlock()

	if waited {
		pause := now.Sub(start).Seconds()
		l.emit(Event{Type: EventProactivePause, WaitTime: pause})
	}
	return nil
}

// RecordCompletion releases the slot immediately, then folds the observed
// token cost into the sliding window and cost statistics and may trigger a
// concurrency re-tune. Safe to call exactly once per successful Acquire.
func (l *Limiter) RecordCompletion(tokensUsed int, success bool) {
	l.gate.Release()

	l.mu.Lock()
	now := l.now()
	l.pruneLocked(now)

	if success && tokensUsed > 0 {
		l.window = append(l.window, usageEntry{at: now, tokens: tokensUsed})
		l.tokensInWindow += tokensUsed

		l.recentCosts = append(l.recentCosts, tokensUsed)
		l.costSum += tokensUsed
		if len(l.recentCosts) > l.cfg.CostSampleSize {
			l.costSum -= l.recentCosts[0]
			l.recentCosts = l.recentCosts[1:]
		}
	}
	if success {
		l.reqsSinceAdj++
	}
	currentTPM := l.tokensInWindow
	due := l.reqsSinceAdj >= l.cfg.AdjustEvery && now.Sub(l.lastAdjust) >= l.cfg.AdjustCooldown
	l.mu.Unlock()

	l.emit(Event{Type: EventTokenUsageUpdate, CurrentTPM: currentTPM})

	if due {
		l.retune(false)
	}
}

// RecordRateLimit reacts to provider pushback: logs the mandated wait, emits
// the detection event, and halves concurrency subject to the floor. The
// cooldown does not apply to this path.
func (l *Limiter) RecordRateLimit(wait time.Duration) {
	l.logger.LogWarning(context.Background(), "api_rate_limit_detected", map[string]interface{}{
		"wait_time": wait.Seconds(),
	})
	l.emit(Event{Type: EventAPIRateLimit, WaitTime: wait.Seconds()})
	l.retune(true)
}

// retune applies one tuning decision. Re-tuning is mutually exclusive: a
// second call while one is in flight is dropped.
func (l *Limiter) retune(emergency bool) {
	if !l.adjusting.CompareAndSwap(false, true) {
		return
	}
	defer l.adjusting.Store(false)

	l.mu.Lock()
	now := l.now()
	var target int
	if emergency {
		target = l.concurrency / 2
	} else {
		target = l.idealConcurrencyLocked()
	}
	target = l.clamp(target)

	l.concurrency = target
	l.reqsSinceAdj = 0
	l.lastAdjust = now
	l.mu.Unlock()

	l.gate.SetCapacity(target)
	l.emit(Event{Type: EventConcurrency, NewConcurrency: target})
	l.logger.LogInfo(context.Background(), "concurrency_update", map[string]interface{}{
		"new_concurrency": target,
		"emergency":       emergency,
	})
}

// idealConcurrencyLocked derives the target capacity from the average
// observed request cost against the TPM budget headroom.
func (l *Limiter) idealConcurrencyLocked() int {
	avg := l.avgCostLocked()
	return int(l.cfg.TPMTargetFactor * float64(l.cfg.MaxTPM) / avg)
}

func (l *Limiter) avgCostLocked() float64 {
	if len(l.recentCosts) == 0 {
		return float64(l.cfg.DefaultRequestCost)
	}
	return float64(l.costSum) / float64(len(l.recentCosts))
}

func (l *Limiter) clamp(n int) int {
	if n < l.cfg.MinConcurrency {
		return l.cfg.MinConcurrency
	}
	if n > l.cfg.MaxConcurrency {
		return l.cfg.MaxConcurrency
	}
	return n
}

// pruneLocked drops window entries that have aged out, keeping
// tokensInWindow equal to the sum of the survivors.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for ; i < len(l.window); i++ {
		if l.window[i].at.After(cutoff) {
			break
		}
		l.tokensInWindow -= l.window[i].tokens
	}
	if i > 0 {
		l.window = l.window[i:]
	}
}

// TokensInWindow returns the token total of the pruned sliding window.
func (l *Limiter) TokensInWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return l.tokensInWindow
}

// Concurrency returns the current dynamic concurrency target.
func (l *Limiter) Concurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.concurrency
}

// AvgRequestCost returns the mean of recent observed request costs, or the
// configured default when no costs have been observed.
func (l *Limiter) AvgRequestCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.avgCostLocked()
}

// DroppedEvents reports how many telemetry events were discarded because the
// event buffer was full.
func (l *Limiter) DroppedEvents() int64 {
	return l.droppedEvents.Load()
}

// Close stops event delivery. The limiter remains usable for admission but
// no further events reach the callback.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Limiter) clock() func() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

func (l *Limiter) emit(e Event) {
	select {
	case l.events <- e:
	default:
		l.droppedEvents.Add(1)
	}
}

func (l *Limiter) drain(callback func(Event)) {
	for {
		select {
		case e := <-l.events:
			if callback != nil {
				callback(e)
			}
		case <-l.done:
			return
		}
	}
}
