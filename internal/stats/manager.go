package stats

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/bkyoung/llmflow/internal/adapter/observability"
	"github.com/bkyoung/llmflow/internal/domain"
	"github.com/bkyoung/llmflow/internal/ratelimit"
)

// Record carries the fields of one terminated request into the manager.
type Record struct {
	BatchID         string
	Model           string
	Success         bool
	InputTokens     int
	OutputTokens    int
	CachedTokens    int
	TotalTokens     int
	ErrorType       string
	APIResponseTime float64
	Attempts        int
}

// Manager owns the global container and the per-batch containers. All
// mutation is serialized through a single lock.
type Manager struct {
	mu          sync.Mutex
	global      *Container
	batches     map[string]*Container
	activeBatch string
	pricing     Pricing
	logger      observability.Logger
	printer     *message.Printer
	now         func() time.Time
}

// NewManager creates a manager with an open global container.
func NewManager(pricing Pricing, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NopLogger{}
	}
	m := &Manager{
		batches: make(map[string]*Container),
		pricing: pricing,
		logger:  logger,
		printer: message.NewPrinter(language.English),
		now:     time.Now,
	}
	m.global = NewContainer(m.now())
	return m
}

// SetClock overrides the manager's clock. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// StartBatch creates and registers a batch container. An existing id is
// overwritten with a warning.
func (m *Manager) StartBatch(id string) {
	m.mu.Lock()
	if _, exists := m.batches[id]; exists {
		m.logger.LogWarning(context.Background(), "batch_overwrite", map[string]interface{}{
			"batch_id": id,
		})
	}
	m.batches[id] = NewContainer(m.now())
	m.activeBatch = id
	m.mu.Unlock()
}

// EndBatch closes the batch container and mirrors its end time onto the
// global container, so the most recently closed batch marks the global
// window's tail. Unknown or already-closed batches return nil.
func (m *Manager) EndBatch(id string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.batches[id]
	if !ok || c.Closed() {
		return nil
	}
	end := m.now()
	c.EndTime = &end
	globalEnd := end
	m.global.EndTime = &globalEnd
	if m.activeBatch == id {
		m.activeBatch = ""
	}
	return c
}

// RecordRequest folds one terminated request into the global container and,
// when the batch id is known, the batch container. Returns the computed cost.
func (m *Manager) RecordRequest(rec Record) float64 {
	cost := 0.0
	if m.pricing != nil {
		cost = m.pricing.Cost(rec.Model, rec.InputTokens, rec.CachedTokens, rec.OutputTokens)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.scopesLocked(rec.BatchID) {
		c.TotalRequests++
		if rec.Success {
			c.SuccessfulRequests++
		} else {
			c.FailedRequests++
			errType := rec.ErrorType
			if errType == "" {
				errType = "UnknownError"
			}
			c.ErrorTypeCounts[errType]++
		}

		c.TotalInputTokens += rec.InputTokens
		c.TotalOutputTokens += rec.OutputTokens
		c.TotalCachedTokens += rec.CachedTokens
		c.TotalTokens += rec.TotalTokens
		c.TotalCost += cost

		if rec.APIResponseTime > 0 {
			c.APIResponseTimes = append(c.APIResponseTimes, rec.APIResponseTime)
		}
		if rec.Attempts > 1 {
			c.RetryCount += rec.Attempts - 1
		}
	}
	return cost
}

// RecordConcurrentStart raises the concurrency gauge and peak.
func (m *Manager) RecordConcurrentStart(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.scopesLocked(batchID) {
		c.CurrentConcurrentRequests++
		if c.CurrentConcurrentRequests > c.ConcurrentPeak {
			c.ConcurrentPeak = c.CurrentConcurrentRequests
		}
	}
}

// RecordConcurrentEnd lowers the concurrency gauge.
func (m *Manager) RecordConcurrentEnd(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.scopesLocked(batchID) {
		if c.CurrentConcurrentRequests > 0 {
			c.CurrentConcurrentRequests--
		}
	}
}

// RecordRateLimiterEvent maps a limiter telemetry event onto container
// fields. An empty batchID resolves to the most recently started open batch,
// which lets the limiter's batch-unaware callback still feed batch scopes.
func (m *Manager) RecordRateLimiterEvent(e ratelimit.Event, batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batchID == "" {
		batchID = m.activeBatch
	}
	for _, c := range m.scopesLocked(batchID) {
		switch e.Type {
		case ratelimit.EventProactivePause:
			c.ProactivePauses++
			c.ProactivePauseWaitTotal += e.WaitTime
		case ratelimit.EventAPIRateLimit:
			c.APIRateLimitsDetected++
		case ratelimit.EventTokenUsageUpdate:
			if e.CurrentTPM > c.PeakTPM {
				c.PeakTPM = e.CurrentTPM
			}
		}
	}
}

// GetGlobal returns the global container.
func (m *Manager) GetGlobal() *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global
}

// GetBatch returns the container for id, nil when unknown.
func (m *Manager) GetBatch(id string) *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[id]
}

// scopesLocked resolves the containers an update applies to: always the
// global one, plus the batch container when the id is registered.
func (m *Manager) scopesLocked(batchID string) []*Container {
	if batchID == "" {
		return []*Container{m.global}
	}
	if c, ok := m.batches[batchID]; ok {
		return []*Container{m.global, c}
	}
	return []*Container{m.global}
}

// Summary returns a formatted multi-line report for the batch, or for the
// global scope when batchID is empty. Unknown batch ids yield a visible
// error string rather than an error value.
func (m *Manager) Summary(batchID string) string {
	m.mu.Lock()
	var c *Container
	label := "Global"
	if batchID == "" {
		c = m.global
	} else {
		c = m.batches[batchID]
		label = "Batch " + batchID
	}
	m.mu.Unlock()

	if c == nil {
		return fmt.Sprintf("No stats found for batch %q", batchID)
	}
	return m.format(label, c)
}

func (m *Manager) format(label string, c *Container) string {
	p := m.printer
	var b strings.Builder

	end := "(open)"
	if c.EndTime != nil {
		end = domain.FormatReportTime(*c.EndTime)
	}

	fmt.Fprintf(&b, "========== %s ==========\n", label)
	fmt.Fprintf(&b, "Window:    %s -> %s (%.2fs)\n", domain.FormatReportTime(c.StartTime), end, c.ProcessingTime())
	fmt.Fprintf(&b, "Requests:  %s total | %s ok | %s failed | %.2f req/s\n",
		p.Sprintf("%d", c.TotalRequests), p.Sprintf("%d", c.SuccessfulRequests),
		p.Sprintf("%d", c.FailedRequests), c.RequestsPerSecond())
	fmt.Fprintf(&b, "Tokens:    in %s | cached %s | out %s | total %s\n",
		p.Sprintf("%d", c.TotalInputTokens), p.Sprintf("%d", c.TotalCachedTokens),
		p.Sprintf("%d", c.TotalOutputTokens), p.Sprintf("%d", c.TotalTokens))
	fmt.Fprintf(&b, "Cost:      $%.4f\n", c.TotalCost)
	fmt.Fprintf(&b, "API time:  total %.2fs | min %.2fs | mean %.2fs | max %.2fs\n",
		c.TotalAPITime(), c.MinResponseTime(), c.MeanResponseTime(), c.MaxResponseTime())
	fmt.Fprintf(&b, "Parallel:  gain %.2fs (%.1f%%) | concurrent peak %d | peak TPM %s\n",
		c.ParallelizationGainSeconds(), c.ParallelizationGainPercent(),
		c.ConcurrentPeak, p.Sprintf("%d", c.PeakTPM))
	fmt.Fprintf(&b, "Reliab.:   retries %d | rate limits %d | pauses %d (%.2fs waited)",
		c.RetryCount, c.APIRateLimitsDetected, c.ProactivePauses, c.ProactivePauseWaitTotal)

	if len(c.ErrorTypeCounts) > 0 {
		b.WriteString("\nErrors:   ")
		first := true
		for _, errType := range sortedKeys(c.ErrorTypeCounts) {
			if !first {
				b.WriteString(" | ")
			} else {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%d", errType, c.ErrorTypeCounts[errType])
			first = false
		}
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
