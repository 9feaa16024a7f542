package store

import (
	"context"
	"time"
)

// Store defines the persistence layer for batch runs and request outcomes.
type Store interface {
	// Batch management
	SaveBatch(ctx context.Context, batch BatchRecord) error
	GetBatch(ctx context.Context, batchID string) (BatchRecord, error)
	ListBatches(ctx context.Context, limit int) ([]BatchRecord, error)

	// Outcome persistence
	SaveOutcomes(ctx context.Context, outcomes []OutcomeRecord) error
	GetOutcomesByBatch(ctx context.Context, batchID string) ([]OutcomeRecord, error)

	// Utility
	Close() error
}

// BatchRecord stores the closed-container summary of one batch run.
type BatchRecord struct {
	BatchID        string
	Model          string
	StartedAt      time.Time
	EndedAt        time.Time
	TotalRequests  int
	Successful     int
	Failed         int
	TotalTokens    int
	TotalCost      float64
	PeakTPM        int
	ConcurrentPeak int
	RetryCount     int
}

// OutcomeRecord is the persisted form of one request outcome.
type OutcomeRecord struct {
	ID              string
	BatchID         string
	StartTimestamp  string
	Success         bool
	InputTokens     int
	OutputTokens    int
	CachedTokens    int
	TotalTokens     int
	Cost            float64
	Error           string
	ErrorType       string
	APIResponseTime float64
	Attempts        int
}
