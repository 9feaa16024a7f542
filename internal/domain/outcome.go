package domain

import "time"

// Message is a single chat message sent to the inference API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage captures token accounting returned by the inference API for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	TotalTokens      int
}

// ErrorDetails carries the full failure context for a terminal request failure.
type ErrorDetails struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Outcome is the canonical per-request result record. Field order is fixed so
// that row-wise serialization downstream sees a stable column order.
type Outcome struct {
	ID              string        `json:"id"`
	StartTimestamp  string        `json:"start_timestamp"`
	Success         bool          `json:"success"`
	Content         string        `json:"content,omitempty"`
	Parsed          any           `json:"parsed,omitempty"`
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	CachedTokens    int           `json:"cached_tokens"`
	TotalTokens     int           `json:"total_tokens"`
	Cost            float64       `json:"cost"`
	Error           string        `json:"error,omitempty"`
	ErrorDetails    *ErrorDetails `json:"error_details,omitempty"`
	APIResponseTime float64       `json:"api_response_time"`
	Attempts        int           `json:"attempts"`
}

// ReportZone is the fixed offset used for human-facing timestamps in outcomes
// and summaries.
var ReportZone = time.FixedZone("UTC-3", -3*60*60)

// FormatTimestamp renders t in the report zone as an ISO-8601 string.
func FormatTimestamp(t time.Time) string {
	return t.In(ReportZone).Format("2006-01-02T15:04:05-07:00")
}

// FormatReportTime renders t in the report zone for summary reports.
func FormatReportTime(t time.Time) string {
	return t.In(ReportZone).Format("2006-01-02 15:04:05")
}
