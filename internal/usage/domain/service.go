package domain

import (
	"context"
	"errors"
	"time"
)

// Outcome classifies a completed request for usage statistics.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// Event is one completed request. Recording is fire-and-forget:
// admission decisions never wait on it.
type Event struct {
	CredentialID string
	Endpoint     string
	Outcome      Outcome
	LatencyMS    int64
	At           time.Time
}

type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

type DailyPoint struct {
	Day          string `json:"day"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	LatencySumMS int64  `json:"latency_sum_ms"`
}

type Summary struct {
	RequestsToday     int64           `json:"requests_today"`
	RequestsThisMonth int64           `json:"requests_this_month"`
	ErrorsToday       int64           `json:"errors_today"`
	TopEndpoints      []EndpointCount `json:"top_endpoints"`
	DailySeries       []DailyPoint    `json:"daily_series"`
}

type Recorder interface {
	// Record enqueues an event without blocking. Under sustained
	// overload the oldest unconsumed event is dropped.
	Record(ev Event)
	// Query reports rolling aggregates for the trailing range of days.
	Query(ctx context.Context, credentialID string, days int) (*Summary, error)
}

const (
	MinQueryDays     = 1
	MaxQueryDays     = 90
	DefaultQueryDays = 30
)

var ErrInvalidRange = errors.New("invalid_range")
