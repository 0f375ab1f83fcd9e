// Package engine is the boundary to the document and calculation
// backends that sit behind the gate. The loopback client stands in for
// them in single-node deployments and tests.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veridoc/apigate/internal/clock"
)

var (
	ErrInvalidDocument     = errors.New("invalid_document")
	ErrInvalidCalculation  = errors.New("invalid_calculation")
	ErrCalculationNotFound = errors.New("calculation_not_found")
)

type DocumentRequest struct {
	DocumentURL string `json:"document_url"`
	Kind        string `json:"kind"`
}

type DocumentResult struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type CalculationRequest struct {
	Name   string             `json:"name"`
	Inputs map[string]float64 `json:"inputs"`
}

type CalculationResult struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Inputs    map[string]float64 `json:"inputs"`
	Total     float64            `json:"total"`
	Status    string             `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

type Client interface {
	ProcessDocument(ctx context.Context, req DocumentRequest) (*DocumentResult, error)
	CreateCalculation(ctx context.Context, req CalculationRequest) (*CalculationResult, error)
	GetCalculation(ctx context.Context, id string) (*CalculationResult, error)
}

type loopback struct {
	genID *snowflake.Node
	clock clock.Clock

	mu           sync.RWMutex
	calculations map[string]*CalculationResult
}

func NewLoopback(genID *snowflake.Node, clk clock.Clock) Client {
	return &loopback{
		genID:        genID,
		clock:        clk,
		calculations: make(map[string]*CalculationResult),
	}
}

func (l *loopback) ProcessDocument(ctx context.Context, req DocumentRequest) (*DocumentResult, error) {
	_ = ctx
	if strings.TrimSpace(req.DocumentURL) == "" {
		return nil, ErrInvalidDocument
	}
	return &DocumentResult{
		JobID:      "job_" + l.genID.Generate().String(),
		Status:     "queued",
		AcceptedAt: l.clock.Now(),
	}, nil
}

func (l *loopback) CreateCalculation(ctx context.Context, req CalculationRequest) (*CalculationResult, error) {
	_ = ctx
	if strings.TrimSpace(req.Name) == "" || len(req.Inputs) == 0 {
		return nil, ErrInvalidCalculation
	}

	total := 0.0
	for _, value := range req.Inputs {
		total += value
	}

	result := &CalculationResult{
		ID:        "calc_" + l.genID.Generate().String(),
		Name:      strings.TrimSpace(req.Name),
		Inputs:    req.Inputs,
		Total:     total,
		Status:    "completed",
		CreatedAt: l.clock.Now(),
	}

	l.mu.Lock()
	l.calculations[result.ID] = result
	l.mu.Unlock()

	return result, nil
}

func (l *loopback) GetCalculation(ctx context.Context, id string) (*CalculationResult, error) {
	_ = ctx
	l.mu.RLock()
	result, ok := l.calculations[strings.TrimSpace(id)]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrCalculationNotFound
	}
	return result, nil
}
