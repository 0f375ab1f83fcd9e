package metrics

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tier", "professional"),
		attribute.String("key_id", "key_ABC123"),
		attribute.String("reason", "rate_limit"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "key_id" {
			t.Fatalf("key_id must never become a metric label")
		}
	}
}

func TestClassifyPipelineError(t *testing.T) {
	if got := classifyPipelineError(context.DeadlineExceeded); got != PipelineErrorTypeDeadlineExceeded {
		t.Fatalf("deadline: got %s", got)
	}
	if got := classifyPipelineError(gorm.ErrInvalidTransaction); got != PipelineErrorTypeDB {
		t.Fatalf("db: got %s", got)
	}
	if got := classifyPipelineError(errors.New("boom")); got != PipelineErrorTypeUnknown {
		t.Fatalf("unknown: got %s", got)
	}
}
