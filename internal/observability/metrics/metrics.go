package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	gateAllowed       metric.Int64Counter
	gateDenied        metric.Int64Counter
	credentialsIssued metric.Int64Counter
	usageRecorded     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "apigate"
	}
	meter := provider.Meter(name)

	gateAllowed, err := meter.Int64Counter("apigate_gate_allowed_total")
	if err != nil {
		return nil, err
	}
	gateDenied, err := meter.Int64Counter("apigate_gate_denied_total")
	if err != nil {
		return nil, err
	}
	credentialsIssued, err := meter.Int64Counter("apigate_credentials_issued_total")
	if err != nil {
		return nil, err
	}
	usageRecorded, err := meter.Int64Counter("apigate_usage_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gateAllowed:       gateAllowed,
		gateDenied:        gateDenied,
		credentialsIssued: credentialsIssued,
		usageRecorded:     usageRecorded,
	}, nil
}

// RecordGateAllowed increments admission counts.
func (m *Metrics) RecordGateAllowed(ctx context.Context, tier, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.gateAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGateDenied increments denial counts by low-cardinality reason.
func (m *Metrics) RecordGateDenied(ctx context.Context, reason, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.gateDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCredentialIssued increments issuance counts.
func (m *Metrics) RecordCredentialIssued(ctx context.Context, tier, environment string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("environment", strings.TrimSpace(environment)),
	)
	m.credentialsIssued.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageEvent increments accepted usage event counts.
func (m *Metrics) RecordUsageEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Key ids and owner ids are high-cardinality and never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"tier":        {},
	"environment": {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
	"outcome":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
