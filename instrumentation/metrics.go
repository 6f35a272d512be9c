package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the pre-configured metric instruments for the bridge.
type Metrics struct {
	// ExchangeAttempts counts authorization-code exchanges by outcome.
	ExchangeAttempts metric.Int64Counter

	// CodeReplaysBlocked counts replayed authorization codes rejected
	// before reaching the upstream token endpoint.
	CodeReplaysBlocked metric.Int64Counter

	// InvoicesCreated counts invoices created downstream by outcome.
	InvoicesCreated metric.Int64Counter

	// ExchangeDuration measures the upstream token exchange latency.
	ExchangeDuration metric.Float64Histogram

	// StorageTokensCount is an observable gauge of stored token records.
	StorageTokensCount metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	meter := inst.Meter("server")

	exchangeAttempts, err := meter.Int64Counter(
		"oauth.exchange.attempts",
		metric.WithDescription("Authorization-code exchange attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange attempts counter: %w", err)
	}

	replaysBlocked, err := meter.Int64Counter(
		"oauth.exchange.replays_blocked",
		metric.WithDescription("Authorization codes rejected as already used"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replays blocked counter: %w", err)
	}

	invoicesCreated, err := meter.Int64Counter(
		"invoices.created",
		metric.WithDescription("Invoices created downstream by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoices counter: %w", err)
	}

	exchangeDuration, err := meter.Float64Histogram(
		"oauth.exchange.duration",
		metric.WithDescription("Upstream token exchange duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange duration histogram: %w", err)
	}

	storageMeter := inst.Meter("storage")
	tokensCount, err := storageMeter.Int64ObservableGauge(
		"storage.tokens.count",
		metric.WithDescription("Number of token records currently stored"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens count gauge: %w", err)
	}

	return &Metrics{
		ExchangeAttempts:   exchangeAttempts,
		CodeReplaysBlocked: replaysBlocked,
		InvoicesCreated:    invoicesCreated,
		ExchangeDuration:   exchangeDuration,
		StorageTokensCount: tokensCount,
	}, nil
}

// RecordExchange records one exchange attempt with its outcome
// ("success" or the taxonomy error code).
func (m *Metrics) RecordExchange(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.ExchangeAttempts.Add(ctx, 1, attrs)
	m.ExchangeDuration.Record(ctx, seconds, attrs)
}

// RecordReplayBlocked records one rejected code replay.
func (m *Metrics) RecordReplayBlocked(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReplaysBlocked.Add(ctx, 1)
}

// RecordInvoice records one invoice creation attempt with its outcome.
func (m *Metrics) RecordInvoice(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.InvoicesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
