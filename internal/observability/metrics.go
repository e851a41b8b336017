package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Bundle outcomes recorded by RecordBundleEnsure.
const (
	BundleReused    = "reused"
	BundleGenerated = "generated"
	BundleUpgraded  = "upgraded"
	BundleFailed    = "failed"
)

// Redirect response kinds recorded by RecordRedirectResponse.
const (
	ResponseRedirect  = "redirect"
	ResponseCA        = "ca"
	ResponseCAMissing = "ca_missing"
	ResponseForbidden = "forbidden"
)

// Bind outcomes recorded by RecordRedirectBind.
const (
	BindListening = "listening"
	BindPortInUse = "port_in_use"
	BindFailed    = "failed"
)

// Metrics holds the instruments for certificate provisioning and the shared
// redirect server. A nil *Metrics is valid and records nothing.
type Metrics struct {
	bundleEnsure      metric.Int64Counter
	toolInvocations   metric.Int64Counter
	redirectResponses metric.Int64Counter
	redirectBinds     metric.Int64Counter
	registryRefs      metric.Int64UpDownCounter
}

// InitMetrics creates the instruments on the global meter provider.
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("localhttps")

	bundleEnsure, err := meter.Int64Counter(
		"localhttps.bundle.ensure.total",
		metric.WithDescription("Certificate bundle checks by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle ensure counter: %w", err)
	}

	toolInvocations, err := meter.Int64Counter(
		"localhttps.tool.invocations.total",
		metric.WithDescription("Certificate authority tool invocations by step and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool invocation counter: %w", err)
	}

	redirectResponses, err := meter.Int64Counter(
		"localhttps.redirect.responses.total",
		metric.WithDescription("Responses written by the plaintext redirect server"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redirect response counter: %w", err)
	}

	redirectBinds, err := meter.Int64Counter(
		"localhttps.redirect.binds.total",
		metric.WithDescription("Redirect server bind attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redirect bind counter: %w", err)
	}

	registryRefs, err := meter.Int64UpDownCounter(
		"localhttps.registry.references",
		metric.WithDescription("Secure servers currently holding the shared redirect server"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry reference counter: %w", err)
	}

	return &Metrics{
		bundleEnsure:      bundleEnsure,
		toolInvocations:   toolInvocations,
		redirectResponses: redirectResponses,
		redirectBinds:     redirectBinds,
		registryRefs:      registryRefs,
	}, nil
}

func (m *Metrics) RecordBundleEnsure(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.bundleEnsure.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordToolInvocation(ctx context.Context, tool, step string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.toolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordRedirectResponse(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.redirectResponses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordRedirectBind(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.redirectBinds.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AddRegistryReferences adjusts the live reference gauge by delta.
func (m *Metrics) AddRegistryReferences(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.registryRefs.Add(ctx, delta)
}
