package otel_test

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/spacetime/internal/platform/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("SPACETIME_OTEL_ENDPOINT", "")
	t.Setenv("SPACETIME_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetup_NoopWhenExplicitlyDisabled(t *testing.T) {
	t.Setenv("SPACETIME_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("SPACETIME_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address so no export happens.
	t.Setenv("SPACETIME_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("SPACETIME_OTEL_ENABLED", "")

	shutdown, err := otel.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestEndSpanRecordsError(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := otel.Tracer(provider, "test")

	_, span := tracer.Start(context.Background(), "failing")
	otel.EndSpan(span, errors.New("boom"))
	_, span = tracer.Start(context.Background(), "ok")
	otel.EndSpan(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("status = %v, want %v", spans[0].Status.Code, codes.Error)
	}
	if spans[1].Status.Code != codes.Unset {
		t.Fatalf("status = %v, want %v", spans[1].Status.Code, codes.Unset)
	}
}
