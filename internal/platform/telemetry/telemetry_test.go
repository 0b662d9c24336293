package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(newProvider(Config{SampleRate: 1}, sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SampleRate: 7}
	cfg.applyDefaults()
	if cfg.ServiceName != "booking-server" {
		t.Errorf("expected booking-server, got %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected out-of-range sample rate to reset to 1, got %v", cfg.SampleRate)
	}
}

func TestMiddleware_RecordsSpan(t *testing.T) {
	rec := installRecorder(t)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/doctors/7/slots", nil), httptest.NewRecorder())
	c.SetPath("/api/doctors/:doctorId/slots")

	err := Middleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "GET /api/doctors/:doctorId/slots" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("expected a successful request not to be marked as error")
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	rec := installRecorder(t)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/bookings", nil), httptest.NewRecorder())
	c.SetPath("/api/bookings")

	want := errors.New("db down")
	if err := Middleware()(func(echo.Context) error { return want })(c); !errors.Is(err, want) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected one errored span, got %+v", spans)
	}
}
