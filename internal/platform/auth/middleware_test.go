package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key-0123456789")

func runGate(t *testing.T, cfg GateConfig, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/admin/bookings", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/admin/bookings")

	called := false
	err := RequireAdmin(cfg)(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})(c)
	return c, called, err
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestRequireAdmin_MissingHeader(t *testing.T) {
	_, called, err := runGate(t, GateConfig{SigningKey: testKey}, "")
	expectStatus(t, err, http.StatusUnauthorized)
	if called {
		t.Error("handler should not run without a token")
	}
}

func TestRequireAdmin_InvalidFormat(t *testing.T) {
	_, _, err := runGate(t, GateConfig{SigningKey: testKey}, "Basic dXNlcjpwYXNz")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestRequireAdmin_InvalidToken(t *testing.T) {
	_, _, err := runGate(t, GateConfig{SigningKey: testKey}, "Bearer not-a-jwt")
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireAdmin_WrongKey(t *testing.T) {
	token, err := IssueToken([]byte("some-other-key-0123456789"), "alice", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	_, _, err = runGate(t, GateConfig{SigningKey: testKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireAdmin_ExpiredToken(t *testing.T) {
	token, err := IssueToken(testKey, "alice", time.Hour, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	_, _, err = runGate(t, GateConfig{SigningKey: testKey}, "Bearer "+token)
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireAdmin_ValidToken(t *testing.T) {
	token, err := IssueToken(testKey, "alice", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	c, called, err := runGate(t, GateConfig{SigningKey: testKey}, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run")
	}
	if got := AdminFromContext(c.Request().Context()); got != "alice" {
		t.Errorf("expected admin alice in context, got %q", got)
	}
}

func TestRequireAdmin_DevBypass(t *testing.T) {
	c, called, err := runGate(t, GateConfig{SigningKey: testKey, DevBypass: true}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run in dev mode")
	}
	if got := AdminFromContext(c.Request().Context()); got != "dev-admin" {
		t.Errorf("expected dev-admin, got %q", got)
	}
}

func TestRequireAdmin_DevBypassStillValidatesTokens(t *testing.T) {
	_, _, err := runGate(t, GateConfig{SigningKey: testKey, DevBypass: true}, "Bearer garbage")
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireAdmin_Skipper(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/admin/login", nil), httptest.NewRecorder())
	c.SetPath("/api/admin/login")

	called := false
	err := RequireAdmin(GateConfig{SigningKey: testKey, Skipper: AuthSkipper})(func(echo.Context) error {
		called = true
		return nil
	})(c)
	if err != nil || !called {
		t.Errorf("expected login route to bypass the gate, err=%v called=%v", err, called)
	}
}
