package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
	types  []string
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.sigs = append(c.sigs, r.Header.Get(SignatureHeader))
		c.types = append(c.types, r.Header.Get(EventTypeHeader))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestWebhookPublisher_SignsAndDelivers(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusNoContent))
	defer srv.Close()

	p, err := NewWebhookPublisher([]string{srv.URL}, "s3cret")
	if err != nil {
		t.Fatalf("NewWebhookPublisher() error: %v", err)
	}
	evt := Event{Type: BookingCancelled, BookingID: 12, DoctorID: 3, Status: "CANCELLED", OccurredAt: time.Now().UTC()}
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if len(got.bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got.bodies))
	}
	if !VerifySignature(got.bodies[0], "s3cret", got.sigs[0]) {
		t.Errorf("signature %q does not verify", got.sigs[0])
	}
	if got.types[0] != string(BookingCancelled) {
		t.Errorf("expected event type header, got %q", got.types[0])
	}
	var decoded Event
	if err := json.Unmarshal(got.bodies[0], &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.BookingID != 12 || decoded.ID == "" {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestWebhookPublisher_ReportsFailures(t *testing.T) {
	var ok, bad capture
	okSrv := httptest.NewServer(ok.handler(http.StatusOK))
	defer okSrv.Close()
	badSrv := httptest.NewServer(bad.handler(http.StatusInternalServerError))
	defer badSrv.Close()

	p, _ := NewWebhookPublisher([]string{okSrv.URL, badSrv.URL}, "")
	err := p.Publish(context.Background(), Event{Type: BookingConfirmed, BookingID: 1})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("expected non-2xx error, got %v", err)
	}
	if len(ok.bodies) != 1 {
		t.Error("expected the healthy endpoint to still receive the event")
	}
	if ok.sigs[0] != "" {
		t.Error("expected no signature without a secret")
	}
}

func TestNewWebhookPublisher_Validation(t *testing.T) {
	if _, err := NewWebhookPublisher(nil, ""); err == nil {
		t.Error("expected error without endpoints")
	}
	if _, err := NewWebhookPublisher([]string{"ftp://example.com/hook"}, ""); err == nil {
		t.Error("expected error for non-http scheme")
	}
	if _, err := NewWebhookPublisher([]string{"/relative"}, ""); err == nil {
		t.Error("expected error for relative url")
	}
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{Err: errors.New("down")}
	m := Multi{a, b}

	err := m.Publish(context.Background(), Event{Type: BookingExpired, BookingID: 5})
	if err == nil {
		t.Error("expected joined error from failing publisher")
	}
	evts := a.Events()
	if len(evts) != 1 || evts[0].ID == "" {
		t.Errorf("expected one event with an id, got %+v", evts)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
