package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newNotifier(t *testing.T, url string, retries int) *Notifier {
	t.Helper()
	n, err := NewNotifier(NotifierConfig{
		URL:        url,
		Secret:     "whsec_test",
		MaxRetries: retries,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	return n
}

func TestNotify_DeliversSignedEvent(t *testing.T) {
	var gotBody []byte
	var gotSig string
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	n := newNotifier(t, receiver.URL, 0)
	event := Event{ShlID: "abc", AccessCount: 3, Timestamp: time.Now().UTC()}
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Fatalf("unexpected signature header %q", gotSig)
	}
	if !VerifySignature(gotBody, "whsec_test", strings.TrimPrefix(gotSig, "sha256=")) {
		t.Error("signature does not verify against the delivered payload")
	}

	var delivered Event
	if err := json.Unmarshal(gotBody, &delivered); err != nil {
		t.Fatalf("unmarshal delivered event: %v", err)
	}
	if delivered.ShlID != "abc" || delivered.AccessCount != 3 {
		t.Errorf("unexpected event %+v", delivered)
	}
	if delivered.Type != EventTypeAccess {
		t.Errorf("expected event type %q, got %q", EventTypeAccess, delivered.Type)
	}
	if delivered.ID == "" {
		t.Error("expected a generated event id")
	}
}

func TestNotify_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	n := newNotifier(t, receiver.URL, 3)
	if err := n.Notify(context.Background(), Event{ShlID: "abc"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestNotify_ExhaustedRetriesReturnError(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer receiver.Close()

	n := newNotifier(t, receiver.URL, 1)
	err := n.Notify(context.Background(), Event{ShlID: "abc"})
	if err == nil || !strings.Contains(err.Error(), "non-2xx") {
		t.Fatalf("expected a non-2xx error, got %v", err)
	}
}

func TestNewNotifier_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  NotifierConfig
	}{
		{"empty url", NotifierConfig{Secret: "s"}},
		{"relative url", NotifierConfig{URL: "/hooks", Secret: "s"}},
		{"bad scheme", NotifierConfig{URL: "ftp://hooks.example", Secret: "s"}},
		{"missing secret", NotifierConfig{URL: "https://hooks.example"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewNotifier(tc.cfg); err == nil {
				t.Fatal("expected a validation error")
			}
		})
	}
}

func TestVerifySignature_RejectsTamper(t *testing.T) {
	payload := []byte(`{"shlId":"abc"}`)
	sig := SignPayload(payload, "whsec_test")

	if !VerifySignature(payload, "whsec_test", sig) {
		t.Error("expected the genuine signature to verify")
	}
	if VerifySignature([]byte(`{"shlId":"xyz"}`), "whsec_test", sig) {
		t.Error("expected a tampered payload to fail verification")
	}
	if VerifySignature(payload, "other-secret", sig) {
		t.Error("expected a wrong secret to fail verification")
	}
}
