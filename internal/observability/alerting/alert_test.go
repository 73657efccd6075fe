package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "BountyMesh/internal/errors"
)

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return Channel("broken") }

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("down") }

func TestFanoutDeliversToAllChannels(t *testing.T) {
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fanout := NewFanout(LogNotifier{}, &WebhookNotifier{URL: srv.URL, Client: srv.Client()}, failingNotifier{})
	err := fanout.Notify(context.Background(), Event{
		Code:     xerrors.CodeAnomaly,
		Message:  "failed treasury transaction",
		Severity: xerrors.SeverityCritical,
		Subject:  "0xabc",
	})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected broken channel error, got %v", err)
	}
	if received.Code != xerrors.CodeAnomaly || received.Subject != "0xabc" {
		t.Fatalf("webhook payload mismatch: %+v", received)
	}
	if received.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be filled")
	}
}

func TestWebhookReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: xerrors.CodeAnomaly}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestFromErrorUsesRegisteredAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeAnomaly, "1 anomaly", xerrors.WithMetadata("reference", "0xdead"))
	event := FromError(err, "treasury")
	if event.Severity != xerrors.SeverityCritical || event.Message != "1 anomaly" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["reference"] != "0xdead" {
		t.Fatalf("metadata not carried: %+v", event.Metadata)
	}
}
