package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pitabwire/approvals/internal/notify"
)

// WebhookSink is a stand-in notification endpoint. It records every payload
// it accepts and can be switched to fail.
type WebhookSink struct {
	server  *httptest.Server
	failing atomic.Bool

	mu       sync.Mutex
	payloads []notify.WebhookPayload
}

func newWebhookSink(t *testing.T) *WebhookSink {
	t.Helper()
	s := &WebhookSink{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var p notify.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the sink address.
func (s *WebhookSink) URL() string { return s.server.URL }

// SetFailing makes the sink answer 503 to every request.
func (s *WebhookSink) SetFailing(v bool) { s.failing.Store(v) }

// Requested returns the approver ids of every approval_requested payload
// received so far, in arrival order.
func (s *WebhookSink) Requested() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]string
	for _, p := range s.payloads {
		if p.Kind == notify.KindApprovalRequested {
			out = append(out, p.ApproverIDs)
		}
	}
	return out
}
