package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsrlabs/bastion/pkg/events"
	"github.com/dsrlabs/bastion/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// recorder counts deliveries
type recorder struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recorder) Notify(ctx context.Context, subject, message string, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}

func TestLimitedCollapsesStorm(t *testing.T) {
	rec := &recorder{}
	limited := NewLimited(rec, 5)

	for i := 0; i < 50; i++ {
		limited.Notify(context.Background(), "breaker.opened", "instance a", nil)
	}
	// Burst admits the bucket size, the rest are dropped
	assert.Equal(t, 5, rec.count())
}

func TestWebhookNotifierPosts(t *testing.T) {
	received := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL)
	n.Notify(context.Background(), "disaster.detected", "primary site down", map[string]string{"site": "manila"})

	select {
	case payload := <-received:
		assert.Equal(t, "disaster.detected", payload.Subject)
		assert.Equal(t, "manila", payload.Metadata["site"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the alert")
	}
}

func TestWebhookNotifierSwallowsFailure(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1/unreachable")
	// Must not panic or block
	n.Notify(context.Background(), "backup.failed", "boom", nil)
}

func TestForwarderFiltersEventTypes(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	rec := &recorder{}
	f := NewForwarder(broker, rec)
	f.Start()
	defer f.Stop()

	broker.Publish(&events.Event{ID: "1", Type: events.EventBreakerOpened, Message: "a opened"})
	broker.Publish(&events.Event{ID: "2", Type: events.EventInstanceRegistered, Message: "noise"})
	broker.Publish(&events.Event{ID: "3", Type: events.EventDisasterDetected, Message: "site down"})

	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"breaker.opened", "disaster.detected"}, rec.subjects)
}
