package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/internal/metrics"
)

type memoryStore struct {
	mu    sync.Mutex
	saved []domain.Notification
	err   error
}

func (s *memoryStore) Create(_ context.Context, n domain.Notification) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, n)
	return fmt.Sprintf("n-%d", len(s.saved)), nil
}

type published struct {
	subject string
	data    []byte
}

type memoryEvents struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (e *memoryEvents) Publish(_ context.Context, subject string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.msgs = append(e.msgs, published{subject: subject, data: data})
	return nil
}

func notification(userID string) domain.Notification {
	return domain.Notification{
		UserID:            userID,
		Type:              domain.NotifyCeoApprovalRequired,
		Title:             "CEO approval required",
		Message:           "Fee performance awaits approval",
		RelatedEntityType: "fee_performance",
		RelatedEntityID:   "perf-1",
		Priority:          domain.PriorityHigh,
	}
}

func TestDispatcherStoresThenPublishes(t *testing.T) {
	store := &memoryStore{}
	events := &memoryEvents{}
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(2, store, NewNotificationPublisher(events, zerolog.Nop()), m, zerolog.Nop())

	for _, u := range []string{"ceo-1", "ceo-2", "ceo-3"} {
		require.NoError(t, d.Notify(context.Background(), notification(u)))
	}
	d.Close()

	assert.Len(t, store.saved, 3)
	require.Len(t, events.msgs, 3)
	for _, msg := range events.msgs {
		assert.Equal(t, "notifications.feegov.ceo_approval_required", msg.subject)

		var ev NotificationEvent
		require.NoError(t, json.Unmarshal(msg.data, &ev))
		assert.Equal(t, "CEO_APPROVAL_REQUIRED", ev.EventType)
		assert.True(t, ev.IsActionable)
		assert.Equal(t, "warning", ev.Severity)
		assert.Equal(t, "perf-1", ev.ResourceID)
		assert.Len(t, ev.Recipients, 1)
		assert.NotEmpty(t, ev.NotificationID)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `feegov_notifications_total{outcome="success",type="CEO_APPROVAL_REQUIRED"} 3`)
}

func TestDispatcherSkipsPublishWhenStoreFails(t *testing.T) {
	store := &memoryStore{err: stderrors.New("db down")}
	events := &memoryEvents{}
	d := NewDispatcher(1, store, NewNotificationPublisher(events, zerolog.Nop()), nil, zerolog.Nop())

	require.NoError(t, d.Notify(context.Background(), notification("ceo-1")))
	d.Close()

	assert.Empty(t, events.msgs)
}

func TestDispatcherPublishFailureIsNotFatal(t *testing.T) {
	store := &memoryStore{}
	events := &memoryEvents{err: stderrors.New("no responders")}
	d := NewDispatcher(1, store, NewNotificationPublisher(events, zerolog.Nop()), nil, zerolog.Nop())

	require.NoError(t, d.Notify(context.Background(), notification("ceo-1")))
	d.Close()

	assert.Len(t, store.saved, 1)
}

func TestDispatcherWithoutPublisher(t *testing.T) {
	store := &memoryStore{}
	d := NewDispatcher(1, store, nil, nil, zerolog.Nop())

	require.NoError(t, d.Notify(context.Background(), notification("ceo-1")))
	d.Close()

	assert.Len(t, store.saved, 1)
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	d := NewDispatcher(1, &memoryStore{}, nil, nil, zerolog.Nop())
	d.Close()

	err := d.Notify(context.Background(), notification("ceo-1"))
	assert.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestCanceledCallerContextStillDelivers(t *testing.T) {
	store := &memoryStore{}
	d := NewDispatcher(1, store, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Notify(ctx, notification("ceo-1")))
	cancel()
	d.Close()

	assert.Len(t, store.saved, 1)
}

func TestNotificationClassification(t *testing.T) {
	assert.Equal(t, "notifications.feegov.threshold_set", Subject(domain.NotifyThresholdSet))
	assert.False(t, actionable(domain.NotifyCeoDecision))
	assert.True(t, actionable(domain.NotifyMakerCheckerPending))
	assert.Equal(t, "info", severity(domain.PriorityNormal))
	assert.Equal(t, "warning", severity(domain.PriorityCritical))
}
