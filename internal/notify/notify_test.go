package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"errtally/internal/domain"
)

// recordingMailer captures sent notifications
type recordingMailer struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (m *recordingMailer) Name() string { return "recording" }

func (m *recordingMailer) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return m.err
}

func (m *recordingMailer) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "boom", 50, "boom"},
		{"exact", strings.Repeat("a", 50), 50, strings.Repeat("a", 50)},
		{"long", strings.Repeat("a", 51), 50, strings.Repeat("a", 47) + "..."},
		{"multibyte", strings.Repeat("é", 60), 50, strings.Repeat("é", 47) + "..."},
		{"tiny limit", "abcdef", 2, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len([]rune(got)), tt.limit)
		})
	}
}

func TestSubject(t *testing.T) {
	msg := `HoptoadTestingException: Testing hoptoad via "rake hoptoad:test". If you can see this, it works.`

	subject := Subject("shop", "production", msg)

	assert.True(t, strings.HasPrefix(subject, "[shop][production] "))
	assert.Contains(t, subject, Truncate(msg, 50))
	assert.Equal(t, `[shop][production] HoptoadTestingException: Testing hoptoad via "r...`, subject)
}

func TestNewNotification(t *testing.T) {
	app := &domain.App{ID: "a1", Name: "shop", Watchers: []domain.Watcher{{Email: "ops@example.com"}}}
	problem := &domain.Problem{ID: "p1", Where: "users#show"}
	notice := &domain.Notice{ID: "n1", ErrID: "e1", ErrorClass: "RuntimeError", Message: "boom", EnvironmentName: "staging"}

	n := NewNotification(app, problem, notice, "http://errtally.local/apps/a1/problems/p1")

	assert.Equal(t, []string{"ops@example.com"}, n.Recipients)
	assert.Equal(t, "[shop][staging] boom", n.Subject)
	assert.Equal(t, "p1", n.ProblemID)
	assert.Equal(t, "n1", n.NoticeID)
	assert.Equal(t, "e1", n.ErrID)
	assert.Equal(t, "users#show", n.Where)
	assert.Equal(t, "http://errtally.local/apps/a1/problems/p1", n.ProblemURL)
}

func TestDispatcherDeliversQueued(t *testing.T) {
	mailer := &recordingMailer{}
	d := NewDispatcher(mailer, zap.NewNop(), Options{Workers: 2, QueueSize: 4})
	d.Start()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, d.Dispatch(context.Background(), Notification{
			AppID: "a1", ProblemID: id, Recipients: []string{"ops@example.com"},
		}))
	}
	require.NoError(t, d.Close())

	sent := mailer.Sent()
	require.Len(t, sent, 3)
	ids := map[string]bool{}
	for _, n := range sent {
		ids[n.ProblemID] = true
	}
	assert.Equal(t, map[string]bool{"p1": true, "p2": true, "p3": true}, ids)
}

func TestDispatcherSkipsWithoutRecipients(t *testing.T) {
	mailer := &recordingMailer{}
	d := NewDispatcher(mailer, zap.NewNop(), Options{})
	d.Start()

	require.NoError(t, d.Dispatch(context.Background(), Notification{ProblemID: "p1"}))
	require.NoError(t, d.Close())
	assert.Empty(t, mailer.Sent())
}

func TestDispatchAfterClose(t *testing.T) {
	d := NewDispatcher(&recordingMailer{}, zap.NewNop(), Options{})
	d.Start()
	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close is idempotent")

	err := d.Dispatch(context.Background(), Notification{Recipients: []string{"x@example.com"}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatchRespectsContextWhenFull(t *testing.T) {
	// no Start: nothing drains the queue
	d := NewDispatcher(&recordingMailer{}, zap.NewNop(), Options{QueueSize: 1})
	n := Notification{Recipients: []string{"x@example.com"}}
	require.NoError(t, d.Dispatch(context.Background(), n))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Dispatch(ctx, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcherThrottlesWithoutDropping(t *testing.T) {
	mailer := &recordingMailer{}
	// 600/min = one token every 100ms, burst 60
	d := NewDispatcher(mailer, zap.NewNop(), Options{Workers: 1, QueueSize: 100, RatePerMinute: 600})
	d.Start()

	for i := 0; i < 70; i++ {
		require.NoError(t, d.Dispatch(context.Background(), Notification{
			AppID: "a1", Recipients: []string{"ops@example.com"},
		}))
	}
	require.NoError(t, d.Close())
	assert.Len(t, mailer.Sent(), 70)
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer(zap.NewNop())
	assert.Equal(t, "log", m.Name())
	assert.NoError(t, m.Send(context.Background(), Notification{}))
	assert.NoError(t, m.Send(context.Background(), Notification{Recipients: []string{"a@example.com"}}))
}

func TestWebhookMailerPostsEnvelope(t *testing.T) {
	var got WebhookEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m, err := NewWebhookMailer(zap.NewNop(), WebhookConfig{URL: srv.URL})
	require.NoError(t, err)

	err = m.Send(context.Background(), Notification{
		Recipients: []string{"ops@example.com"},
		Subject:    "[shop][production] boom",
		ProblemID:  "p1",
	})
	require.NoError(t, err)

	assert.Equal(t, "errtally.problem.created", got.Type)
	assert.Equal(t, "1", got.SchemaVersion)
	assert.Equal(t, "p1", got.Data.ProblemID)
	assert.Equal(t, []string{"ops@example.com"}, got.Data.Recipients)
}

func TestWebhookMailerRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, err := NewWebhookMailer(zap.NewNop(), WebhookConfig{URL: srv.URL, MaxRetries: 3, InitialInterval: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), Notification{Recipients: []string{"a@example.com"}}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookMailerClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	m, err := NewWebhookMailer(zap.NewNop(), WebhookConfig{URL: srv.URL, MaxRetries: 3, InitialInterval: time.Millisecond})
	require.NoError(t, err)

	err = m.Send(context.Background(), Notification{Recipients: []string{"a@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookMailerGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewWebhookMailer(zap.NewNop(), WebhookConfig{URL: srv.URL, MaxRetries: 2, InitialInterval: time.Millisecond})
	require.NoError(t, err)

	require.Error(t, m.Send(context.Background(), Notification{Recipients: []string{"a@example.com"}}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewWebhookMailerValidatesURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://relay.local/hook", "http://", "://bad"} {
		_, err := NewWebhookMailer(zap.NewNop(), WebhookConfig{URL: raw})
		assert.Error(t, err, "url %q", raw)
	}
}
