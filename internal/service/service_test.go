package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"errtally/internal/config"
	"errtally/internal/domain"
	"errtally/internal/notify"
	"errtally/internal/repository"
	"errtally/internal/repository/memory"
)

const noticeTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<notice version="2.0">
  <api-key>%s</api-key>
  <error>
    <class>%s</class>
    <message>%s</message>
    <backtrace>
      <line method="show" file="[PROJECT_ROOT]/app/controllers/users_controller.rb" number="%d"/>
    </backtrace>
  </error>
  <request>
    <url>http://shop.example.com/users/1</url>
    <component>users</component>
    <action>show</action>
  </request>
  <server-environment>
    <environment-name>%s</environment-name>
  </server-environment>
</notice>`

func noticeXML(apiKey, class, message, env string, line int) []byte {
	return []byte(fmt.Sprintf(noticeTemplate, apiKey, class, message, line, env))
}

// fakeNotifier records dispatched notifications
type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (f *fakeNotifier) Dispatch(_ context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return f.err
}

func (f *fakeNotifier) Sent() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Notification(nil), f.sent...)
}

type fixture struct {
	store    *memory.Store
	events   *EventBus
	notifier *fakeNotifier
	notices  *NoticeService
	problems *ProblemService
	locator  *Locator
	app      *domain.App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	events := NewEventBus()
	notifier := &fakeNotifier{}
	logger := zap.NewNop()

	apps, err := NewAppService(store, events, logger).Sync(context.Background(), []config.AppConfig{
		{Name: "shop", APIKey: "APIKEY", Watchers: []string{"ops@example.com", "dev@example.com"}},
	})
	require.NoError(t, err)

	return &fixture{
		store:    store,
		events:   events,
		notifier: notifier,
		notices:  NewNoticeService(store, notifier, events, Links{BaseURL: "http://errtally.local/"}, logger),
		problems: NewProblemService(store, events, logger),
		locator:  NewLocator(store),
		app:      apps[0],
	}
}

func TestReportErrorFixture(t *testing.T) {
	f := newFixture(t)
	raw, err := os.ReadFile("../xmlvar/testdata/notice.xml")
	require.NoError(t, err)

	report, err := f.notices.ReportError(context.Background(), raw)
	require.NoError(t, err)

	assert.True(t, report.Created)
	assert.Equal(t, "HoptoadTestingException", report.Notice.ErrorClass)
	assert.Equal(t, "development", report.Notice.EnvironmentName)
	assert.Equal(t, f.app.ID, report.Problem.AppID)
	assert.Equal(t, report.Err.ID, report.Notice.ErrID)
	assert.Equal(t, 1, report.Problem.NoticesCount)

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, sent[0].Recipients)
	assert.Equal(t, `[shop][development] HoptoadTestingException: Testing hoptoad via "r...`, sent[0].Subject)
	assert.Equal(t, "http://errtally.local/apps/"+f.app.ID+"/problems/"+report.Problem.ID, sent[0].ProblemURL)
}

func TestReportErrorNotifiesOnlyOnCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "RuntimeError", "user 1 missing", "production", 10))
	require.NoError(t, err)
	second, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "RuntimeError", "user 2 missing", "production", 11))
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Problem.ID, second.Problem.ID)
	assert.Equal(t, 2, second.Problem.NoticesCount)
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestReportErrorConcurrentBurstNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	const n = 40

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "Timeout::Error", fmt.Sprintf("execution expired after %ds", i), "production", 20))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, f.notifier.Sent(), 1)
	problems, err := f.problems.List(context.Background(), repository.ProblemQuery{})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, n, problems[0].NoticesCount)
}

func TestReportErrorRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"malformed", []byte("<notice><error>"), domain.ErrMalformedInput},
		{"empty body", nil, domain.ErrMalformedInput},
		{"unknown key", noticeXML("NOPE", "E", "m", "production", 1), domain.ErrUnauthorized},
		{"missing key", noticeXML("", "E", "m", "production", 1), domain.ErrUnauthorized},
		{"missing class", noticeXML("APIKEY", "", "m", "production", 1), domain.ErrValidation},
		{"missing message", noticeXML("APIKEY", "E", "", "production", 1), domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.notices.ReportError(ctx, tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	problems, err := f.problems.List(ctx, repository.ProblemQuery{})
	require.NoError(t, err)
	assert.Empty(t, problems, "rejected submissions leave no state")
	assert.Empty(t, f.notifier.Sent())
}

func TestReportErrorDispatchFailureKeepsReport(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = notify.ErrClosed

	report, err := f.notices.ReportError(context.Background(), noticeXML("APIKEY", "E", "m", "production", 1))
	require.NoError(t, err)
	assert.True(t, report.Created)
}

func TestReportErrorPublishesEvents(t *testing.T) {
	f := newFixture(t)
	ch := make(chan Event, 8)
	f.events.Subscribe(ch)
	defer f.events.Unsubscribe(ch)

	_, err := f.notices.ReportError(context.Background(), noticeXML("APIKEY", "E", "m", "production", 1))
	require.NoError(t, err)

	var types []EventType
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []EventType{EventNoticeReceived, EventProblemCreated}, types)
}

func TestLocate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prod, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "E", "m", "production", 1))
	require.NoError(t, err)
	staging, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "E", "m", "staging", 1))
	require.NoError(t, err)
	require.NotEqual(t, prod.Problem.ID, staging.Problem.ID)

	got, err := f.locator.Locate(ctx, staging.Notice.ID)
	require.NoError(t, err)
	assert.Equal(t, staging.Problem.ID, got.ID)
	assert.Equal(t, "staging", got.Environment)

	_, err = f.locator.Locate(ctx, "no-such-notice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProblemGetResolveAndReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "E", "m", "production", 1))
	require.NoError(t, err)

	detail, err := f.problems.Get(ctx, f.app.ID, report.Problem.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Errs, 1)
	require.Len(t, detail.Notices, 1)
	assert.Equal(t, report.Notice.ID, detail.Notices[0].ID)

	_, err = f.problems.Get(ctx, "other-app", report.Problem.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	resolved, err := f.problems.Resolve(ctx, report.Problem.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)

	_, err = f.problems.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	again, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "E", "m", "production", 1))
	require.NoError(t, err)
	assert.False(t, again.Created, "reopening is not a creation")
	assert.False(t, again.Problem.Resolved)
	assert.Len(t, f.notifier.Sent(), 1)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, env := range []string{"production", "staging"} {
		_, err := f.notices.ReportError(ctx, noticeXML("APIKEY", "E", "m", env, i))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, f.problems.Export(ctx, "yaml", repository.ProblemQuery{AppID: f.app.ID}, &buf))
	assert.Contains(t, buf.String(), "environment: production")
	assert.Contains(t, buf.String(), "environment: staging")

	err := f.problems.Export(ctx, "xml", repository.ProblemQuery{}, &buf)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAppSync(t *testing.T) {
	store := memory.New()
	svc := NewAppService(store, nil, zap.NewNop())
	ctx := context.Background()

	apps, err := svc.Sync(ctx, []config.AppConfig{
		{Name: "shop", APIKey: " k1 ", Watchers: []string{"a@example.com", "", "A@example.com", "b@example.com"}},
	})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, AppID("k1"), apps[0].ID)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, apps[0].WatcherEmails())

	// resync with new watchers keeps the id
	_, err = svc.Sync(ctx, []config.AppConfig{{Name: "shop", APIKey: "k1"}})
	require.NoError(t, err)
	stored, err := store.GetAppByAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, AppID("k1"), stored.ID)
	assert.Empty(t, stored.Watchers)

	_, err = svc.Sync(ctx, []config.AppConfig{{Name: "blog"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLinks(t *testing.T) {
	l := Links{BaseURL: "https://errors.example.com/"}
	assert.Equal(t, "https://errors.example.com/locate/n1", l.Locate("n1"))
	assert.Equal(t, "https://errors.example.com/apps/a%20b/problems/p1", l.Problem("a b", "p1"))
}

func TestEventBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewEventBus()
	slow := make(chan Event)
	fast := make(chan Event, 1)
	bus.Subscribe(slow)
	bus.Subscribe(fast)

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventAppsReloaded})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, EventAppsReloaded, (<-fast).Type)

	var nilBus *EventBus
	nilBus.Publish(Event{Type: EventAppsReloaded})
}
