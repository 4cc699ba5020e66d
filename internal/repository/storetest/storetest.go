// Package storetest holds the behavioural suite every repository.Store
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"errtally/internal/domain"
	"errtally/internal/repository"
	"errtally/internal/vars"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) repository.Store

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s repository.Store)
	}{
		{"Apps", testApps},
		{"AppKeyConflict", testAppKeyConflict},
		{"MissingRowsAreNil", testMissingRows},
		{"AttachCreatesThenAttaches", testAttachCreatesThenAttaches},
		{"AttachRoundTripsNotice", testAttachRoundTripsNotice},
		{"EnvironmentsSeparateProblems", testEnvironmentsSeparate},
		{"AttachUnknownApp", testAttachUnknownApp},
		{"DuplicateNoticeLeavesNoTrace", testDuplicateNotice},
		{"ConcurrentAttachOneProblem", testConcurrentAttach},
		{"ResolveAndReopen", testResolveAndReopen},
		{"ListProblems", testListProblems},
		{"ListNotices", testListNotices},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

// ============================================================================
// Fixtures
// ============================================================================

func seedApp(t *testing.T, s repository.Store, id string) *domain.App {
	t.Helper()
	app := &domain.App{
		ID:       id,
		Name:     "app " + id,
		APIKey:   "key-" + id,
		Watchers: []domain.Watcher{{Email: id + "@example.com"}},
	}
	require.NoError(t, s.UpsertApp(context.Background(), app))
	return app
}

func newNotice(id, env string, at time.Time) *domain.Notice {
	envVars := vars.NewMap()
	options := vars.NewMap()
	options.Set("secure", vars.String("false"))
	options.Set("expire_after", vars.Null())
	envVars.Set("rack_session_options", vars.FromMap(options))
	envVars.Set("script_name", vars.Null())

	return &domain.Notice{
		ID:         id,
		ErrorClass: "RuntimeError",
		Message:    "boom",
		Backtrace: []domain.BacktraceFrame{
			{Number: "7", File: "[PROJECT_ROOT]/app/models/user.rb", Method: "save"},
		},
		Request: domain.Request{
			URL:       "http://example.org/users",
			Component: "users",
			Action:    "create",
			Params:    vars.FromMap(nil),
			Session:   vars.FromMap(nil),
		},
		EnvVars:         vars.FromMap(envVars),
		EnvironmentName: env,
		CreatedAt:       at,
	}
}

func attach(t *testing.T, s repository.Store, app *domain.App, n *domain.Notice, fingerprint string) *repository.AttachResult {
	t.Helper()
	n.AppID = app.ID
	res, err := s.AttachNotice(context.Background(), repository.AttachRequest{
		App:         app,
		Notice:      n,
		Fingerprint: fingerprint,
		Where:       "users#create",
	})
	require.NoError(t, err)
	return res
}

// ============================================================================
// Apps
// ============================================================================

func testApps(t *testing.T, s repository.Store) {
	ctx := context.Background()
	app := seedApp(t, s, "a1")
	seedApp(t, s, "a0")

	got, err := s.GetApp(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, app.Name, got.Name)
	assert.Equal(t, app.APIKey, got.APIKey)
	assert.Equal(t, app.Watchers, got.Watchers)
	assert.False(t, got.CreatedAt.IsZero())

	byKey, err := s.GetAppByAPIKey(ctx, "key-a1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "a1", byKey.ID)

	// rename and rotate the key
	app.Name = "renamed"
	app.APIKey = "rotated"
	app.Watchers = nil
	require.NoError(t, s.UpsertApp(ctx, app))

	old, err := s.GetAppByAPIKey(ctx, "key-a1")
	require.NoError(t, err)
	assert.Nil(t, old)

	updated, err := s.GetAppByAPIKey(ctx, "rotated")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "renamed", updated.Name)
	assert.Empty(t, updated.Watchers)
	assert.True(t, updated.CreatedAt.Equal(got.CreatedAt), "created_at survives updates")

	apps, err := s.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "app a0", apps[0].Name)
	assert.Equal(t, "renamed", apps[1].Name)
}

func testAppKeyConflict(t *testing.T, s repository.Store) {
	seedApp(t, s, "a1")
	err := s.UpsertApp(context.Background(), &domain.App{ID: "a2", Name: "other", APIKey: "key-a1"})
	assert.Error(t, err)
}

func testMissingRows(t *testing.T, s repository.Store) {
	ctx := context.Background()

	app, err := s.GetApp(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, app)

	app, err = s.GetAppByAPIKey(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, app)

	n, err := s.GetNotice(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, n)

	e, err := s.GetErr(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, e)

	p, err := s.GetProblem(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, p)

	p, err = s.ResolveProblem(ctx, "nope", base)
	assert.NoError(t, err)
	assert.Nil(t, p)
}

// ============================================================================
// Attach
// ============================================================================

func testAttachCreatesThenAttaches(t *testing.T, s repository.Store) {
	ctx := context.Background()
	app := seedApp(t, s, "a1")

	first := attach(t, s, app, newNotice("n1", "production", base), "fp")
	assert.True(t, first.Created)
	assert.False(t, first.Reopened)
	assert.Equal(t, 1, first.Problem.NoticesCount)
	assert.Equal(t, 1, first.Err.NoticesCount)
	assert.Equal(t, first.Err.ID, first.Notice.ErrID)
	assert.Equal(t, first.Problem.ID, first.Err.ProblemID)
	assert.Equal(t, "app a1", first.Problem.AppName)
	assert.Equal(t, "users#create", first.Problem.Where)

	second := attach(t, s, app, newNotice("n2", "production", base.Add(time.Minute)), "fp")
	assert.False(t, second.Created)
	assert.Equal(t, first.Problem.ID, second.Problem.ID)
	assert.Equal(t, first.Err.ID, second.Err.ID)
	assert.Equal(t, 2, second.Problem.NoticesCount)
	assert.Equal(t, 2, second.Err.NoticesCount)

	p, err := s.GetProblem(ctx, first.Problem.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.NoticesCount)
	assert.True(t, p.FirstNoticeAt.Equal(base), "first notice at %v", p.FirstNoticeAt)
	assert.True(t, p.LastNoticeAt.Equal(base.Add(time.Minute)), "last notice at %v", p.LastNoticeAt)
	assert.Equal(t, "production", p.Environment)
	assert.Equal(t, "RuntimeError", p.ErrorClass)

	errs, err := s.ListErrs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, 2, errs[0].NoticesCount)
	assert.Equal(t, "users", errs[0].Component)
	assert.Equal(t, "create", errs[0].Action)
}

func testAttachRoundTripsNotice(t *testing.T, s repository.Store) {
	ctx := context.Background()
	app := seedApp(t, s, "a1")
	n := newNotice("n1", "production", base)
	n.Notifier = domain.NotifierInfo{Name: "Hoptoad Notifier", Version: "2.3.2"}
	n.ProjectRoot = "/srv/app"
	res := attach(t, s, app, n, "fp")

	got, err := s.GetNotice(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, res.Err.ID, got.ErrID)
	assert.Equal(t, app.ID, got.AppID)
	assert.Equal(t, n.ErrorClass, got.ErrorClass)
	assert.Equal(t, n.Message, got.Message)
	assert.Equal(t, n.Backtrace, got.Backtrace)
	assert.Equal(t, n.Request.URL, got.Request.URL)
	assert.Equal(t, n.Notifier, got.Notifier)
	assert.Equal(t, "/srv/app", got.ProjectRoot)
	assert.True(t, n.EnvVars.Equal(got.EnvVars), "env vars %#v", got.EnvVars)
	assert.True(t, got.CreatedAt.Equal(base))

	e, err := s.GetErr(ctx, got.ErrID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, res.Problem.ID, e.ProblemID)
}

func testEnvironmentsSeparate(t *testing.T, s repository.Store) {
	app := seedApp(t, s, "a1")

	prod := attach(t, s, app, newNotice("n1", "production", base), "fp")
	staging := attach(t, s, app, newNotice("n2", "staging", base), "fp")

	assert.True(t, prod.Created)
	assert.True(t, staging.Created)
	assert.NotEqual(t, prod.Problem.ID, staging.Problem.ID)

	other := seedApp(t, s, "a2")
	otherApp := attach(t, s, other, newNotice("n3", "production", base), "fp")
	assert.True(t, otherApp.Created)
	assert.NotEqual(t, prod.Problem.ID, otherApp.Problem.ID)
}

func testAttachUnknownApp(t *testing.T, s repository.Store) {
	ghost := &domain.App{ID: "ghost", Name: "ghost", APIKey: "ghost"}
	_, err := s.AttachNotice(context.Background(), repository.AttachRequest{
		App:         ghost,
		Notice:      newNotice("n1", "production", base),
		Fingerprint: "fp",
	})
	assert.Error(t, err)

	problems, err := s.ListProblems(context.Background(), repository.ProblemQuery{})
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func testDuplicateNotice(t *testing.T, s repository.Store) {
	ctx := context.Background()
	app := seedApp(t, s, "a1")
	first := attach(t, s, app, newNotice("n1", "production", base), "fp")

	_, err := s.AttachNotice(ctx, repository.AttachRequest{
		App:         app,
		Notice:      newNotice("n1", "production", base),
		Fingerprint: "other-fp",
	})
	require.Error(t, err)

	problems, err := s.ListProblems(ctx, repository.ProblemQuery{})
	require.NoError(t, err)
	require.Len(t, problems, 1, "failed attach must not leave a problem behind")
	assert.Equal(t, first.Problem.ID, problems[0].ID)
	assert.Equal(t, 1, problems[0].NoticesCount)
}

func testConcurrentAttach(t *testing.T, s repository.Store) {
	ctx := context.Background()
	app := seedApp(t, s, "a1")
	const n = 16

	var (
		mu      sync.Mutex
		created int
		ids     = make(map[string]bool)
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			notice := newNotice(fmt.Sprintf("n%d", i), "production", base.Add(time.Duration(i)*time.Second))
			notice.AppID = app.ID
			res, err := s.AttachNotice(gctx, repository.AttachRequest{App: app, Notice: notice, Fingerprint: "fp"})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Created {
				created++
			}
			ids[res.Problem.ID] = true
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, created, "exactly one attach creates the problem")
	assert.Len(t, ids, 1)

	problems, err := s.ListProblems(ctx, repository.ProblemQuery{})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, n, problems[0].NoticesCount)
	assert.True(t, problems[0].LastNoticeAt.Equal(base.Add((n-1)*time.Second)))
}

func testResolveAndReopen(t *testing.T, s repository.Store) {
	ctx := context.Background()
	app := seedApp(t, s, "a1")
	first := attach(t, s, app, newNotice("n1", "production", base), "fp")

	resolvedAt := base.Add(time.Hour)
	p, err := s.ResolveProblem(ctx, first.Problem.ID, resolvedAt)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Resolved)
	require.NotNil(t, p.ResolvedAt)
	assert.True(t, p.ResolvedAt.Equal(resolvedAt))

	again := attach(t, s, app, newNotice("n2", "production", base.Add(2*time.Hour)), "fp")
	assert.False(t, again.Created)
	assert.True(t, again.Reopened)
	assert.False(t, again.Problem.Resolved)
	assert.Nil(t, again.Problem.ResolvedAt)
	assert.Equal(t, first.Problem.ID, again.Problem.ID)

	more := attach(t, s, app, newNotice("n3", "production", base.Add(3*time.Hour)), "fp")
	assert.False(t, more.Reopened)
	assert.Equal(t, 3, more.Problem.NoticesCount)
}

// ============================================================================
// Listing
// ============================================================================

func testListProblems(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a1 := seedApp(t, s, "a1")
	a2 := seedApp(t, s, "a2")

	old := attach(t, s, a1, newNotice("n1", "production", base), "fp-old")
	recent := attach(t, s, a1, newNotice("n2", "production", base.Add(time.Hour)), "fp-new")
	staging := attach(t, s, a1, newNotice("n3", "staging", base.Add(30*time.Minute)), "fp-old")
	other := attach(t, s, a2, newNotice("n4", "production", base.Add(2*time.Hour)), "fp-old")

	_, err := s.ResolveProblem(ctx, old.Problem.ID, base.Add(3*time.Hour))
	require.NoError(t, err)

	ids := func(ps []*domain.Problem) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p.ID
		}
		return out
	}

	all, err := s.ListProblems(ctx, repository.ProblemQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{other.Problem.ID, recent.Problem.ID, staging.Problem.ID, old.Problem.ID}, ids(all))

	byApp, err := s.ListProblems(ctx, repository.ProblemQuery{AppID: a1.ID, Environment: "production"})
	require.NoError(t, err)
	assert.Equal(t, []string{recent.Problem.ID, old.Problem.ID}, ids(byApp))

	unresolved := false
	open, err := s.ListProblems(ctx, repository.ProblemQuery{AppID: a1.ID, Resolved: &unresolved})
	require.NoError(t, err)
	assert.Equal(t, []string{recent.Problem.ID, staging.Problem.ID}, ids(open))

	resolved := true
	closed, err := s.ListProblems(ctx, repository.ProblemQuery{Resolved: &resolved})
	require.NoError(t, err)
	assert.Equal(t, []string{old.Problem.ID}, ids(closed))

	paged, err := s.ListProblems(ctx, repository.ProblemQuery{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{recent.Problem.ID, staging.Problem.ID}, ids(paged))

	beyond, err := s.ListProblems(ctx, repository.ProblemQuery{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func testListNotices(t *testing.T, s repository.Store) {
	ctx := context.Background()
	app := seedApp(t, s, "a1")

	var res *repository.AttachResult
	for i := 0; i < 5; i++ {
		res = attach(t, s, app, newNotice(fmt.Sprintf("n%d", i), "production", base.Add(time.Duration(i)*time.Minute)), "fp")
	}

	noticeIDs := func(ns []*domain.Notice) []string {
		out := make([]string, len(ns))
		for i, n := range ns {
			out[i] = n.ID
		}
		return out
	}

	byErr, err := s.ListNotices(ctx, repository.NoticeQuery{ErrID: res.Err.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4"}, noticeIDs(byErr))

	recent, err := s.ListNotices(ctx, repository.NoticeQuery{ProblemID: res.Problem.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n4"}, noticeIDs(recent))

	_, err = s.ListNotices(ctx, repository.NoticeQuery{})
	assert.Error(t, err)
}
