package grouping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"errtally/internal/domain"
	"errtally/internal/repository"
	"errtally/internal/repository/memory"
)

func notice(id, class, message string) *domain.Notice {
	return &domain.Notice{
		ID:              id,
		ErrorClass:      class,
		Message:         message,
		EnvironmentName: "production",
		Backtrace: []domain.BacktraceFrame{
			{Number: "12", File: "[GEM_ROOT]/gems/activerecord/lib/base.rb", Method: "find"},
			{Number: "40", File: "[PROJECT_ROOT]/app/models/user.rb", Method: "load"},
		},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "undefined method `name' for nil", "undefined method `name' for nil"},
		{"object inspect", "undefined method for #<User:0x007f9a8c0b1e28>", "undefined method for #<User>"},
		{"object with ivars", `bad #<Order id: 12, total: 3>`, "bad #<Order>"},
		{"hex address", "segfault at 0xdeadbeef", "segfault at <addr>"},
		{"uuid", "order 3f2504e0-4f89-11d3-9a0c-0305e82c3301 missing", "order <uuid> missing"},
		{"timestamp", "lock held since 2024-05-01T12:00:00Z", "lock held since <time>"},
		{"timestamp with offset", "at 2024-05-01 12:00:00 +0200 failed", "at <time> failed"},
		{"digest", "etag 9e107d9d372bb6826bd81d3542a419d6 stale", "etag <hex> stale"},
		{"digits", "Couldn't find User with id=42", "Couldn't find User with id=N"},
		{"whitespace", "  too   many\n spaces ", "too many spaces"},
		{"hex letters only word", "facadebeefcafebabe is a word", "facadebeefcafebabe is a word"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMessage(tt.in))
		})
	}
}

func TestHeadFramePrefersProjectCode(t *testing.T) {
	f, ok := HeadFrame(notice("n", "E", "m").Backtrace)
	require.True(t, ok)
	assert.Equal(t, "load", f.Method)

	f, ok = HeadFrame([]domain.BacktraceFrame{{File: "/usr/lib/ruby/x.rb", Method: "a"}})
	require.True(t, ok)
	assert.Equal(t, "a", f.Method)

	_, ok = HeadFrame(nil)
	assert.False(t, ok)
}

func TestFingerprintStableUnderNoise(t *testing.T) {
	a := notice("a", "ActiveRecord::RecordNotFound", "Couldn't find User with id=42 at 0x7f00aa")
	b := notice("b", "ActiveRecord::RecordNotFound", "Couldn't find User with id=977 at 0x7f11bb")
	b.Backtrace[1].Number = "41"
	b.CreatedAt = a.CreatedAt.Add(time.Hour)

	assert.Equal(t, Fingerprint("app", a), Fingerprint("app", b))
	assert.Len(t, Fingerprint("app", a), 64)
}

func TestFingerprintDistinguishes(t *testing.T) {
	base := notice("a", "RuntimeError", "boom")

	otherClass := notice("b", "ArgumentError", "boom")
	otherMessage := notice("c", "RuntimeError", "kaboom")
	otherEnv := notice("d", "RuntimeError", "boom")
	otherEnv.EnvironmentName = "staging"
	otherFrame := notice("e", "RuntimeError", "boom")
	otherFrame.Backtrace[1].Method = "save"

	fp := Fingerprint("app", base)
	assert.NotEqual(t, fp, Fingerprint("other-app", base))
	assert.NotEqual(t, fp, Fingerprint("app", otherClass))
	assert.NotEqual(t, fp, Fingerprint("app", otherMessage))
	assert.NotEqual(t, fp, Fingerprint("app", otherEnv))
	assert.NotEqual(t, fp, Fingerprint("app", otherFrame))
}

func TestSignaturePartsCannotBleed(t *testing.T) {
	a := &domain.Notice{ErrorClass: "A\nB", Message: "C#", EnvironmentName: "production"}
	b := &domain.Notice{
		ErrorClass:      "A",
		Message:         "B",
		EnvironmentName: "production",
		Backtrace:       []domain.BacktraceFrame{{File: "C"}},
	}
	assert.NotEqual(t, Signature(a), Signature(b))
	assert.NotEqual(t, Fingerprint("app", a), Fingerprint("app", b))

	c := &domain.Notice{ErrorClass: "E", Message: "m", Backtrace: []domain.BacktraceFrame{{File: "a#b", Method: "c"}}}
	d := &domain.Notice{ErrorClass: "E", Message: "m", Backtrace: []domain.BacktraceFrame{{File: "a", Method: "b#c"}}}
	assert.NotEqual(t, Signature(c), Signature(d))
}

func TestWhere(t *testing.T) {
	n := notice("a", "E", "m")
	assert.Equal(t, "[PROJECT_ROOT]/app/models/user.rb:40", Where(n))

	n.Request.Component = "users"
	n.Request.Action = "show"
	assert.Equal(t, "users#show", Where(n))

	assert.Equal(t, "", Where(&domain.Notice{}))
}

func TestKeyLockRespectsContext(t *testing.T) {
	l := NewKeyLock(1)
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
}

func newEngine(t *testing.T) (*Engine, *memory.Store, *domain.App) {
	t.Helper()
	store := memory.New()
	app := &domain.App{ID: "app-1", Name: "shop", APIKey: "k"}
	require.NoError(t, store.UpsertApp(context.Background(), app))
	return NewEngine(store, zap.NewNop()), store, app
}

func TestGroupCreatesOnceThenAttaches(t *testing.T) {
	engine, _, app := newEngine(t)
	ctx := context.Background()

	first, err := engine.Group(ctx, app, notice("n1", "RuntimeError", "boom for id=1"))
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := engine.Group(ctx, app, notice("n2", "RuntimeError", "boom for id=2"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Problem.ID, second.Problem.ID)
	assert.Equal(t, 2, second.Problem.NoticesCount)

	other, err := engine.Group(ctx, app, notice("n3", "ArgumentError", "boom for id=3"))
	require.NoError(t, err)
	assert.True(t, other.Created)
	assert.NotEqual(t, first.Problem.ID, other.Problem.ID)
}

func TestGroupConcurrentSameFingerprint(t *testing.T) {
	engine, store, app := newEngine(t)
	const n = 50

	var (
		mu       sync.Mutex
		created  int
		problems = make(map[string]bool)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := engine.Group(ctx, app, notice(fmt.Sprintf("n%d", i), "RuntimeError", fmt.Sprintf("timeout after %dms", i)))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Created {
				created++
			}
			problems[res.Problem.ID] = true
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, created)
	assert.Len(t, problems, 1)

	all, err := store.ListProblems(context.Background(), repository.ProblemQuery{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, n, all[0].NoticesCount)
}

type failingStore struct{ err error }

func (f failingStore) AttachNotice(context.Context, repository.AttachRequest) (*repository.AttachResult, error) {
	return nil, f.err
}

func TestGroupWrapsStoreFailures(t *testing.T) {
	app := &domain.App{ID: "app-1"}

	engine := NewEngine(failingStore{err: errors.New("disk I/O error")}, zap.NewNop())
	_, err := engine.Group(context.Background(), app, notice("n", "E", "m"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	engine = NewEngine(failingStore{err: context.Canceled}, zap.NewNop())
	_, err = engine.Group(context.Background(), app, notice("n", "E", "m"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrPersistence)
}

func TestGroupCancelledBeforeCommit(t *testing.T) {
	engine, store, app := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Group(ctx, app, notice("n1", "E", "m"))
	require.Error(t, err)

	n, err := store.GetNotice(context.Background(), "n1")
	require.NoError(t, err)
	assert.Nil(t, n)
}
