package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errtally/internal/domain"
	"errtally/internal/repository"
	"errtally/internal/repository/storetest"
	"errtally/internal/vars"
)

// ============================================================================
// Test Helpers
// ============================================================================

// newTestRepo creates a file-backed repository in a temp dir so concurrent
// connections share one database
func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(filepath.Join(t.TempDir(), "errtally.db"))
	require.NoError(t, err)
	return repo
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store {
		return newTestRepo(t)
	})
}

func TestInMemoryDatabase(t *testing.T) {
	repo, err := New(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.UpsertApp(ctx, &domain.App{ID: "a1", Name: "shop", APIKey: "k"}))

	app, err := repo.GetAppByAPIKey(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.Equal(t, "shop", app.Name)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errtally.db")
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

	repo, err := New(path)
	require.NoError(t, err)

	app := &domain.App{ID: "a1", Name: "shop", APIKey: "k", Watchers: []domain.Watcher{{Email: "ops@example.com"}}}
	require.NoError(t, repo.UpsertApp(ctx, app))

	env := vars.NewMap()
	env.Set("SCRIPT_NAME", vars.Null())
	res, err := repo.AttachNotice(ctx, repository.AttachRequest{
		App: app,
		Notice: &domain.Notice{
			ID:              "n1",
			AppID:           "a1",
			ErrorClass:      "RuntimeError",
			Message:         "boom",
			EnvVars:         vars.FromMap(env),
			EnvironmentName: "production",
			CreatedAt:       at,
		},
		Fingerprint: "fp",
	})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	// migrate runs again on an existing schema
	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	p, err := reopened.GetProblem(ctx, res.Problem.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.NoticesCount)
	assert.Equal(t, "shop", p.AppName)
	assert.True(t, p.FirstNoticeAt.Equal(at), "nanoseconds survive: %v", p.FirstNoticeAt)

	n, err := reopened.GetNotice(ctx, "n1")
	require.NoError(t, err)
	require.NotNil(t, n)
	script, ok := n.EnvVars.Lookup("SCRIPT_NAME")
	require.True(t, ok)
	assert.True(t, script.IsNull())

	got, err := reopened.GetApp(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, app.Watchers, got.Watchers)
}

func TestAttachCancelledContextWritesNothing(t *testing.T) {
	repo := newTestRepo(t)
	defer repo.Close()

	app := &domain.App{ID: "a1", Name: "shop", APIKey: "k"}
	require.NoError(t, repo.UpsertApp(context.Background(), app))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := repo.AttachNotice(ctx, repository.AttachRequest{
		App:         app,
		Notice:      &domain.Notice{ID: "n1", AppID: "a1", ErrorClass: "E", Message: "m", EnvironmentName: "production"},
		Fingerprint: "fp",
	})
	require.Error(t, err)

	problems, err := repo.ListProblems(context.Background(), repository.ProblemQuery{})
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestTimeLayoutSortsAsText(t *testing.T) {
	early := formatTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	late := formatTime(time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC))
	assert.Less(t, early, late)

	parsed, err := parseTime(late)
	require.NoError(t, err)
	assert.Equal(t, 500_000_000, parsed.Nanosecond())
}
