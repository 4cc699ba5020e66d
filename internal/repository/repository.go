package repository

import (
	"context"
	"time"

	"errtally/internal/domain"
)

// Store defines the persistence contract for apps, problems, errs and notices.
// Lookups of missing rows return (nil, nil).
type Store interface {
	// Apps
	UpsertApp(ctx context.Context, app *domain.App) error
	GetApp(ctx context.Context, id string) (*domain.App, error)
	GetAppByAPIKey(ctx context.Context, apiKey string) (*domain.App, error)
	ListApps(ctx context.Context) ([]*domain.App, error)

	// Grouping
	AttachNotice(ctx context.Context, req AttachRequest) (*AttachResult, error)

	// Read operations
	GetNotice(ctx context.Context, id string) (*domain.Notice, error)
	GetErr(ctx context.Context, id string) (*domain.Err, error)
	GetProblem(ctx context.Context, id string) (*domain.Problem, error)
	ListProblems(ctx context.Context, q ProblemQuery) ([]*domain.Problem, error)
	ListErrs(ctx context.Context, problemID string) ([]*domain.Err, error)
	ListNotices(ctx context.Context, q NoticeQuery) ([]*domain.Notice, error)

	// ResolveProblem marks a problem resolved. Returns (nil, nil) if it does
	// not exist.
	ResolveProblem(ctx context.Context, id string, at time.Time) (*domain.Problem, error)

	// Close releases resources
	Close() error
}

// AttachRequest carries everything needed to file one notice
type AttachRequest struct {
	App         *domain.App
	Notice      *domain.Notice
	Fingerprint string
	Where       string
	// NewID generates ids for a Problem or Err created by this attach
	NewID func() string
}

// AttachResult is the outcome of AttachNotice. Created is true only for the
// one attach that inserted the Problem. Reopened is true when the notice
// arrived for a resolved Problem.
type AttachResult struct {
	Problem  *domain.Problem
	Err      *domain.Err
	Notice   *domain.Notice
	Created  bool
	Reopened bool
}

// ProblemQuery filters ListProblems. Results are ordered by last notice,
// newest first.
type ProblemQuery struct {
	AppID       string
	Environment string
	// Resolved filters by state when non-nil
	Resolved *bool
	Limit    int
	Offset   int
}

// NoticeQuery filters ListNotices. Exactly one of ErrID and ProblemID is
// expected. Results are in arrival order; Limit keeps the most recent.
type NoticeQuery struct {
	ErrID     string
	ProblemID string
	Limit     int
}

// DefaultLimit applies when a query leaves Limit unset
const DefaultLimit = 50
