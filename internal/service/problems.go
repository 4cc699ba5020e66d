package service

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"errtally/internal/codec"
	"errtally/internal/domain"
	"errtally/internal/repository"
)

// RecentNotices is how many notices Get returns with a Problem
const RecentNotices = 20

// exportPage is the page size used to walk problems during an export
const exportPage = 500

// ProblemService provides read and triage operations on Problems
type ProblemService struct {
	store  repository.Store
	events *EventBus
	logger *zap.Logger
	now    func() time.Time
}

// NewProblemService creates a ProblemService
func NewProblemService(store repository.Store, events *EventBus, logger *zap.Logger) *ProblemService {
	return &ProblemService{
		store:  store,
		events: events,
		logger: logger.Named("problems"),
		now:    time.Now,
	}
}

// List returns problems matching q, most recently seen first
func (s *ProblemService) List(ctx context.Context, q repository.ProblemQuery) ([]*domain.Problem, error) {
	problems, err := s.store.ListProblems(ctx, q)
	if err != nil {
		return nil, domain.Persistence("service.ListProblems", err)
	}
	return problems, nil
}

// Get returns a Problem with its Errs and most recent Notices. If appID is
// set the Problem must belong to that App.
func (s *ProblemService) Get(ctx context.Context, appID, id string) (*domain.ProblemDetail, error) {
	const op = "service.GetProblem"

	problem, err := s.store.GetProblem(ctx, id)
	if err != nil {
		return nil, domain.Persistence(op, err)
	}
	if problem == nil || (appID != "" && problem.AppID != appID) {
		return nil, domain.NotFound(op, "problem", id)
	}

	errs, err := s.store.ListErrs(ctx, id)
	if err != nil {
		return nil, domain.Persistence(op, err)
	}
	notices, err := s.store.ListNotices(ctx, repository.NoticeQuery{ProblemID: id, Limit: RecentNotices})
	if err != nil {
		return nil, domain.Persistence(op, err)
	}

	return &domain.ProblemDetail{Problem: problem, Errs: errs, Notices: notices}, nil
}

// Resolve marks a Problem resolved. Resolving twice keeps the first
// resolution time. A later notice for the Problem reopens it.
func (s *ProblemService) Resolve(ctx context.Context, id string) (*domain.Problem, error) {
	const op = "service.ResolveProblem"

	problem, err := s.store.ResolveProblem(ctx, id, s.now())
	if err != nil {
		return nil, domain.Persistence(op, err)
	}
	if problem == nil {
		return nil, domain.NotFound(op, "problem", id)
	}

	s.logger.Info("problem resolved",
		zap.String("problem_id", problem.ID),
		zap.String("app", problem.AppName))
	s.events.Publish(Event{Type: EventProblemResolved, Payload: problem})
	return problem, nil
}

// Export writes every problem matching q to w in format (json or yaml).
// q.Limit and q.Offset are ignored.
func (s *ProblemService) Export(ctx context.Context, format string, q repository.ProblemQuery, w io.Writer) error {
	const op = "service.ExportProblems"

	c, err := codec.ForFormat(format)
	if err != nil {
		return domain.Validation(op, err.Error())
	}

	var all []*domain.Problem
	q.Limit, q.Offset = exportPage, 0
	for {
		page, err := s.store.ListProblems(ctx, q)
		if err != nil {
			return domain.Persistence(op, err)
		}
		all = append(all, page...)
		if len(page) < exportPage {
			break
		}
		q.Offset += len(page)
	}

	return c.Export(codec.NewProblemExport(all, s.now()), w)
}
