package service

import (
	"context"

	"errtally/internal/domain"
	"errtally/internal/repository"
)

// Locator resolves a Notice id to the Problem it was filed under
type Locator struct {
	store repository.Store
}

// NewLocator creates a Locator reading from store
func NewLocator(store repository.Store) *Locator {
	return &Locator{store: store}
}

// Locate follows notice -> err -> problem. Unknown ids at any step yield a
// not-found error.
func (l *Locator) Locate(ctx context.Context, noticeID string) (*domain.Problem, error) {
	const op = "service.Locate"

	notice, err := l.store.GetNotice(ctx, noticeID)
	if err != nil {
		return nil, domain.Persistence(op, err)
	}
	if notice == nil {
		return nil, domain.NotFound(op, "notice", noticeID)
	}

	e, err := l.store.GetErr(ctx, notice.ErrID)
	if err != nil {
		return nil, domain.Persistence(op, err)
	}
	if e == nil {
		return nil, domain.NotFound(op, "err", notice.ErrID)
	}

	problem, err := l.store.GetProblem(ctx, e.ProblemID)
	if err != nil {
		return nil, domain.Persistence(op, err)
	}
	if problem == nil {
		return nil, domain.NotFound(op, "problem", e.ProblemID)
	}
	return problem, nil
}
