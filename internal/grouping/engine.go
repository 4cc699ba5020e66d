package grouping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"errtally/internal/domain"
	"errtally/internal/repository"
)

// Attacher is the part of the store the engine writes through
type Attacher interface {
	AttachNotice(ctx context.Context, req repository.AttachRequest) (*repository.AttachResult, error)
}

// Engine files notices under their Problem
type Engine struct {
	store  Attacher
	locks  *KeyLock
	logger *zap.Logger
	newID  func() string
}

// NewEngine creates an engine writing through store
func NewEngine(store Attacher, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		locks:  NewKeyLock(DefaultStripes),
		logger: logger.Named("grouping"),
		newID:  uuid.NewString,
	}
}

// Group attaches notice to the Problem of its fingerprint, creating the
// Problem and Err on first occurrence. The find-or-create step runs under a
// per-fingerprint lock and in a single store transaction, so concurrent
// notices with one fingerprint yield one Problem and one Created result.
//
// Store failures are returned as domain persistence errors and are not
// retried. Context errors are returned unchanged.
func (e *Engine) Group(ctx context.Context, app *domain.App, notice *domain.Notice) (*repository.AttachResult, error) {
	start := time.Now()
	defer func() { groupingDuration.Observe(time.Since(start).Seconds()) }()

	fingerprint := Fingerprint(app.ID, notice)

	unlock, err := e.locks.Lock(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("waiting for fingerprint lock: %w", err)
	}
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := e.store.AttachNotice(ctx, repository.AttachRequest{
		App:         app,
		Notice:      notice,
		Fingerprint: fingerprint,
		Where:       Where(notice),
		NewID:       e.newID,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, domain.Persistence("grouping.Group", err)
	}

	switch {
	case res.Created:
		problemsCreated.Inc()
		e.logger.Info("problem created",
			zap.String("app", app.Name),
			zap.String("environment", notice.EnvironmentName),
			zap.String("problem_id", res.Problem.ID),
			zap.String("error_class", notice.ErrorClass))
	case res.Reopened:
		problemsReopened.Inc()
		e.logger.Info("problem reopened",
			zap.String("app", app.Name),
			zap.String("problem_id", res.Problem.ID))
	default:
		e.logger.Debug("notice attached",
			zap.String("problem_id", res.Problem.ID),
			zap.Int("notices_count", res.Problem.NoticesCount))
	}
	return res, nil
}
