package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"errtally/internal/domain"
	"errtally/internal/grouping"
	"errtally/internal/ingest"
	"errtally/internal/notify"
	"errtally/internal/repository"
	"errtally/internal/vars"
	"errtally/internal/xmlvar"
)

// dispatchTimeout bounds how long a committed report waits for room in the
// notification queue
const dispatchTimeout = 5 * time.Second

// Notifier queues notifications for delivery
type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification) error
}

// Report is the outcome of one ingested submission
type Report struct {
	Notice  *domain.Notice
	Err     *domain.Err
	Problem *domain.Problem
	Created bool
}

// NoticeService runs the ingestion pipeline: parse, normalize, authenticate,
// build, group, notify
type NoticeService struct {
	store    repository.Store
	engine   *grouping.Engine
	builder  *ingest.Builder
	notifier Notifier
	events   *EventBus
	links    Links
	logger   *zap.Logger
}

// NewNoticeService creates a NoticeService. notifier may be nil, in which
// case new Problems are recorded without notifications.
func NewNoticeService(store repository.Store, notifier Notifier, events *EventBus, links Links, logger *zap.Logger) *NoticeService {
	return &NoticeService{
		store:    store,
		engine:   grouping.NewEngine(store, logger),
		builder:  ingest.NewBuilder(),
		notifier: notifier,
		events:   events,
		links:    links,
		logger:   logger.Named("notices"),
	}
}

// ReportError ingests one raw XML notice. On success the Notice is durably
// attached to its Problem; the watchers are notified only when this call
// created the Problem.
func (s *NoticeService) ReportError(ctx context.Context, raw []byte) (report *Report, err error) {
	const op = "service.ReportError"

	defer func() { noticesIngested.WithLabelValues(ingestResult(report, err)).Inc() }()

	tree, err := xmlvar.ParseBytes(raw)
	if err != nil {
		return nil, err
	}
	tree = vars.Normalize(tree)

	key := ingest.APIKey(tree)
	if key == "" {
		return nil, domain.Unauthorized(op, "api key is missing")
	}
	app, err := s.store.GetAppByAPIKey(ctx, key)
	if err != nil {
		return nil, domain.Persistence(op, err)
	}
	if app == nil {
		return nil, domain.Unauthorized(op, "api key is not recognised")
	}

	notice, err := s.builder.Build(tree, app)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Group(ctx, app, notice)
	if err != nil {
		return nil, err
	}

	if res.Created {
		s.notify(ctx, app, res)
	}

	s.events.Publish(Event{
		Type: EventNoticeReceived,
		Payload: map[string]any{
			"notice_id":     res.Notice.ID,
			"problem_id":    res.Problem.ID,
			"app_id":        app.ID,
			"notices_count": res.Problem.NoticesCount,
		},
	})
	switch {
	case res.Created:
		s.events.Publish(Event{Type: EventProblemCreated, Payload: res.Problem})
	case res.Reopened:
		s.events.Publish(Event{Type: EventProblemReopened, Payload: res.Problem})
	}

	return &Report{
		Notice:  res.Notice,
		Err:     res.Err,
		Problem: res.Problem,
		Created: res.Created,
	}, nil
}

// notify hands the creation notification to the dispatcher. The grouping
// decision is already committed, so a cancelled request must not lose it
// and a full queue must not fail the submission.
func (s *NoticeService) notify(ctx context.Context, app *domain.App, res *repository.AttachResult) {
	if s.notifier == nil {
		return
	}

	n := notify.NewNotification(app, res.Problem, res.Notice, s.links.Problem(app.ID, res.Problem.ID))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()
	if err := s.notifier.Dispatch(ctx, n); err != nil {
		s.logger.Error("failed to queue notification",
			zap.String("app", app.Name),
			zap.String("problem_id", res.Problem.ID),
			zap.Error(err))
	}
}

func ingestResult(report *Report, err error) string {
	if err == nil {
		if report.Created {
			return "created"
		}
		return "attached"
	}
	switch domain.KindOf(err) {
	case domain.KindMalformedInput:
		return "malformed"
	case domain.KindValidation:
		return "invalid"
	case domain.KindUnauthorized:
		return "unauthorized"
	case domain.KindPersistence:
		return "persistence_error"
	default:
		return "error"
	}
}
