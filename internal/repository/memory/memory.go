// Package memory implements repository.Store in process memory. All state is
// lost on Close.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"errtally/internal/domain"
	"errtally/internal/repository"
)

type problemKey struct {
	appID       string
	environment string
	fingerprint string
}

type errKey struct {
	problemID   string
	fingerprint string
}

// Store implements repository.Store with maps guarded by one mutex
type Store struct {
	mu sync.RWMutex

	apps      map[string]*domain.App
	appsByKey map[string]string

	problems     map[string]*domain.Problem
	problemByKey map[problemKey]string

	errs        map[string]*domain.Err
	errByKey    map[errKey]string
	problemErrs map[string][]string

	notices    map[string]*domain.Notice
	errNotices map[string][]string
	noticeSeq  map[string]int64
	seq        int64
}

var _ repository.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		apps:         make(map[string]*domain.App),
		appsByKey:    make(map[string]string),
		problems:     make(map[string]*domain.Problem),
		problemByKey: make(map[problemKey]string),
		errs:         make(map[string]*domain.Err),
		errByKey:     make(map[errKey]string),
		problemErrs:  make(map[string][]string),
		notices:      make(map[string]*domain.Notice),
		errNotices:   make(map[string][]string),
		noticeSeq:    make(map[string]int64),
	}
}

// ============================================================================
// Apps
// ============================================================================

// UpsertApp creates or replaces an app by ID
func (s *Store) UpsertApp(ctx context.Context, app *domain.App) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.appsByKey[app.APIKey]; ok && owner != app.ID {
		return fmt.Errorf("api key already assigned to app %s", owner)
	}

	now := time.Now().UTC()
	stored := cloneApp(app)
	if prev, ok := s.apps[app.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
		delete(s.appsByKey, prev.APIKey)
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.apps[app.ID] = stored
	s.appsByKey[app.APIKey] = app.ID
	return nil
}

// GetApp returns an app by ID
func (s *Store) GetApp(ctx context.Context, id string) (*domain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if app, ok := s.apps[id]; ok {
		return cloneApp(app), nil
	}
	return nil, nil
}

// GetAppByAPIKey returns the app owning apiKey
func (s *Store) GetAppByAPIKey(ctx context.Context, apiKey string) (*domain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.appsByKey[apiKey]; ok {
		return cloneApp(s.apps[id]), nil
	}
	return nil, nil
}

// ListApps returns all apps ordered by name
func (s *Store) ListApps(ctx context.Context) ([]*domain.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	apps := make([]*domain.App, 0, len(s.apps))
	for _, app := range s.apps {
		apps = append(apps, cloneApp(app))
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

// ============================================================================
// Grouping
// ============================================================================

// AttachNotice files a notice under its problem and err, creating either
// when missing. The whole step happens under the write lock.
func (s *Store) AttachNotice(ctx context.Context, req repository.AttachRequest) (*repository.AttachResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.App == nil || req.Notice == nil {
		return nil, fmt.Errorf("attach requires an app and a notice")
	}
	newID := req.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[req.App.ID]
	if !ok {
		return nil, fmt.Errorf("app %s not found", req.App.ID)
	}
	if _, dup := s.notices[req.Notice.ID]; dup {
		return nil, fmt.Errorf("notice %s already stored", req.Notice.ID)
	}

	n := req.Notice
	at := n.CreatedAt
	res := &repository.AttachResult{}

	pk := problemKey{appID: app.ID, environment: n.EnvironmentName, fingerprint: req.Fingerprint}
	problem, ok := s.problems[s.problemByKey[pk]]
	if !ok {
		problem = &domain.Problem{
			ID:            newID(),
			AppID:         app.ID,
			AppName:       app.Name,
			Environment:   n.EnvironmentName,
			Fingerprint:   req.Fingerprint,
			ErrorClass:    n.ErrorClass,
			FirstNoticeAt: at,
			LastNoticeAt:  at,
		}
		s.problems[problem.ID] = problem
		s.problemByKey[pk] = problem.ID
		res.Created = true
	}

	ek := errKey{problemID: problem.ID, fingerprint: req.Fingerprint}
	e, ok := s.errs[s.errByKey[ek]]
	if !ok {
		e = &domain.Err{
			ID:           newID(),
			ProblemID:    problem.ID,
			Fingerprint:  req.Fingerprint,
			ErrorClass:   n.ErrorClass,
			Component:    n.Request.Component,
			Action:       n.Request.Action,
			CreatedAt:    at,
			LastNoticeAt: at,
		}
		s.errs[e.ID] = e
		s.errByKey[ek] = e.ID
		s.problemErrs[problem.ID] = append(s.problemErrs[problem.ID], e.ID)
	}

	stored := *n
	stored.ErrID = e.ID
	s.seq++
	s.notices[stored.ID] = &stored
	s.noticeSeq[stored.ID] = s.seq
	s.errNotices[e.ID] = append(s.errNotices[e.ID], stored.ID)

	e.NoticesCount++
	if at.After(e.LastNoticeAt) {
		e.LastNoticeAt = at
	}

	problem.NoticesCount++
	problem.Message = n.Message
	problem.Where = req.Where
	problem.AppName = app.Name
	if at.After(problem.LastNoticeAt) {
		problem.LastNoticeAt = at
	}
	if problem.Resolved {
		problem.Resolved = false
		problem.ResolvedAt = nil
		res.Reopened = true
	}

	res.Problem = cloneProblem(problem)
	errCopy := *e
	res.Err = &errCopy
	noticeCopy := stored
	res.Notice = &noticeCopy
	return res, nil
}

// ============================================================================
// Read operations
// ============================================================================

// GetNotice returns a notice by ID
func (s *Store) GetNotice(ctx context.Context, id string) (*domain.Notice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.notices[id]; ok {
		c := *n
		return &c, nil
	}
	return nil, nil
}

// GetErr returns an err by ID
func (s *Store) GetErr(ctx context.Context, id string) (*domain.Err, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.errs[id]; ok {
		c := *e
		return &c, nil
	}
	return nil, nil
}

// GetProblem returns a problem by ID
func (s *Store) GetProblem(ctx context.Context, id string) (*domain.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.problems[id]; ok {
		return cloneProblem(p), nil
	}
	return nil, nil
}

// ListProblems returns problems matching q, most recently seen first
func (s *Store) ListProblems(ctx context.Context, q repository.ProblemQuery) ([]*domain.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Problem
	for _, p := range s.problems {
		if q.AppID != "" && p.AppID != q.AppID {
			continue
		}
		if q.Environment != "" && p.Environment != q.Environment {
			continue
		}
		if q.Resolved != nil && p.Resolved != *q.Resolved {
			continue
		}
		matched = append(matched, cloneProblem(p))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastNoticeAt.Equal(matched[j].LastNoticeAt) {
			return matched[i].LastNoticeAt.After(matched[j].LastNoticeAt)
		}
		return matched[i].ID < matched[j].ID
	})

	return page(matched, q.Limit, q.Offset), nil
}

// ListErrs returns the errs of a problem in creation order
func (s *Store) ListErrs(ctx context.Context, problemID string) ([]*domain.Err, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.problemErrs[problemID]
	errs := make([]*domain.Err, 0, len(ids))
	for _, id := range ids {
		c := *s.errs[id]
		errs = append(errs, &c)
	}
	return errs, nil
}

// ListNotices returns notices of an err or a problem in arrival order,
// keeping the most recent q.Limit
func (s *Store) ListNotices(ctx context.Context, q repository.NoticeQuery) ([]*domain.Notice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	switch {
	case q.ErrID != "":
		ids = append(ids, s.errNotices[q.ErrID]...)
	case q.ProblemID != "":
		for _, errID := range s.problemErrs[q.ProblemID] {
			ids = append(ids, s.errNotices[errID]...)
		}
		sort.Slice(ids, func(i, j int) bool { return s.noticeSeq[ids[i]] < s.noticeSeq[ids[j]] })
	default:
		return nil, fmt.Errorf("notice query needs an err or problem id")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = repository.DefaultLimit
	}
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	notices := make([]*domain.Notice, 0, len(ids))
	for _, id := range ids {
		c := *s.notices[id]
		notices = append(notices, &c)
	}
	return notices, nil
}

// ResolveProblem marks a problem resolved at the given time
func (s *Store) ResolveProblem(ctx context.Context, id string, at time.Time) (*domain.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.problems[id]
	if !ok {
		return nil, nil
	}
	if !p.Resolved {
		resolvedAt := at.UTC()
		p.Resolved = true
		p.ResolvedAt = &resolvedAt
	}
	return cloneProblem(p), nil
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func cloneApp(app *domain.App) *domain.App {
	c := *app
	c.Watchers = append([]domain.Watcher(nil), app.Watchers...)
	return &c
}

func cloneProblem(p *domain.Problem) *domain.Problem {
	c := *p
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = repository.DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
