package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"errtally/internal/domain"
)

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

// nullToString safely converts sql.NullString to string
func nullToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// stringToNull safely converts string to sql.NullString
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ============================================================================
// Time Helpers
// ============================================================================

// timeLayout is fixed width so stored times sort correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullToTimePtr parses a nullable timestamp column
func nullToTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ============================================================================
// JSON Marshaling Helpers
// ============================================================================

// unmarshalJSONField safely unmarshals JSON from nullable string into target
func unmarshalJSONField(ns sql.NullString, target any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), target)
}

// marshalToNull marshals v to a nullable JSON string
func marshalToNull(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ============================================================================
// Schema Evolution Guide
// ============================================================================
//
// To add a column to one of the tables:
// 1. Add the field to the row struct below
// 2. APPEND it to scanArgs() and to the matching columns constant
// 3. Map it in toDomain()
// 4. Add it to the INSERT in sqlite.go and a migration in migrate()
//
// CRITICAL: column order must match between the columns constant and
// scanArgs().

// ============================================================================
// App Row Scanner
// ============================================================================

type appRow struct {
	ID           string
	Name         string
	APIKey       string
	WatchersJSON sql.NullString
	CreatedAt    string
	UpdatedAt    string
}

const appColumns = `id, name, api_key, watchers, created_at, updated_at`

func (r *appRow) scanArgs() []any {
	return []any{
		&r.ID,           // 1
		&r.Name,         // 2
		&r.APIKey,       // 3
		&r.WatchersJSON, // 4
		&r.CreatedAt,    // 5
		&r.UpdatedAt,    // 6
	}
}

func (r *appRow) toDomain() (*domain.App, error) {
	app := &domain.App{
		ID:     r.ID,
		Name:   r.Name,
		APIKey: r.APIKey,
	}
	var err error
	if app.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if app.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if err := unmarshalJSONField(r.WatchersJSON, &app.Watchers); err != nil {
		return nil, fmt.Errorf("unmarshal watchers: %w", err)
	}
	return app, nil
}

// ============================================================================
// Problem Row Scanner
// ============================================================================

type problemRow struct {
	ID            string
	AppID         string
	AppName       string
	Environment   string
	Fingerprint   string
	ErrorClass    string
	Message       string
	Location      sql.NullString
	NoticesCount  int
	FirstNoticeAt string
	LastNoticeAt  string
	Resolved      sql.NullInt64
	ResolvedAt    sql.NullString
}

// problemColumns selects from problems p joined with apps a
const problemColumns = `p.id, p.app_id, a.name, p.environment, p.fingerprint, p.error_class,
	p.message, p.location, p.notices_count, p.first_notice_at, p.last_notice_at,
	p.resolved, p.resolved_at`

func (r *problemRow) scanArgs() []any {
	return []any{
		&r.ID,            // 1
		&r.AppID,         // 2
		&r.AppName,       // 3
		&r.Environment,   // 4
		&r.Fingerprint,   // 5
		&r.ErrorClass,    // 6
		&r.Message,       // 7
		&r.Location,      // 8
		&r.NoticesCount,  // 9
		&r.FirstNoticeAt, // 10
		&r.LastNoticeAt,  // 11
		&r.Resolved,      // 12
		&r.ResolvedAt,    // 13
	}
}

func (r *problemRow) toDomain() (*domain.Problem, error) {
	p := &domain.Problem{
		ID:           r.ID,
		AppID:        r.AppID,
		AppName:      r.AppName,
		Environment:  r.Environment,
		Fingerprint:  r.Fingerprint,
		ErrorClass:   r.ErrorClass,
		Message:      r.Message,
		Where:        nullToString(r.Location),
		NoticesCount: r.NoticesCount,
		Resolved:     r.Resolved.Valid && r.Resolved.Int64 != 0,
	}
	var err error
	if p.FirstNoticeAt, err = parseTime(r.FirstNoticeAt); err != nil {
		return nil, fmt.Errorf("parse first_notice_at: %w", err)
	}
	if p.LastNoticeAt, err = parseTime(r.LastNoticeAt); err != nil {
		return nil, fmt.Errorf("parse last_notice_at: %w", err)
	}
	if p.ResolvedAt, err = nullToTimePtr(r.ResolvedAt); err != nil {
		return nil, fmt.Errorf("parse resolved_at: %w", err)
	}
	return p, nil
}

// ============================================================================
// Err Row Scanner
// ============================================================================

type errRow struct {
	ID           string
	ProblemID    string
	Fingerprint  string
	ErrorClass   string
	Component    sql.NullString
	Action       sql.NullString
	NoticesCount int
	CreatedAt    string
	LastNoticeAt string
}

const errColumns = `id, problem_id, fingerprint, error_class, component, action,
	notices_count, created_at, last_notice_at`

func (r *errRow) scanArgs() []any {
	return []any{
		&r.ID,           // 1
		&r.ProblemID,    // 2
		&r.Fingerprint,  // 3
		&r.ErrorClass,   // 4
		&r.Component,    // 5
		&r.Action,       // 6
		&r.NoticesCount, // 7
		&r.CreatedAt,    // 8
		&r.LastNoticeAt, // 9
	}
}

func (r *errRow) toDomain() (*domain.Err, error) {
	e := &domain.Err{
		ID:           r.ID,
		ProblemID:    r.ProblemID,
		Fingerprint:  r.Fingerprint,
		ErrorClass:   r.ErrorClass,
		Component:    nullToString(r.Component),
		Action:       nullToString(r.Action),
		NoticesCount: r.NoticesCount,
	}
	var err error
	if e.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.LastNoticeAt, err = parseTime(r.LastNoticeAt); err != nil {
		return nil, fmt.Errorf("parse last_notice_at: %w", err)
	}
	return e, nil
}

// ============================================================================
// Notice Row Scanner
// ============================================================================

type noticeRow struct {
	ID              string
	AppID           string
	ErrID           string
	ErrorClass      string
	Message         string
	EnvironmentName string
	BacktraceJSON   sql.NullString
	RequestJSON     sql.NullString
	EnvVarsJSON     sql.NullString
	NotifierJSON    sql.NullString
	ProjectRoot     sql.NullString
	AppVersion      sql.NullString
	Hostname        sql.NullString
	CreatedAt       string
}

// noticeColumns selects from notices n
const noticeColumns = `n.id, n.app_id, n.err_id, n.error_class, n.message, n.environment_name,
	n.backtrace, n.request, n.env_vars, n.notifier, n.project_root, n.app_version,
	n.hostname, n.created_at`

func (r *noticeRow) scanArgs() []any {
	return []any{
		&r.ID,              // 1
		&r.AppID,           // 2
		&r.ErrID,           // 3
		&r.ErrorClass,      // 4
		&r.Message,         // 5
		&r.EnvironmentName, // 6
		&r.BacktraceJSON,   // 7
		&r.RequestJSON,     // 8
		&r.EnvVarsJSON,     // 9
		&r.NotifierJSON,    // 10
		&r.ProjectRoot,     // 11
		&r.AppVersion,      // 12
		&r.Hostname,        // 13
		&r.CreatedAt,       // 14
	}
}

func (r *noticeRow) toDomain() (*domain.Notice, error) {
	n := &domain.Notice{
		ID:              r.ID,
		AppID:           r.AppID,
		ErrID:           r.ErrID,
		ErrorClass:      r.ErrorClass,
		Message:         r.Message,
		EnvironmentName: r.EnvironmentName,
		ProjectRoot:     nullToString(r.ProjectRoot),
		AppVersion:      nullToString(r.AppVersion),
		Hostname:        nullToString(r.Hostname),
	}
	var err error
	if n.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if err := unmarshalJSONField(r.BacktraceJSON, &n.Backtrace); err != nil {
		return nil, fmt.Errorf("unmarshal backtrace: %w", err)
	}
	if err := unmarshalJSONField(r.RequestJSON, &n.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if err := unmarshalJSONField(r.EnvVarsJSON, &n.EnvVars); err != nil {
		return nil, fmt.Errorf("unmarshal env_vars: %w", err)
	}
	if err := unmarshalJSONField(r.NotifierJSON, &n.Notifier); err != nil {
		return nil, fmt.Errorf("unmarshal notifier: %w", err)
	}
	return n, nil
}

// noticeInsertArgs returns values for the notices INSERT in sqlite.go
func noticeInsertArgs(n *domain.Notice, errID string) ([]any, error) {
	backtrace, err := marshalToNull(n.Backtrace)
	if err != nil {
		return nil, fmt.Errorf("marshal backtrace: %w", err)
	}
	request, err := marshalToNull(n.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	envVars, err := marshalToNull(n.EnvVars)
	if err != nil {
		return nil, fmt.Errorf("marshal env_vars: %w", err)
	}
	notifier, err := marshalToNull(n.Notifier)
	if err != nil {
		return nil, fmt.Errorf("marshal notifier: %w", err)
	}

	return []any{
		n.ID,
		n.AppID,
		errID,
		n.ErrorClass,
		n.Message,
		n.EnvironmentName,
		backtrace,
		request,
		envVars,
		notifier,
		stringToNull(n.ProjectRoot),
		stringToNull(n.AppVersion),
		stringToNull(n.Hostname),
		formatTime(n.CreatedAt),
	}, nil
}
