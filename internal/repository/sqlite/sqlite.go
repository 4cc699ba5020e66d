package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"errtally/internal/domain"
	"errtally/internal/repository"
)

// dsnParams apply to every connection. _txlock=immediate takes the write
// lock at BEGIN so concurrent attaches queue on busy_timeout instead of
// failing on lock upgrade.
const dsnParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

// Repository implements repository.Store using SQLite
type Repository struct {
	db *sql.DB
}

var _ repository.Store = (*Repository)(nil)

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (creating if needed) the database at dbPath and migrates it.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		api_key TEXT NOT NULL UNIQUE,
		watchers TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS problems (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		environment TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		error_class TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		location TEXT,
		notices_count INTEGER NOT NULL DEFAULT 0,
		first_notice_at TEXT NOT NULL,
		last_notice_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT,
		UNIQUE (app_id, environment, fingerprint),
		FOREIGN KEY (app_id) REFERENCES apps(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS errs (
		id TEXT PRIMARY KEY,
		problem_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		error_class TEXT NOT NULL,
		component TEXT,
		action TEXT,
		notices_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_notice_at TEXT NOT NULL,
		UNIQUE (problem_id, fingerprint),
		FOREIGN KEY (problem_id) REFERENCES problems(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS notices (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		app_id TEXT NOT NULL,
		err_id TEXT NOT NULL,
		error_class TEXT NOT NULL,
		message TEXT NOT NULL,
		environment_name TEXT NOT NULL,
		backtrace TEXT,
		request TEXT,
		env_vars TEXT,
		notifier TEXT,
		project_root TEXT,
		app_version TEXT,
		hostname TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (err_id) REFERENCES errs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_problems_app_last ON problems(app_id, last_notice_at);
	CREATE INDEX IF NOT EXISTS idx_problems_last ON problems(last_notice_at);
	CREATE INDEX IF NOT EXISTS idx_errs_problem ON errs(problem_id);
	CREATE INDEX IF NOT EXISTS idx_notices_err ON notices(err_id, seq);
	`

	_, err := r.db.Exec(schema)
	return err
}

// ============================================================================
// Apps
// ============================================================================

// UpsertApp creates or updates an app by ID
func (r *Repository) UpsertApp(ctx context.Context, app *domain.App) error {
	watchers, err := marshalToNull(app.Watchers)
	if err != nil {
		return fmt.Errorf("marshal watchers: %w", err)
	}
	now := formatTime(time.Now())

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO apps (id, name, api_key, watchers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			api_key = excluded.api_key,
			watchers = excluded.watchers,
			updated_at = excluded.updated_at
	`, app.ID, app.Name, app.APIKey, watchers, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert app: %w", err)
	}
	return nil
}

// GetApp retrieves an app by ID
func (r *Repository) GetApp(ctx context.Context, id string) (*domain.App, error) {
	return r.getApp(ctx, `SELECT `+appColumns+` FROM apps WHERE id = ?`, id)
}

// GetAppByAPIKey retrieves the app owning apiKey
func (r *Repository) GetAppByAPIKey(ctx context.Context, apiKey string) (*domain.App, error) {
	return r.getApp(ctx, `SELECT `+appColumns+` FROM apps WHERE api_key = ?`, apiKey)
}

func (r *Repository) getApp(ctx context.Context, query string, arg string) (*domain.App, error) {
	var row appRow
	err := r.db.QueryRowContext(ctx, query, arg).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query app: %w", err)
	}
	return row.toDomain()
}

// ListApps returns all apps ordered by name
func (r *Repository) ListApps(ctx context.Context) ([]*domain.App, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+appColumns+` FROM apps ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query apps: %w", err)
	}
	defer rows.Close()

	var apps []*domain.App
	for rows.Next() {
		var row appRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		app, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ============================================================================
// Grouping
// ============================================================================

// AttachNotice files a notice under its problem and err in one transaction.
// Problem and err rows are inserted with ON CONFLICT DO NOTHING; a row
// actually written means this attach created it.
func (r *Repository) AttachNotice(ctx context.Context, req repository.AttachRequest) (*repository.AttachResult, error) {
	if req.App == nil || req.Notice == nil {
		return nil, fmt.Errorf("attach requires an app and a notice")
	}
	newID := req.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	n := req.Notice
	at := formatTime(n.CreatedAt)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM apps WHERE id = ?`, req.App.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("app %s not found", req.App.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query app: %w", err)
	}

	res := &repository.AttachResult{}

	// Problem
	inserted, err := tx.ExecContext(ctx, `
		INSERT INTO problems (id, app_id, environment, fingerprint, error_class, message,
			location, notices_count, first_notice_at, last_notice_at, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 0)
		ON CONFLICT(app_id, environment, fingerprint) DO NOTHING
	`, newID(), req.App.ID, n.EnvironmentName, req.Fingerprint, n.ErrorClass, n.Message,
		stringToNull(req.Where), at, at)
	if err != nil {
		return nil, fmt.Errorf("failed to insert problem: %w", err)
	}
	if res.Created, err = wroteRow(inserted); err != nil {
		return nil, err
	}

	var (
		problemID   string
		wasResolved bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, resolved FROM problems
		WHERE app_id = ? AND environment = ? AND fingerprint = ?
	`, req.App.ID, n.EnvironmentName, req.Fingerprint).Scan(&problemID, &wasResolved)
	if err != nil {
		return nil, fmt.Errorf("failed to query problem: %w", err)
	}
	res.Reopened = wasResolved

	// Err
	_, err = tx.ExecContext(ctx, `
		INSERT INTO errs (id, problem_id, fingerprint, error_class, component, action,
			notices_count, created_at, last_notice_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(problem_id, fingerprint) DO NOTHING
	`, newID(), problemID, req.Fingerprint, n.ErrorClass,
		stringToNull(n.Request.Component), stringToNull(n.Request.Action), at, at)
	if err != nil {
		return nil, fmt.Errorf("failed to insert err: %w", err)
	}

	var errID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM errs WHERE problem_id = ? AND fingerprint = ?`,
		problemID, req.Fingerprint).Scan(&errID)
	if err != nil {
		return nil, fmt.Errorf("failed to query err: %w", err)
	}

	// Notice
	args, err := noticeInsertArgs(n, errID)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO notices (id, app_id, err_id, error_class, message, environment_name,
			backtrace, request, env_vars, notifier, project_root, app_version, hostname, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert notice: %w", err)
	}

	// Counters
	_, err = tx.ExecContext(ctx, `
		UPDATE errs SET notices_count = notices_count + 1, last_notice_at = MAX(last_notice_at, ?)
		WHERE id = ?
	`, at, errID)
	if err != nil {
		return nil, fmt.Errorf("failed to update err: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE problems SET
			notices_count = notices_count + 1,
			last_notice_at = MAX(last_notice_at, ?),
			message = ?,
			location = ?,
			resolved = 0,
			resolved_at = NULL
		WHERE id = ?
	`, at, n.Message, stringToNull(req.Where), problemID)
	if err != nil {
		return nil, fmt.Errorf("failed to update problem: %w", err)
	}

	if res.Problem, err = r.getProblem(ctx, tx, problemID); err != nil {
		return nil, err
	}
	if res.Err, err = r.getErr(ctx, tx, errID); err != nil {
		return nil, err
	}
	if res.Notice, err = r.getNotice(ctx, tx, n.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attach: %w", err)
	}
	return res, nil
}

func wroteRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ============================================================================
// Read operations
// ============================================================================

// GetNotice retrieves a notice by ID
func (r *Repository) GetNotice(ctx context.Context, id string) (*domain.Notice, error) {
	return r.getNotice(ctx, r.db, id)
}

func (r *Repository) getNotice(ctx context.Context, q querier, id string) (*domain.Notice, error) {
	var row noticeRow
	err := q.QueryRowContext(ctx, `SELECT `+noticeColumns+` FROM notices n WHERE n.id = ?`, id).
		Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query notice: %w", err)
	}
	return row.toDomain()
}

// GetErr retrieves an err by ID
func (r *Repository) GetErr(ctx context.Context, id string) (*domain.Err, error) {
	return r.getErr(ctx, r.db, id)
}

func (r *Repository) getErr(ctx context.Context, q querier, id string) (*domain.Err, error) {
	var row errRow
	err := q.QueryRowContext(ctx, `SELECT `+errColumns+` FROM errs WHERE id = ?`, id).
		Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query err: %w", err)
	}
	return row.toDomain()
}

// GetProblem retrieves a problem by ID
func (r *Repository) GetProblem(ctx context.Context, id string) (*domain.Problem, error) {
	return r.getProblem(ctx, r.db, id)
}

func (r *Repository) getProblem(ctx context.Context, q querier, id string) (*domain.Problem, error) {
	var row problemRow
	err := q.QueryRowContext(ctx, `
		SELECT `+problemColumns+`
		FROM problems p JOIN apps a ON a.id = p.app_id
		WHERE p.id = ?
	`, id).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query problem: %w", err)
	}
	return row.toDomain()
}

// ListProblems returns problems matching q, most recently seen first
func (r *Repository) ListProblems(ctx context.Context, q repository.ProblemQuery) ([]*domain.Problem, error) {
	var (
		where []string
		args  []any
	)
	if q.AppID != "" {
		where = append(where, "p.app_id = ?")
		args = append(args, q.AppID)
	}
	if q.Environment != "" {
		where = append(where, "p.environment = ?")
		args = append(args, q.Environment)
	}
	if q.Resolved != nil {
		where = append(where, "p.resolved = ?")
		args = append(args, *q.Resolved)
	}

	query := `SELECT ` + problemColumns + ` FROM problems p JOIN apps a ON a.id = p.app_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.last_notice_at DESC, p.id ASC LIMIT ? OFFSET ?"

	limit := q.Limit
	if limit <= 0 {
		limit = repository.DefaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query problems: %w", err)
	}
	defer rows.Close()

	problems := []*domain.Problem{}
	for rows.Next() {
		var row problemRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan problem: %w", err)
		}
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		problems = append(problems, p)
	}
	return problems, rows.Err()
}

// ListErrs returns the errs of a problem in creation order
func (r *Repository) ListErrs(ctx context.Context, problemID string) ([]*domain.Err, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+errColumns+` FROM errs WHERE problem_id = ? ORDER BY created_at, rowid
	`, problemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query errs: %w", err)
	}
	defer rows.Close()

	var errs []*domain.Err
	for rows.Next() {
		var row errRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan err: %w", err)
		}
		e, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// ListNotices returns notices of an err or a problem in arrival order,
// keeping the most recent q.Limit
func (r *Repository) ListNotices(ctx context.Context, q repository.NoticeQuery) ([]*domain.Notice, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = repository.DefaultLimit
	}

	var (
		query string
		arg   string
	)
	switch {
	case q.ErrID != "":
		query = `SELECT ` + noticeColumns + ` FROM notices n WHERE n.err_id = ? ORDER BY n.seq DESC LIMIT ?`
		arg = q.ErrID
	case q.ProblemID != "":
		query = `SELECT ` + noticeColumns + ` FROM notices n JOIN errs e ON e.id = n.err_id
			WHERE e.problem_id = ? ORDER BY n.seq DESC LIMIT ?`
		arg = q.ProblemID
	default:
		return nil, fmt.Errorf("notice query needs an err or problem id")
	}

	rows, err := r.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notices: %w", err)
	}
	defer rows.Close()

	var notices []*domain.Notice
	for rows.Next() {
		var row noticeRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan notice: %w", err)
		}
		n, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		notices = append(notices, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest first from the query; callers get arrival order
	for i, j := 0, len(notices)-1; i < j; i, j = i+1, j-1 {
		notices[i], notices[j] = notices[j], notices[i]
	}
	return notices, nil
}

// ResolveProblem marks a problem resolved
func (r *Repository) ResolveProblem(ctx context.Context, id string, at time.Time) (*domain.Problem, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE problems SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0
	`, formatTime(at), id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve problem: %w", err)
	}
	return r.GetProblem(ctx, id)
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}
