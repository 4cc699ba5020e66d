// Package ingest turns normalized notice trees into domain Notices.
package ingest

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"errtally/internal/domain"
	"errtally/internal/vars"
)

// Builder creates Notices. Now and NewID are replaceable for tests.
type Builder struct {
	Now   func() time.Time
	NewID func() string
}

// NewBuilder returns a Builder using the wall clock and random UUIDs
func NewBuilder() *Builder {
	return &Builder{
		Now:   time.Now,
		NewID: uuid.NewString,
	}
}

// APIKey extracts the reporting App's key from a normalized notice tree
func APIKey(tree vars.Value) string {
	key, _ := tree.StringAt("api_key")
	return strings.TrimSpace(key)
}

// Build maps a normalized notice tree onto a Notice for app. The tree must
// already have passed through vars.Normalize.
func (b *Builder) Build(tree vars.Value, app *domain.App) (*domain.Notice, error) {
	const op = "ingest.Build"

	if _, ok := tree.AsMap(); !ok {
		return nil, domain.Validation(op, "notice must be a mapping")
	}

	class, ok := tree.StringAt("error", "class")
	if !ok || strings.TrimSpace(class) == "" {
		return nil, domain.Validation(op, "error class is required")
	}
	message, ok := tree.StringAt("error", "message")
	if !ok || strings.TrimSpace(message) == "" {
		return nil, domain.Validation(op, "error message is required")
	}

	environment, _ := tree.StringAt("server_environment", "environment_name")
	if environment == "" {
		environment = domain.DefaultEnvironment
	}

	notice := &domain.Notice{
		ID:              b.NewID(),
		AppID:           app.ID,
		ErrorClass:      class,
		Message:         message,
		Backtrace:       backtrace(tree),
		Request:         request(tree),
		EnvVars:         subtree(tree, "request", "cgi_data"),
		EnvironmentName: environment,
		ProjectRoot:     stringAt(tree, "server_environment", "project_root"),
		AppVersion:      stringAt(tree, "server_environment", "app_version"),
		Hostname:        stringAt(tree, "server_environment", "hostname"),
		Notifier: domain.NotifierInfo{
			Name:    stringAt(tree, "notifier", "name"),
			Version: stringAt(tree, "notifier", "version"),
			URL:     stringAt(tree, "notifier", "url"),
		},
		CreatedAt: b.Now().UTC(),
	}
	return notice, nil
}

func stringAt(tree vars.Value, path ...string) string {
	s, _ := tree.StringAt(path...)
	return s
}

// subtree returns the mapping at path, or an empty mapping when the path is
// missing or null. A scalar is kept as is.
func subtree(tree vars.Value, path ...string) vars.Value {
	v, ok := tree.Lookup(path...)
	if !ok || v.IsNull() {
		return vars.FromMap(nil)
	}
	return v
}

func request(tree vars.Value) domain.Request {
	return domain.Request{
		URL:       stringAt(tree, "request", "url"),
		Component: stringAt(tree, "request", "component"),
		Action:    stringAt(tree, "request", "action"),
		Params:    subtree(tree, "request", "params"),
		Session:   subtree(tree, "request", "session"),
	}
}

// backtrace reads error.backtrace.line, which is a list when the notice
// carries several frames and a single mapping when it carries one
func backtrace(tree vars.Value) []domain.BacktraceFrame {
	lines, ok := tree.Lookup("error", "backtrace", "line")
	if !ok {
		return []domain.BacktraceFrame{}
	}

	items, isList := lines.AsList()
	if !isList {
		items = []vars.Value{lines}
	}

	frames := make([]domain.BacktraceFrame, 0, len(items))
	for _, item := range items {
		if _, ok := item.AsMap(); !ok {
			continue
		}
		frames = append(frames, domain.BacktraceFrame{
			Number: stringAt(item, "number"),
			File:   stringAt(item, "file"),
			Method: stringAt(item, "method"),
		})
	}
	return frames
}
