package domain

import (
	"strings"
	"time"

	"errtally/internal/vars"
)

// ProjectRootMarker prefixes backtrace files that belong to the reporting
// application rather than its libraries
const ProjectRootMarker = "[PROJECT_ROOT]"

// DefaultEnvironment is used when a notice does not name its environment
const DefaultEnvironment = "unknown"

// Notice is one reported occurrence of an error. It is immutable once stored.
type Notice struct {
	ID              string           `json:"id"`
	AppID           string           `json:"app_id"`
	ErrID           string           `json:"err_id,omitempty"`
	ErrorClass      string           `json:"error_class"`
	Message         string           `json:"message"`
	Backtrace       []BacktraceFrame `json:"backtrace"`
	Request         Request          `json:"request"`
	EnvVars         vars.Value       `json:"env_vars"`
	EnvironmentName string           `json:"environment_name"`
	ProjectRoot     string           `json:"project_root,omitempty"`
	AppVersion      string           `json:"app_version,omitempty"`
	Hostname        string           `json:"hostname,omitempty"`
	Notifier        NotifierInfo     `json:"notifier"`
	CreatedAt       time.Time        `json:"created_at"`
}

// BacktraceFrame is one line of a backtrace, innermost first
type BacktraceFrame struct {
	Number string `json:"number,omitempty"`
	File   string `json:"file,omitempty"`
	Method string `json:"method,omitempty"`
}

// InProject reports whether the frame points into the application's own code
func (f BacktraceFrame) InProject() bool {
	return strings.HasPrefix(f.File, ProjectRootMarker)
}

// Request is the request context the error happened in
type Request struct {
	URL       string     `json:"url,omitempty"`
	Component string     `json:"component,omitempty"`
	Action    string     `json:"action,omitempty"`
	Params    vars.Value `json:"params"`
	Session   vars.Value `json:"session"`
}

// NotifierInfo identifies the client library that sent the notice
type NotifierInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	URL     string `json:"url,omitempty"`
}
