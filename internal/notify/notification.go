// Package notify delivers "new problem" notifications to an App's watchers.
//
// The Dispatcher queues notifications and hands them to a Mailer from a
// small worker pool, throttled per App. Delivery happens after the
// grouping decision is committed and never blocks ingestion beyond the
// queue's capacity.
package notify

import (
	"fmt"
	"time"

	"errtally/internal/domain"
)

// SubjectMessageLimit is the number of characters of the error message kept
// in a subject line
const SubjectMessageLimit = 50

// Notification is the payload handed to a Mailer
type Notification struct {
	Recipients  []string  `json:"recipients"`
	Subject     string    `json:"subject"`
	AppID       string    `json:"app_id"`
	AppName     string    `json:"app_name"`
	Environment string    `json:"environment"`
	ProblemID   string    `json:"problem_id"`
	ErrID       string    `json:"err_id"`
	NoticeID    string    `json:"notice_id"`
	ErrorClass  string    `json:"error_class"`
	Message     string    `json:"message"`
	Where       string    `json:"where,omitempty"`
	ProblemURL  string    `json:"problem_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewNotification describes a newly created problem for app's watchers
func NewNotification(app *domain.App, problem *domain.Problem, notice *domain.Notice, problemURL string) Notification {
	return Notification{
		Recipients:  app.WatcherEmails(),
		Subject:     Subject(app.Name, notice.EnvironmentName, notice.Message),
		AppID:       app.ID,
		AppName:     app.Name,
		Environment: notice.EnvironmentName,
		ProblemID:   problem.ID,
		ErrID:       notice.ErrID,
		NoticeID:    notice.ID,
		ErrorClass:  notice.ErrorClass,
		Message:     notice.Message,
		Where:       problem.Where,
		ProblemURL:  problemURL,
		CreatedAt:   notice.CreatedAt,
	}
}

// Subject formats "[app][environment] message", with the message cut to
// SubjectMessageLimit characters
func Subject(appName, environment, message string) string {
	return fmt.Sprintf("[%s][%s] %s", appName, environment, Truncate(message, SubjectMessageLimit))
}

// Truncate shortens s to at most limit characters, ending in "..." when
// anything was cut
func Truncate(s string, limit int) string {
	const omission = "..."
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= len(omission) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(omission)]) + omission
}
