package domain

import "time"

// App is a tenant that reports errors with its API key
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"-"`
	Watchers  []Watcher `json:"watchers,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Watcher subscribes to notifications for an App
type Watcher struct {
	Email string `json:"email"`
}

// WatcherEmails returns the non-empty watcher addresses in order
func (a *App) WatcherEmails() []string {
	emails := make([]string, 0, len(a.Watchers))
	for _, w := range a.Watchers {
		if w.Email != "" {
			emails = append(emails, w.Email)
		}
	}
	return emails
}
