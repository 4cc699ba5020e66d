package service

import (
	"net/url"
	"strings"
)

// Links builds the absolute URLs handed to notifiers and watchers
type Links struct {
	BaseURL string
}

// Locate is the URL that redirects to the Problem owning noticeID
func (l Links) Locate(noticeID string) string {
	return l.join("locate", noticeID)
}

// Problem is the canonical location of a Problem
func (l Links) Problem(appID, problemID string) string {
	return l.join("apps", appID, "problems", problemID)
}

func (l Links) join(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.TrimRight(l.BaseURL, "/") + "/" + strings.Join(escaped, "/")
}
