package domain

import "time"

// Problem aggregates every occurrence of one fingerprint for an App in one
// environment
type Problem struct {
	ID            string     `json:"id" yaml:"id"`
	AppID         string     `json:"app_id" yaml:"app_id"`
	AppName       string     `json:"app_name" yaml:"app_name"`
	Environment   string     `json:"environment" yaml:"environment"`
	Fingerprint   string     `json:"fingerprint" yaml:"fingerprint"`
	ErrorClass    string     `json:"error_class" yaml:"error_class"`
	Message       string     `json:"message" yaml:"message"`
	Where         string     `json:"where,omitempty" yaml:"where,omitempty"`
	NoticesCount  int        `json:"notices_count" yaml:"notices_count"`
	FirstNoticeAt time.Time  `json:"first_notice_at" yaml:"first_notice_at"`
	LastNoticeAt  time.Time  `json:"last_notice_at" yaml:"last_notice_at"`
	Resolved      bool       `json:"resolved" yaml:"resolved"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// Err groups the Notices of a Problem that share a fingerprint
type Err struct {
	ID           string    `json:"id"`
	ProblemID    string    `json:"problem_id"`
	Fingerprint  string    `json:"fingerprint"`
	ErrorClass   string    `json:"error_class"`
	Component    string    `json:"component,omitempty"`
	Action       string    `json:"action,omitempty"`
	NoticesCount int       `json:"notices_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastNoticeAt time.Time `json:"last_notice_at"`
}

// ProblemDetail is a Problem with its Errs and most recent Notices
type ProblemDetail struct {
	Problem *Problem  `json:"problem"`
	Errs    []*Err    `json:"errs"`
	Notices []*Notice `json:"notices"`
}
