// Package domain defines the core types of the errtally error tracker.
//
// # Core Types
//
// App is a reporting tenant, identified by its API key, with the Watchers
// who are notified about new problems.
//
// Notice is a single error report as sent by a client library: class,
// message, backtrace, request context and the CGI environment. Notices are
// never modified after they are stored.
//
// Err collects the Notices of one fingerprint, and Problem is the aggregate
// an operator works with: occurrence count, first and last sighting, and
// the resolved flag. A Problem belongs to one App and one environment.
//
// # Errors
//
// Failures crossing package boundaries are *Error values classified by
// Kind. Use errors.Is with the Err* sentinels to test the class.
package domain
