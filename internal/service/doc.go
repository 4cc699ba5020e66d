// Package service implements business logic for errtally.
//
// Services coordinate between the HTTP handlers and the repository layer.
//
// # Services
//
// NoticeService ingests raw notifier submissions: it parses and normalizes
// the XML, authenticates the App by API key, builds the Notice and files it
// through the grouping engine. Watchers are notified once per new Problem,
// after the grouping decision has committed.
//
// Locator resolves a Notice id to its Problem for the locate redirect.
//
// ProblemService lists, shows, resolves and exports Problems.
//
// AppService upserts the Apps declared in configuration.
//
// # Event System
//
// Services publish events via EventBus for real-time updates to connected
// clients via Server-Sent Events (SSE).
package service
