// Package handler implements the HTTP layer of errtally.
//
// # Handlers
//
// NoticeHandler accepts notifier submissions on /notifier_api/v2/notices,
// either as the raw XML body or as the "data" field of a query string or
// form, and answers with the notice id and its locate URL as XML.
//
// AdminHandler serves the operator API: the locate redirect, problem
// listing, detail, resolution and export, and the configured apps.
//
// # Errors
//
// Failures are mapped by kind: malformed input 400, validation 422,
// unauthorized 403, not found 404, persistence 503, anything else 500.
// Operator endpoints answer with JSON {error, details}; notifier endpoints
// answer in plain text.
//
// # Authentication
//
// Operator endpoints and the /events stream require the configured admin
// token, as a bearer token or the admin_token query parameter. Without a
// configured token they always refuse.
package handler
