package handler

import (
	"net/http"

	"go.uber.org/zap"
)

// Routes collects the handlers mounted by NewRouter. Events and Metrics
// are optional.
type Routes struct {
	Notices    *NoticeHandler
	Admin      *AdminHandler
	Events     http.Handler
	Metrics    http.Handler
	AdminToken string
	Logger     *zap.Logger
}

// NewRouter builds the HTTP handler for the whole server
func NewRouter(rt Routes) http.Handler {
	mux := http.NewServeMux()
	admin := RequireAdmin(rt.AdminToken, rt.Logger)

	// Notifier API
	for _, pattern := range []string{
		"POST /notifier_api/v2/notices",
		"POST /notifier_api/v2/notices/{$}",
		"GET /notifier_api/v2/notices",
	} {
		mux.HandleFunc(pattern, rt.Notices.Create)
	}

	// Operator API
	mux.Handle("GET /locate/{id}", admin(http.HandlerFunc(rt.Admin.Locate)))
	mux.Handle("GET /apps/{app_id}/problems/{id}", admin(http.HandlerFunc(rt.Admin.GetProblem)))
	mux.Handle("GET /api/apps", admin(http.HandlerFunc(rt.Admin.ListApps)))
	mux.Handle("GET /api/problems", admin(http.HandlerFunc(rt.Admin.ListProblems)))
	mux.Handle("POST /api/problems/{id}/resolve", admin(http.HandlerFunc(rt.Admin.ResolveProblem)))
	mux.Handle("GET /api/export/problems", admin(http.HandlerFunc(rt.Admin.ExportProblems)))

	if rt.Events != nil {
		mux.Handle("GET /events", admin(rt.Events))
	}
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rt.Logger, map[string]string{"status": "ok"}, http.StatusOK)
	})

	return Chain(mux,
		Recover(rt.Logger),
		Logger(rt.Logger),
	)
}
