package handler

import (
	"bytes"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"errtally/internal/domain"
	"errtally/internal/repository"
	"errtally/internal/service"
)

// AdminHandler serves the operator API: locate, problems, apps and export
type AdminHandler struct {
	problems *service.ProblemService
	locator  *service.Locator
	apps     *service.AppService
	logger   *zap.Logger
}

// NewAdminHandler creates an AdminHandler
func NewAdminHandler(problems *service.ProblemService, locator *service.Locator, apps *service.AppService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		problems: problems,
		locator:  locator,
		apps:     apps,
		logger:   logger.Named("admin"),
	}
}

// Locate redirects a notice id to the page of its Problem
func (h *AdminHandler) Locate(w http.ResponseWriter, r *http.Request) {
	problem, err := h.locator.Locate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, h.logger, "Failed to locate notice", err)
		return
	}
	http.Redirect(w, r, service.Links{}.Problem(problem.AppID, problem.ID), http.StatusFound)
}

// GetProblem returns a Problem with its Errs and recent Notices
func (h *AdminHandler) GetProblem(w http.ResponseWriter, r *http.Request) {
	detail, err := h.problems.Get(r.Context(), r.PathValue("app_id"), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, h.logger, "Failed to get problem", err)
		return
	}
	writeJSON(w, h.logger, detail, http.StatusOK)
}

// ListProblems returns problems filtered by app_id, environment and
// resolved, paged by limit and offset
func (h *AdminHandler) ListProblems(w http.ResponseWriter, r *http.Request) {
	q, err := problemQuery(r)
	if err != nil {
		writeFailure(w, r, h.logger, "Invalid query", err)
		return
	}

	problems, err := h.problems.List(r.Context(), q)
	if err != nil {
		writeFailure(w, r, h.logger, "Failed to list problems", err)
		return
	}
	if problems == nil {
		problems = []*domain.Problem{}
	}
	writeJSON(w, h.logger, problems, http.StatusOK)
}

// ResolveProblem marks a Problem resolved
func (h *AdminHandler) ResolveProblem(w http.ResponseWriter, r *http.Request) {
	problem, err := h.problems.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, h.logger, "Failed to resolve problem", err)
		return
	}
	writeJSON(w, h.logger, problem, http.StatusOK)
}

// ExportProblems streams every matching problem as JSON or YAML
func (h *AdminHandler) ExportProblems(w http.ResponseWriter, r *http.Request) {
	q, err := problemQuery(r)
	if err != nil {
		writeFailure(w, r, h.logger, "Invalid query", err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	// Buffer so a failure midway still gets a proper error status
	var buf bytes.Buffer
	if err := h.problems.Export(r.Context(), format, q, &buf); err != nil {
		writeFailure(w, r, h.logger, "Failed to export problems", err)
		return
	}

	contentType := "application/json"
	if format != "json" {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=problems."+format)
	_, _ = buf.WriteTo(w)
}

// ListApps returns the configured Apps. API keys are never included.
func (h *AdminHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.apps.List(r.Context())
	if err != nil {
		writeFailure(w, r, h.logger, "Failed to list apps", err)
		return
	}
	if apps == nil {
		apps = []*domain.App{}
	}
	writeJSON(w, h.logger, apps, http.StatusOK)
}

func problemQuery(r *http.Request) (repository.ProblemQuery, error) {
	const op = "handler.problemQuery"
	values := r.URL.Query()

	q := repository.ProblemQuery{
		AppID:       values.Get("app_id"),
		Environment: values.Get("environment"),
	}

	if v := values.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			return q, domain.Validation(op, "resolved must be true or false")
		}
		q.Resolved = &resolved
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		v := values.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, domain.Validation(op, name+" must be a non-negative integer")
		}
		*dst = n
	}
	return q, nil
}
