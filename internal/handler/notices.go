package handler

import (
	"encoding/xml"
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"errtally/internal/domain"
	"errtally/internal/service"
)

// noticeResponse is the body notifiers expect after a submission
type noticeResponse struct {
	XMLName xml.Name `xml:"notice"`
	ID      string   `xml:"id"`
	URL     string   `xml:"url"`
}

// NoticeHandler accepts notifier submissions
type NoticeHandler struct {
	svc     *service.NoticeService
	links   service.Links
	maxBody int64
	logger  *zap.Logger
}

// NewNoticeHandler creates a NoticeHandler. Bodies over maxBody bytes are
// rejected.
func NewNoticeHandler(svc *service.NoticeService, links service.Links, maxBody int64, logger *zap.Logger) *NoticeHandler {
	return &NoticeHandler{
		svc:     svc,
		links:   links,
		maxBody: maxBody,
		logger:  logger.Named("notices"),
	}
}

// Create ingests a notice sent as the raw request body or as the "data"
// field of a query string or form
func (h *NoticeHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	raw, err := h.readNotice(r)
	if err != nil {
		err = domain.MalformedInput("handler.readNotice", err)
		h.writeText(w, err.Error(), StatusFor(err))
		return
	}

	report, err := h.svc.ReportError(r.Context(), raw)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to ingest notice", zap.Error(err))
			h.writeText(w, http.StatusText(status), status)
			return
		}
		h.logger.Debug("notice rejected", zap.Int("status", status), zap.Error(err))
		h.writeText(w, err.Error(), status)
		return
	}

	body, err := xml.Marshal(noticeResponse{
		ID:  report.Notice.ID,
		URL: h.links.Locate(report.Notice.ID),
	})
	if err != nil {
		h.writeText(w, "failed to render response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_, _ = w.Write(body)
}

func (h *NoticeHandler) readNotice(r *http.Request) ([]byte, error) {
	if data := r.URL.Query().Get("data"); data != "" {
		return []byte(data), nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return []byte(r.PostForm.Get("data")), nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.maxBody); err != nil {
			return nil, err
		}
		return []byte(r.PostFormValue("data")), nil
	}

	return io.ReadAll(r.Body)
}

func (h *NoticeHandler) writeText(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg+"\n")
}
