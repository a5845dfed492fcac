package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/DukeRupert/csvmeter/internal/auth"
	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/service"
	"github.com/DukeRupert/csvmeter/internal/storage"
	"github.com/google/uuid"
)

// DefaultMaxUploadBytes caps the request body of an upload when no limit is configured.
const DefaultMaxUploadBytes int64 = 50 << 20

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// UploadHandler handles CSV ingress and the metering lifecycle of uploads.
type UploadHandler struct {
	engine   *service.Engine
	maxBytes int64
	logger   *slog.Logger
}

// NewUploadHandler creates a new UploadHandler. A maxBytes of zero selects
// DefaultMaxUploadBytes.
func NewUploadHandler(engine *service.Engine, maxBytes int64, logger *slog.Logger) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &UploadHandler{
		engine:   engine,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// RegisterRoutes registers upload routes. withPrincipal must attach the
// caller's principal; limit throttles file submissions; processor admits
// only the downstream processor, which alone reports metering transitions.
func (h *UploadHandler) RegisterRoutes(
	mux *http.ServeMux,
	withPrincipal func(http.Handler) http.Handler,
	limit func(http.Handler) http.Handler,
	processor func(http.Handler) http.Handler,
) {
	mux.Handle("POST /api/uploads", withPrincipal(limit(http.HandlerFunc(h.Create))))
	mux.Handle("POST /api/uploads/check", withPrincipal(limit(http.HandlerFunc(h.Check))))
	mux.Handle("POST /api/uploads/{id}/metering", withPrincipal(processor(http.HandlerFunc(h.StartMetering))))
	mux.Handle("GET /api/uploads/{id}/file", withPrincipal(http.HandlerFunc(h.Download)))
	mux.Handle("GET /api/metrics/{id}", withPrincipal(http.HandlerFunc(h.GetMetric)))
	mux.Handle("POST /api/metrics/{id}/complete", withPrincipal(processor(http.HandlerFunc(h.CompleteMetering))))
}

// admissionResponse is the body returned for an upload attempt.
type admissionResponse struct {
	Analysis      domain.PeriodAnalysis    `json:"analysis"`
	Decision      domain.AdmissionDecision `json:"decision"`
	Upload        *uploadResponse          `json:"upload,omitempty"`
	Metric        *metricResponse          `json:"metric,omitempty"`
	TransactionID *uuid.UUID               `json:"transaction_id,omitempty"`
}

// Create accepts a multipart upload in the "file" field and runs it through
// admission. Admitted files get 201; policy denials get the status of their
// reason (413, 422 or 402) with the decision as the body.
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	const op = "upload.create"

	p, ok := auth.GetPrincipalFromRequest(r)
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	file, header, cleanup, err := h.readFile(w, r, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	defer cleanup()

	contentType, err := detectUploadType(file, header, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	res, err := h.engine.Admit(r.Context(), service.UploadRequest{
		Principal:   p,
		FileName:    header.Filename,
		SizeBytes:   header.Size,
		ContentType: contentType,
		Body:        file,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := admissionResponse{
		Analysis: res.Analysis,
		Decision: res.Decision,
	}
	if !res.Decision.Allowed {
		h.logger.Info("upload denied",
			"principal", p.Identity(),
			"reason", res.Decision.Reason,
			"line_count", res.Analysis.LineCount,
			"period_count", res.Analysis.PeriodCount,
		)
		writeJSON(w, ErrorCodeToHTTPStatus(res.Decision.Reason.ErrorCode()), resp)
		return
	}

	if res.Upload != nil {
		resp.Upload = newUploadResponse(*res.Upload)
	}
	if res.Metric != nil {
		resp.Metric = newMetricResponse(*res.Metric)
	}
	if res.TransactionID.Valid {
		id := res.TransactionID.UUID
		resp.TransactionID = &id
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Check analyzes a file and reports the admission decision without debiting,
// storing or metering anything.
func (h *UploadHandler) Check(w http.ResponseWriter, r *http.Request) {
	const op = "upload.check"

	p, ok := auth.GetPrincipalFromRequest(r)
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	file, header, cleanup, err := h.readFile(w, r, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	defer cleanup()

	if _, err := detectUploadType(file, header, op); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	analysis, err := h.engine.AnalyzeCSV(r.Context(), file)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	decision, err := h.engine.ResolveAdmission(r.Context(), p, analysis)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, admissionResponse{Analysis: analysis, Decision: decision})
}

type startMeteringRequest struct {
	LineCount int64 `json:"line_count"`
	SizeBytes int64 `json:"size_bytes"`
}

// StartMetering opens (or returns) the metric of an admitted upload. Counts
// left at zero default to the values recorded at admission. Only the
// processor or an admin reaches this handler.
func (h *UploadHandler) StartMetering(w http.ResponseWriter, r *http.Request) {
	const op = "upload.start_metering"

	uploadID, err := pathUUID(r, "id", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req startMeteringRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, op, &req); err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
	}
	if req.LineCount < 0 || req.SizeBytes < 0 {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "line_count", "must not be negative"))
		return
	}

	upload, err := h.engine.GetUpload(r.Context(), uploadID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	if req.LineCount == 0 {
		req.LineCount = upload.LineCount
	}
	if req.SizeBytes == 0 {
		req.SizeBytes = upload.SizeBytes
	}

	metricID, err := h.engine.StartMetering(r.Context(), uploadID, req.LineCount, req.SizeBytes)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uuid.UUID{"metric_id": metricID})
}

// Download streams the archived CSV of an upload to its owner or an admin.
func (h *UploadHandler) Download(w http.ResponseWriter, r *http.Request) {
	const op = "upload.download"

	p, ok := auth.GetPrincipalFromRequest(r)
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}
	uploadID, err := pathUUID(r, "id", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	upload, err := h.engine.GetUpload(r.Context(), uploadID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if !canAccess(p, upload.UserID) {
		NotFoundResponse(w, r, h.logger)
		return
	}

	rc, info, err := h.engine.OpenUploadFile(r.Context(), upload)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": storage.SanitizeFilename(upload.OriginalName),
	}))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if info.SHA256 != "" {
		w.Header().Set("X-Checksum-Sha256", info.SHA256)
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("upload download interrupted", "upload_id", upload.ID, "error", err)
	}
}

// GetMetric returns a single metric.
func (h *UploadHandler) GetMetric(w http.ResponseWriter, r *http.Request) {
	m, ok := h.loadMetric(w, r, "upload.get_metric")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newMetricResponse(m))
}

type completeMeteringRequest struct {
	Success         bool   `json:"success"`
	CreditsConsumed int64  `json:"credits_consumed"`
	ErrorMessage    string `json:"error_message"`
}

// CompleteMetering records the outcome of processing an upload. Repeating a
// completion returns the metric unchanged. Callers are the processor or an
// admin, so no ownership check applies.
func (h *UploadHandler) CompleteMetering(w http.ResponseWriter, r *http.Request) {
	const op = "upload.complete_metering"

	metricID, err := pathUUID(r, "id", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req completeMeteringRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.CreditsConsumed < 0 {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "credits_consumed", "must not be negative"))
		return
	}

	m, err := h.engine.CompleteMetering(r.Context(), metricID, service.CompletionParams{
		Success:         req.Success,
		CreditsConsumed: req.CreditsConsumed,
		ErrorMessage:    req.ErrorMessage,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newMetricResponse(m))
}

// loadMetric resolves the {id} metric and checks the caller may see it.
// Metrics of other users are reported as missing.
func (h *UploadHandler) loadMetric(w http.ResponseWriter, r *http.Request, op string) (domain.UploadMetric, bool) {
	p, ok := auth.GetPrincipalFromRequest(r)
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return domain.UploadMetric{}, false
	}

	metricID, err := pathUUID(r, "id", op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return domain.UploadMetric{}, false
	}

	m, err := h.engine.Metering().GetMetric(r.Context(), metricID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return domain.UploadMetric{}, false
	}
	if !canAccess(p, m.UserID) {
		NotFoundResponse(w, r, h.logger)
		return domain.UploadMetric{}, false
	}
	return m, true
}

// readFile parses the multipart body and returns the "file" part. The
// returned cleanup removes any temporary files.
func (h *UploadHandler) readFile(w http.ResponseWriter, r *http.Request, op string) (multipart.File, *multipart.FileHeader, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	memory := int64(multipartMemory)
	if h.maxBytes < memory {
		memory = h.maxBytes
	}
	if err := r.ParseMultipartForm(memory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, nil, nil, domain.Errorf(domain.ETOOLARGE, op, "File exceeds the maximum upload size of %d bytes", h.maxBytes)
		}
		return nil, nil, nil, domain.Invalid(op, "Request must be multipart/form-data with a file field")
	}
	cleanup := func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warn("failed to remove multipart temp files", "error", err)
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		cleanup()
		return nil, nil, nil, domain.Invalid(op, "No file provided")
	}
	return file, header, func() {
		file.Close()
		cleanup()
	}, nil
}

// detectUploadType sniffs the part's content type and rewinds the file.
func detectUploadType(file multipart.File, header *multipart.FileHeader, op string) (string, error) {
	contentType := storage.DetectContentType(header.Header.Get("Content-Type"), header.Filename, file)
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", domain.Internal(err, op, "failed to rewind upload")
	}
	if !storage.IsAllowedUploadType(contentType) {
		return "", domain.Errorf(domain.EINVALIDFORMAT, op, "Files of type %s cannot be uploaded", contentType)
	}
	return contentType, nil
}

// canAccess reports whether p may act on a record owned by owner. Records
// of anonymous uploads are only reachable by administrators.
func canAccess(p domain.Principal, owner uuid.NullUUID) bool {
	if p.IsAdmin {
		return true
	}
	return owner.Valid && !p.IsAnonymous() && owner.UUID == p.UserID
}
