package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/google/uuid"
)

// maxJSONBody caps request bodies for the small JSON endpoints.
const maxJSONBody = 64 << 10

// decodeJSON reads a single JSON object from the request body into v.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		switch {
		case errors.As(err, &mbe):
			return domain.Errorf(domain.EINVALID, op, "Request body is too large")
		case errors.Is(err, io.EOF):
			return domain.Invalid(op, "Request body is empty")
		default:
			return domain.Invalid(op, "Request body is not valid JSON")
		}
	}
	return nil
}

// pathUUID parses the named path value as a UUID.
func pathUUID(r *http.Request, name, op string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, domain.Invalid(op, "Invalid "+name)
	}
	return id, nil
}

// queryInt reads a positive integer query parameter, falling back to def.
// Values above max are clamped.
func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// =============================================================================
// Response types
// =============================================================================

type uploadResponse struct {
	ID           uuid.UUID  `json:"id"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	OriginalName string     `json:"original_name"`
	SizeBytes    int64      `json:"size_bytes"`
	LineCount    int64      `json:"line_count"`
	Periods      []string   `json:"periods"`
	Archived     bool       `json:"archived"`
	CreatedAt    time.Time  `json:"created_at"`
}

func newUploadResponse(u domain.Upload) *uploadResponse {
	resp := &uploadResponse{
		ID:           u.ID,
		OriginalName: u.OriginalName,
		SizeBytes:    u.SizeBytes,
		LineCount:    u.LineCount,
		Periods:      u.Periods,
		Archived:     u.StorageKey != "",
		CreatedAt:    u.CreatedAt,
	}
	if u.UserID.Valid {
		id := u.UserID.UUID
		resp.UserID = &id
	}
	return resp
}

type metricResponse struct {
	ID                        uuid.UUID  `json:"id"`
	UploadID                  *uuid.UUID `json:"upload_id,omitempty"`
	FileName                  string     `json:"file_name"`
	Status                    string     `json:"status"`
	LineCount                 int64      `json:"line_count"`
	FileSizeBytes             int64      `json:"file_size_bytes"`
	CreditsConsumed           int64      `json:"credits_consumed"`
	ErrorMessage              string     `json:"error_message,omitempty"`
	ProcessingStartedAt       *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt     *time.Time `json:"processing_completed_at,omitempty"`
	ProcessingDurationSeconds *int64     `json:"processing_duration_seconds,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
}

func newMetricResponse(m domain.UploadMetric) *metricResponse {
	resp := &metricResponse{
		ID:                        m.ID,
		FileName:                  m.FileName,
		Status:                    m.Status.String(),
		LineCount:                 m.LineCount,
		FileSizeBytes:             m.FileSizeBytes,
		CreditsConsumed:           m.CreditsConsumed,
		ErrorMessage:              m.ErrorMessage,
		ProcessingStartedAt:       m.ProcessingStartedAt,
		ProcessingCompletedAt:     m.ProcessingCompletedAt,
		ProcessingDurationSeconds: m.ProcessingDurationSeconds,
		CreatedAt:                 m.CreatedAt,
	}
	if m.UploadID.Valid {
		id := m.UploadID.UUID
		resp.UploadID = &id
	}
	return resp
}

type creditTransactionResponse struct {
	ID          uuid.UUID  `json:"id"`
	Type        string     `json:"type"`
	Amount      int64      `json:"amount"`
	Description string     `json:"description,omitempty"`
	UploadID    *uuid.UUID `json:"upload_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func newCreditTransactionResponses(txs []domain.CreditTransaction) []creditTransactionResponse {
	out := make([]creditTransactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp := creditTransactionResponse{
			ID:          tx.ID,
			Type:        string(tx.Type),
			Amount:      tx.Amount,
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		}
		if tx.UploadID.Valid {
			id := tx.UploadID.UUID
			resp.UploadID = &id
		}
		out = append(out, resp)
	}
	return out
}
