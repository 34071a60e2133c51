package bill

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/zombor/billscan/internal/extract"
	"github.com/zombor/billscan/internal/scanning"
)

const (
	// uploadField is the multipart field carrying the image
	uploadField = "image"
	// multipartOverhead is the allowance for form boundaries and headers on top of the file itself
	multipartOverhead = 1 << 20
	// multipartMemory is how much of a form is held in memory before spilling to disk
	multipartMemory = 32 << 20
)

type extractResponse struct {
	Success       bool            `json:"success"`
	Text          string          `json:"text"`
	ExtractedData *extract.Fields `json:"extractedData"`
	Confidence    int             `json:"confidence"`
	Message       string          `json:"message"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// handleIndex describes the service
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Bill OCR API is running (" + s.service.EngineName() + " OCR)",
		"endpoints": map[string]string{
			"extractText":         "POST /api/extract-text",
			"extractTextEnhanced": "POST /api/extract-text-enhanced",
			"health":              "GET /health",
		},
		"ocrEngine": s.service.EngineName(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleExtract handles an image upload for the given recognition mode
func (s *Server) handleExtract(mode scanning.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("Received extraction request", "path", r.URL.Path, "mode", mode.String())

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()

		upload, closeUpload, err := s.readUpload(w, r)
		if err != nil {
			slog.Error("Error reading upload", "error", err)
			writeOutcome(w, failureOutcome(err))
			return
		}
		defer closeUpload()

		writeOutcome(w, s.service.Process(ctx, upload, mode))
	}
}

// readUpload parses the multipart body. A request without an image yields a nil Upload.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (*Upload, func(), error) {
	noop := func() {}
	maxBytes := s.service.MaxUploadBytes()
	if r.ContentLength > maxBytes+multipartOverhead {
		// Drain a bounded amount so the client reads the response instead of a reset
		_, _ = io.CopyN(io.Discard, r.Body, 2*(maxBytes+multipartOverhead))
		return nil, noop, fileTooLarge(maxBytes)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, noop, fileTooLarge(maxBytes)
		case errors.Is(err, http.ErrNotMultipart):
			return nil, noop, nil
		default:
			return nil, noop, &Error{Kind: KindValidation, Summary: "Error parsing form", Details: err.Error(), Err: err}
		}
	}
	removeForm := func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("Failed to remove multipart temp files", "error", err)
		}
	}

	f, header, err := r.FormFile(uploadField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, removeForm, nil
	}
	if err != nil {
		removeForm()
		return nil, noop, &Error{Kind: KindValidation, Summary: "Error reading file", Details: err.Error(), Err: err}
	}

	return uploadFromPart(f, header), func() {
		f.Close()
		removeForm()
	}, nil
}

func uploadFromPart(f multipart.File, header *multipart.FileHeader) *Upload {
	return &Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        f,
	}
}

// writeOutcome writes the JSON response for o
func writeOutcome(w http.ResponseWriter, o *Outcome) {
	switch o.Status {
	case StatusSuccess, StatusEmpty:
		writeJSON(w, http.StatusOK, extractResponse{
			Success:       true,
			Text:          o.Text,
			ExtractedData: o.Fields,
			Confidence:    o.Confidence,
			Message:       o.Message,
		})
	default:
		writeJSON(w, o.Err.StatusCode(), errorResponse{
			Error:   o.Err.Summary,
			Details: o.Err.Details,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}
