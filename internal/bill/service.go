package bill

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/semaphore"

	"github.com/zombor/billscan/internal/extract"
	"github.com/zombor/billscan/internal/scanning"
)

// Recognizer defines the OCR dependency. The channel returned by
// RecognizeTracked is closed once the engine has stopped working on path,
// which may be after RecognizeTracked returns.
type Recognizer interface {
	RecognizeTracked(ctx context.Context, path string, mode scanning.Mode) (*scanning.Result, <-chan struct{}, error)
	EngineName() string
}

// ExtractFunc turns recognized text into fields
type ExtractFunc func(text string) *extract.Fields

// Service runs uploads through intake, recognition and field extraction
type Service struct {
	intake  *Intake
	scanner Recognizer
	workers *semaphore.Weighted
	extract ExtractFunc
}

// NewService creates a new Service allowing maxConcurrent recognitions at once.
// A non-positive maxConcurrent uses the number of CPUs.
func NewService(intake *Intake, scanner Recognizer, maxConcurrent int64) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = int64(runtime.NumCPU())
	}
	return NewServiceWithDeps(intake, scanner, semaphore.NewWeighted(maxConcurrent), extract.Extract)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(intake *Intake, scanner Recognizer, workers *semaphore.Weighted, extractFn ExtractFunc) *Service {
	return &Service{
		intake:  intake,
		scanner: scanner,
		workers: workers,
		extract: extractFn,
	}
}

// EngineName returns the name of the OCR engine in use
func (s *Service) EngineName() string {
	return s.scanner.EngineName()
}

// MaxUploadBytes returns the largest accepted upload
func (s *Service) MaxUploadBytes() int64 {
	return s.intake.MaxBytes()
}

// Process validates and stores upload, recognizes it in mode and extracts its
// fields. The stored file is removed before Process returns, whatever the outcome.
func (s *Service) Process(ctx context.Context, upload *Upload, mode scanning.Mode) *Outcome {
	doc, err := s.intake.Accept(upload)
	if err != nil {
		return failureOutcome(err)
	}
	defer s.intake.Discard(doc)

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return failureOutcome(&Error{Kind: KindUnavailable, Summary: "Service at capacity", Err: err})
	}

	slog.Info("Starting OCR", "engine", s.scanner.EngineName(), "mode", mode.String(), "path", doc.Path)
	result, finished, err := s.scanner.RecognizeTracked(ctx, doc.Path, mode)
	s.releaseWhenFinished(finished)
	if err != nil {
		slog.Error("Failed to recognize document",
			"filename", doc.OriginalName,
			"content_type", doc.MimeType,
			"file_size", doc.Size,
			"mode", mode.String(),
			"error", err,
		)
		return failureOutcome(err)
	}
	slog.Info("OCR completed", "confidence", result.Confidence, "text_length", len(result.Text))

	if result.Text == "" {
		return emptyOutcome()
	}

	fields := s.extract(result.Text)
	return successOutcome(result.Text, fields, result.Confidence, s.successMessage(mode))
}

// releaseWhenFinished frees the worker slot once the engine call behind it
// has returned. A timed-out request is answered right away but its slot stays
// held while the engine keeps running.
func (s *Service) releaseWhenFinished(finished <-chan struct{}) {
	select {
	case <-finished:
		s.workers.Release(1)
	default:
		go func() {
			<-finished
			s.workers.Release(1)
		}()
	}
}

func (s *Service) successMessage(mode scanning.Mode) string {
	if mode == scanning.ModeEnhanced {
		return "Text extracted successfully with enhanced OCR"
	}
	return fmt.Sprintf("Text extracted successfully using %s OCR", scanning.DisplayName(s.scanner.EngineName()))
}
