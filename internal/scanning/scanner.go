package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// EnhancedWhitelist is the character set recognized in enhanced mode
const EnhancedWhitelist = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz@.,-/₹Rs "

// DefaultLanguage is the recognition language used when none is configured
const DefaultLanguage = "eng"

// Mode selects how a document is recognized
type Mode int

const (
	// ModeStandard makes a single engine call with default settings
	ModeStandard Mode = iota
	// ModeEnhanced recognizes through a session restricted to EnhancedWhitelist with automatic page segmentation
	ModeEnhanced
)

func (m Mode) String() string {
	if m == ModeEnhanced {
		return "enhanced"
	}
	return "standard"
}

// PageSegMode is the layout analysis strategy requested from an engine
type PageSegMode int

const (
	// PageSegDefault leaves layout analysis to the engine
	PageSegDefault PageSegMode = iota
	// PageSegAuto is fully automatic page segmentation without orientation detection
	PageSegAuto
)

// Progress is a recognition progress event
type Progress struct {
	Status   string
	Progress float64 // 0..1
}

// ProgressFunc receives progress events. It must not affect recognition.
type ProgressFunc func(Progress)

// Options configures a recognition call or session
type Options struct {
	Language    string
	Whitelist   string
	PageSegMode PageSegMode
	Progress    ProgressFunc
}

// RawResult is what an engine reports for one image
type RawResult struct {
	Text       string
	Confidence float64 // 0..100
}

// Engine defines the interface for an OCR engine
type Engine interface {
	// Name identifies the engine in logs and responses
	Name() string
	// Recognize performs a single recognition of the image at path
	Recognize(ctx context.Context, path string, opts Options) (*RawResult, error)
	// NewSession creates a reusable recognition session configured with opts
	NewSession(ctx context.Context, opts Options) (Session, error)
	// Close closes the engine and releases resources
	Close() error
}

// Session is a configured recognizer. It is not safe for concurrent use and
// must be released exactly once.
type Session interface {
	Recognize(ctx context.Context, path string) (*RawResult, error)
	Release() error
}

// Result is a recognized document
type Result struct {
	Text       string `json:"text"`
	Confidence int    `json:"confidence"`
}

// RecognitionError is returned when the engine fails to recognize an image
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return e.Err.Error()
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}

var displayNames = map[string]string{
	"tesseract": "Tesseract",
	"gemini":    "Gemini",
	"ollama":    "Ollama",
}

// DisplayName returns the human-readable name of the engine called name
func DisplayName(name string) string {
	if d, ok := displayNames[name]; ok {
		return d
	}
	return name
}

// Scanner runs documents through an Engine in either mode
type Scanner struct {
	engine   Engine
	language string
	progress ProgressFunc
}

// NewScanner creates a Scanner for engine. An empty language selects DefaultLanguage.
func NewScanner(engine Engine, language string) *Scanner {
	if language == "" {
		language = DefaultLanguage
	}
	return &Scanner{
		engine:   engine,
		language: language,
		progress: logProgress,
	}
}

// WithProgress replaces the progress sink. A nil sink discards events.
func (s *Scanner) WithProgress(fn ProgressFunc) *Scanner {
	if fn == nil {
		fn = func(Progress) {}
	}
	s.progress = fn
	return s
}

// EngineName returns the name of the underlying engine
func (s *Scanner) EngineName() string {
	return s.engine.Name()
}

type recognition struct {
	raw *RawResult
	err error
}

// Recognize recognizes the image at path. See RecognizeTracked.
func (s *Scanner) Recognize(ctx context.Context, path string, mode Mode) (*Result, error) {
	result, _, err := s.RecognizeTracked(ctx, path, mode)
	return result, err
}

// RecognizeTracked recognizes the image at path. The engine runs on its own
// goroutine, which owns any session it creates, so a cancelled ctx returns
// immediately. The returned channel is closed once the engine call has
// finished and its session is released; after a cancelled ctx that happens
// later than the return.
func (s *Scanner) RecognizeTracked(ctx context.Context, path string, mode Mode) (*Result, <-chan struct{}, error) {
	finished := make(chan struct{})
	if err := ctx.Err(); err != nil {
		close(finished)
		return nil, finished, &RecognitionError{Err: fmt.Errorf("recognizing %s: %w", path, err)}
	}

	done := make(chan recognition, 1)
	go func() {
		var r recognition
		switch mode {
		case ModeEnhanced:
			r.raw, r.err = s.recognizeEnhanced(ctx, path)
		default:
			r.raw, r.err = s.engine.Recognize(ctx, path, Options{
				Language: s.language,
				Progress: s.progress,
			})
		}
		close(finished)
		done <- r
	}()

	select {
	case <-ctx.Done():
		return nil, finished, &RecognitionError{Err: fmt.Errorf("recognizing %s: %w", path, ctx.Err())}
	case r := <-done:
		if r.err != nil {
			return nil, finished, &RecognitionError{Err: r.err}
		}
		return &Result{
			Text:       strings.TrimSpace(r.raw.Text),
			Confidence: roundConfidence(r.raw.Confidence),
		}, finished, nil
	}
}

// recognizeEnhanced acquires a session, runs one recognition and releases it
func (s *Scanner) recognizeEnhanced(ctx context.Context, path string) (*RawResult, error) {
	session, err := s.engine.NewSession(ctx, Options{
		Language:    s.language,
		Whitelist:   EnhancedWhitelist,
		PageSegMode: PageSegAuto,
		Progress:    s.progress,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer func() {
		if err := session.Release(); err != nil {
			slog.Warn("Failed to release recognition session", "engine", s.engine.Name(), "error", err)
		}
	}()

	return session.Recognize(ctx, path)
}

func roundConfidence(c float64) int {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return int(math.Round(c))
}

func logProgress(p Progress) {
	if p.Status == "recognizing text" {
		slog.Debug("OCR progress", "progress", fmt.Sprintf("%d%%", int(math.Round(p.Progress*100))))
	}
}
