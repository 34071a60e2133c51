package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract implements the Engine interface using the gosseract client
type Tesseract struct {
	tessdataPrefix string
	clientFactory  func() *gosseract.Client
}

// NewTesseract creates a Tesseract engine. An empty tessdataPrefix uses the library default.
func NewTesseract(tessdataPrefix string) *Tesseract {
	return &Tesseract{
		tessdataPrefix: tessdataPrefix,
		clientFactory:  gosseract.NewClient,
	}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Recognize performs OCR on a single image with a short-lived client
func (t *Tesseract) Recognize(ctx context.Context, path string, opts Options) (*RawResult, error) {
	c, err := t.newClient(opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return recognizeWithClient(ctx, c, path, opts.Progress)
}

// NewSession creates a client configured with opts that lives until Release
func (t *Tesseract) NewSession(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := t.newClient(opts)
	if err != nil {
		return nil, err
	}
	return &tesseractSession{client: c, progress: opts.Progress}, nil
}

// Close is a no-op; clients are closed per call or per session
func (t *Tesseract) Close() error {
	return nil
}

// clientConfig is the gosseract configuration derived from Options
type clientConfig struct {
	tessdataPrefix string
	language       string
	whitelist      string
	pageSegMode    gosseract.PageSegMode
	setPageSegMode bool
}

func (t *Tesseract) configFor(opts Options) clientConfig {
	cfg := clientConfig{
		tessdataPrefix: t.tessdataPrefix,
		language:       opts.Language,
		whitelist:      opts.Whitelist,
	}
	if cfg.language == "" {
		cfg.language = DefaultLanguage
	}
	if opts.PageSegMode == PageSegAuto {
		cfg.pageSegMode = gosseract.PSM_AUTO
		cfg.setPageSegMode = true
	}
	return cfg
}

func (t *Tesseract) newClient(opts Options) (*gosseract.Client, error) {
	cfg := t.configFor(opts)
	c := t.clientFactory()
	if cfg.tessdataPrefix != "" {
		if err := c.SetTessdataPrefix(cfg.tessdataPrefix); err != nil {
			c.Close()
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if err := c.SetLanguage(cfg.language); err != nil {
		c.Close()
		return nil, fmt.Errorf("set language: %w", err)
	}
	if cfg.whitelist != "" {
		if err := c.SetWhitelist(cfg.whitelist); err != nil {
			c.Close()
			return nil, fmt.Errorf("set whitelist: %w", err)
		}
	}
	if cfg.setPageSegMode {
		if err := c.SetPageSegMode(cfg.pageSegMode); err != nil {
			c.Close()
			return nil, fmt.Errorf("set page segmentation mode: %w", err)
		}
	}
	return c, nil
}

type tesseractSession struct {
	client   *gosseract.Client
	progress ProgressFunc
}

func (s *tesseractSession) Recognize(ctx context.Context, path string) (*RawResult, error) {
	if s.client == nil {
		return nil, errors.New("session released")
	}
	return recognizeWithClient(ctx, s.client, path, s.progress)
}

func (s *tesseractSession) Release() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func recognizeWithClient(ctx context.Context, c *gosseract.Client, path string, progress ProgressFunc) (*RawResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emit(progress, "loading image", 0)
	if err := c.SetImage(path); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	emit(progress, "recognizing text", 0)
	text, err := c.Text()
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}
	emit(progress, "recognizing text", 1)

	return &RawResult{
		Text:       text,
		Confidence: meanWordConfidence(c),
	}, nil
}

// meanWordConfidence averages the per-word confidence tesseract reports, 0..100
func meanWordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes))
}

func emit(progress ProgressFunc, status string, p float64) {
	if progress != nil {
		progress(Progress{Status: status, Progress: p})
	}
}
