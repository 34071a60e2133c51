package bill

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IntakeConfig holds the upload limits and destination
type IntakeConfig struct {
	Dir          string
	MaxBytes     int64
	AllowedTypes []string
	Prefix       string
}

// DefaultIntakeConfig returns the standard limits: JPEG and PNG up to 5MB
func DefaultIntakeConfig() IntakeConfig {
	return IntakeConfig{
		Dir:          filepath.Join(os.TempDir(), "billscan-uploads"),
		MaxBytes:     5 << 20,
		AllowedTypes: []string{"image/jpeg", "image/jpg", "image/png"},
		Prefix:       "bill",
	}
}

// Upload is an incoming file before validation
type Upload struct {
	Filename    string
	ContentType string
	Size        int64 // declared size, negative if unknown
	Body        io.Reader
}

// UploadedDocument is a validated upload stored at a temporary location
type UploadedDocument struct {
	Path         string
	MimeType     string
	Size         int64
	OriginalName string
}

// IDGenerator generates the random part of stored file names
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Intake validates uploads and owns their temporary files
type Intake struct {
	cfg         IntakeConfig
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewIntake creates a new Intake with default ID generator and time source
func NewIntake(cfg IntakeConfig, storage Storage) *Intake {
	return NewIntakeWithDeps(cfg, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewIntakeWithDeps creates a new Intake with custom dependencies for testing
func NewIntakeWithDeps(cfg IntakeConfig, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Intake {
	defaults := DefaultIntakeConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaults.MaxBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = defaults.AllowedTypes
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaults.Prefix
	}
	return &Intake{
		cfg:         cfg,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// MaxBytes returns the largest accepted upload
func (i *Intake) MaxBytes() int64 {
	return i.cfg.MaxBytes
}

// Accept validates upload and stores it. Nothing is written for a missing,
// mistyped or declared-oversized upload.
func (i *Intake) Accept(upload *Upload) (*UploadedDocument, error) {
	if upload == nil || upload.Body == nil {
		return nil, ErrNoFile
	}

	mimeType := i.mimeType(upload)
	if !slices.Contains(i.cfg.AllowedTypes, mimeType) {
		slog.Warn("Rejected upload", "filename", upload.Filename, "content_type", upload.ContentType)
		return nil, ErrInvalidType
	}
	if upload.Size > i.cfg.MaxBytes {
		return nil, fileTooLarge(i.cfg.MaxBytes)
	}

	// Read one byte past the limit so an understated size is still caught
	path, n, err := i.storage.Save(i.filename(upload.Filename, mimeType), io.LimitReader(upload.Body, i.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("saving upload: %w", err)
	}
	doc := &UploadedDocument{
		Path:         path,
		MimeType:     mimeType,
		Size:         n,
		OriginalName: upload.Filename,
	}
	if n > i.cfg.MaxBytes {
		i.Discard(doc)
		return nil, fileTooLarge(i.cfg.MaxBytes)
	}

	slog.Debug("Stored upload", "path", path, "size", n, "content_type", mimeType)
	return doc, nil
}

// Discard removes doc's file. Failures are logged and otherwise ignored.
func (i *Intake) Discard(doc *UploadedDocument) {
	if doc == nil {
		return
	}
	if err := i.storage.Delete(doc.Path); err != nil {
		slog.Warn("Failed to clean up upload", "error", &CleanupError{Path: doc.Path, Err: err})
	}
}

// mimeType normalizes the declared content type, falling back to the file extension
func (i *Intake) mimeType(upload *Upload) string {
	contentType := strings.TrimSpace(upload.ContentType)
	if contentType == "" {
		switch strings.ToLower(filepath.Ext(upload.Filename)) {
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".png":
			return "image/png"
		default:
			return "application/octet-stream"
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType
	}
	return strings.ToLower(contentType)
}

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// filename builds "<prefix>-<unix nanos>-<random><ext>", keeping the original extension when it is safe
func (i *Intake) filename(original, mimeType string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if !safeExt.MatchString(ext) {
		ext = ".jpg"
		if mimeType == "image/png" {
			ext = ".png"
		}
	}
	return fmt.Sprintf("%s-%d-%s%s", i.cfg.Prefix, i.timeSource.Now().UnixNano(), i.idGenerator.Generate(), ext)
}
