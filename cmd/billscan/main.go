package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/billscan/internal/bill"
	"github.com/zombor/billscan/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A .env file is optional; real environment variables take precedence
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	intakeDefaults := bill.DefaultIntakeConfig()
	serverDefaults := bill.DefaultServerConfig()

	flags := ff.NewFlagSet("billscan")
	var (
		port           = flags.IntLong("port", 5000, "HTTP server port")
		uploadDir      = flags.StringLong("upload-dir", intakeDefaults.Dir, "Directory for temporary uploads")
		maxUploadBytes = flags.IntLong("max-upload-bytes", int(intakeDefaults.MaxBytes), "Maximum accepted image size in bytes")
		engineType     = flags.StringLong("engine", "tesseract", "OCR engine: 'tesseract', 'gemini' or 'ollama'")
		language       = flags.StringLong("language", scanning.DefaultLanguage, "Recognition language (tesseract language code)")
		tessdataPrefix = flags.StringLong("tessdata-prefix", "", "Tesseract tessdata directory (optional)")
		geminiKey      = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = flags.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL      = flags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = flags.StringLong("ollama-model", "llava", "Ollama vision model name (e.g., llava, qwen2-vl)")
		maxConcurrent  = flags.IntLong("max-concurrent", 0, "Maximum concurrent recognitions (0 = number of CPUs)")
		requestTimeout = flags.DurationLong("request-timeout", serverDefaults.RequestTimeout, "Per-request processing timeout")
		rateLimitEvery = flags.DurationLong("rate-limit-every", serverDefaults.RateLimitEvery, "Per-client token refill interval (0 disables rate limiting)")
		rateLimitBurst = flags.IntLong("rate-limit-burst", serverDefaults.RateLimitBurst, "Per-client burst size")
		corsOrigins    = flags.StringLong("cors-origins", "*", "Comma-separated list of allowed CORS origins")
		logLevel       = flags.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat      = flags.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		showVersion    = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("BILLSCAN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// Initialize engine based on type
	var engine scanning.Engine
	switch *engineType {
	case "tesseract":
		slog.Info("Initializing Tesseract engine...", "language", *language)
		engine = scanning.NewTesseract(*tessdataPrefix)
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini engine...", "model", *geminiModel)
		engine, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama engine...", "url", *ollamaURL, "model", *ollamaModel)
		engine, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid engine type", "type", *engineType, "valid", "tesseract, gemini or ollama")
		os.Exit(1)
	}
	defer engine.Close()

	// Initialize storage
	slog.Info("Initializing upload storage...", "dir", *uploadDir)
	store, err := bill.NewLocalStorage(*uploadDir)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	intakeCfg := intakeDefaults
	intakeCfg.Dir = *uploadDir
	intakeCfg.MaxBytes = int64(*maxUploadBytes)
	intake := bill.NewIntake(intakeCfg, store)

	scanner := scanning.NewScanner(engine, *language)
	service := bill.NewService(intake, scanner, int64(*maxConcurrent))

	server := bill.NewServer(service, bill.ServerConfig{
		AllowedOrigins: splitList(*corsOrigins),
		RequestTimeout: *requestTimeout,
		RateLimitEvery: *rateLimitEvery,
		RateLimitBurst: *rateLimitBurst,
	})

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "engine", engine.Name(), "version", version)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
