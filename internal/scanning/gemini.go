package scanning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// transcribePrompt is the prompt used for a plain recognition call
const transcribePrompt = `You are an OCR engine. Transcribe all text visible in the image exactly as printed, preserving line breaks. This is typically a bill, invoice, receipt or warranty card.

Return ONLY valid JSON in this exact format:
{
  "text": "the transcribed text",
  "confidence": 0
}

Important:
- "confidence" is your certainty that the transcription is correct, as a number from 0 to 100
- Do not correct spelling, reformat numbers or translate anything
- If the image contains no text, use an empty string for "text" and 0 for "confidence"
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// Gemini implements the Engine interface using Google Gemini
type Gemini struct {
	client    *genai.Client
	modelName string
	timeout   time.Duration
}

// NewGemini creates a new Gemini engine
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:    client,
		modelName: modelName,
		timeout:   60 * time.Second,
	}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Recognize transcribes the image at path with a fresh model handle
func (g *Gemini) Recognize(ctx context.Context, path string, opts Options) (*RawResult, error) {
	return g.generate(ctx, g.client.GenerativeModel(g.modelName), path, buildPrompt(opts), opts.Progress)
}

// NewSession creates a model handle whose prompt carries the whitelist and layout instructions
func (g *Gemini) NewSession(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	model := g.client.GenerativeModel(g.modelName)
	model.SetTemperature(0)
	return &geminiSession{
		engine:   g,
		model:    model,
		prompt:   buildPrompt(opts),
		progress: opts.Progress,
	}, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) generate(ctx context.Context, model *genai.GenerativeModel, path, prompt string, progress ProgressFunc) (*RawResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	emit(progress, "loading image", 0)
	imageData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	parts := []genai.Part{
		genai.ImageData(imageFormat(path), imageData),
		genai.Text(prompt),
	}

	emit(progress, "recognizing text", 0)
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	emit(progress, "recognizing text", 1)

	result, err := parseRecognitionJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing recognition result: %w", err)
	}
	return result, nil
}

type geminiSession struct {
	engine   *Gemini
	model    *genai.GenerativeModel
	prompt   string
	progress ProgressFunc
}

func (s *geminiSession) Recognize(ctx context.Context, path string) (*RawResult, error) {
	if s.model == nil {
		return nil, fmt.Errorf("session released")
	}
	return s.engine.generate(ctx, s.model, path, s.prompt, s.progress)
}

// Release drops the model handle; the shared client stays open
func (s *geminiSession) Release() error {
	s.model = nil
	return nil
}

func buildPrompt(opts Options) string {
	var b strings.Builder
	b.WriteString(transcribePrompt)
	if opts.Language != "" && opts.Language != DefaultLanguage {
		fmt.Fprintf(&b, "\n- The document language is %q (tesseract language code)", opts.Language)
	}
	if opts.Whitelist != "" {
		fmt.Fprintf(&b, "\n- Only output characters from this set (plus line breaks): %q", opts.Whitelist)
	}
	if opts.PageSegMode == PageSegAuto {
		b.WriteString("\n- Detect the page layout automatically and read blocks top to bottom, left to right")
	}
	return b.String()
}

// imageFormat returns the genai image format for path's extension
func imageFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "png"
	default:
		return "jpeg"
	}
}
