package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

type recognitionJSON struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// parseRecognitionJSON parses the JSON transcription returned by an LLM engine
func parseRecognitionJSON(text string) (*RawResult, error) {
	text = strings.TrimSpace(text)

	// Remove opening markdown code blocks
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	text = text[startIdx : endIdx+1]

	var data recognitionJSON
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	result := &RawResult{Text: data.Text}
	if data.Confidence != nil {
		result.Confidence = *data.Confidence
	}
	// A transcription without text has nothing to be confident about
	if strings.TrimSpace(result.Text) == "" {
		result.Confidence = 0
	}
	return result, nil
}
