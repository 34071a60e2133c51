package bill

import "github.com/zombor/billscan/internal/extract"

// NoTextMessage is reported when recognition finds no text
const NoTextMessage = "No text found in the image"

// Status discriminates the variants of an Outcome
type Status int

const (
	StatusSuccess Status = iota
	StatusEmpty
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return "empty"
	default:
		return "failure"
	}
}

// Outcome is the result of processing one upload. Text, Fields, Confidence
// and Message are set only for StatusSuccess (Message also for StatusEmpty);
// Err is set only for StatusFailure.
type Outcome struct {
	Status     Status
	Text       string
	Fields     *extract.Fields
	Confidence int
	Message    string
	Err        *Error
}

func successOutcome(text string, fields *extract.Fields, confidence int, message string) *Outcome {
	return &Outcome{
		Status:     StatusSuccess,
		Text:       text,
		Fields:     fields,
		Confidence: confidence,
		Message:    message,
	}
}

func emptyOutcome() *Outcome {
	return &Outcome{Status: StatusEmpty, Message: NoTextMessage}
}

func failureOutcome(err error) *Outcome {
	return &Outcome{Status: StatusFailure, Err: classify(err)}
}
