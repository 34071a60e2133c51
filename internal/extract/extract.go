package extract

import (
	"regexp"
	"slices"
)

// Multiplicity describes how repeated matches of a field are reported
type Multiplicity int

const (
	// Set reports each distinct match once, sorted
	Set Multiplicity = iota
	// Sequence reports each distinct match once, in first-seen order
	Sequence
)

// matcher is one row of the pattern table
type matcher struct {
	field        Field
	pattern      *regexp.Regexp
	group        int // submatch to report, 0 for the whole match
	multiplicity Multiplicity
}

// matchers is the fixed battery applied to every document, in order.
// Go's regexp has no backreferences, so the date separator is spelled out per alternative.
var matchers = []matcher{
	{
		field:        FieldDates,
		pattern:      regexp.MustCompile(`\b(?:\d{1,2}/\d{1,2}/(?:\d{4}|\d{2})|\d{1,2}-\d{1,2}-(?:\d{4}|\d{2})|\d{1,2}\.\d{1,2}\.(?:\d{4}|\d{2}))\b`),
		multiplicity: Set,
	},
	{
		field:        FieldAmounts,
		pattern:      regexp.MustCompile(`(?i)(?:\bRs\.?|\bINR|₹)\s*\d[\d,]*(?:\.\d{2})?`),
		multiplicity: Set,
	},
	{
		field:        FieldWarrantyPeriods,
		pattern:      regexp.MustCompile(`(?i)\d+\s*(?:years|year|yr|months|month|mon)`),
		multiplicity: Set,
	},
	{
		field:        FieldPhones,
		pattern:      regexp.MustCompile(`\b\d{10}\b|\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		multiplicity: Set,
	},
	{
		field:        FieldEmails,
		pattern:      regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		multiplicity: Set,
	},
	{
		field:        FieldGSTNumbers,
		pattern:      regexp.MustCompile(`\b\d{2}[A-Z]{5}\d{4}[A-Z][A-Z\d]Z[A-Z\d]\b`),
		multiplicity: Set,
	},
	{
		field:        FieldInvoiceNumbers,
		pattern:      regexp.MustCompile(`(?i:invoice|bill|receipt)[\s#:.nNoO]*([A-Z0-9-]+)`),
		group:        1,
		multiplicity: Sequence,
	},
}

// Extract applies the pattern table to text and returns the matches for every field.
// It performs no I/O and returns the same result for the same input.
func Extract(text string) *Fields {
	fields := &Fields{FullText: text}
	for _, m := range matchers {
		*fields.slot(m.field) = m.find(text)
	}
	return fields
}

// find returns the distinct matches of m in text, sorted for a Set and in
// first-seen order for a Sequence
func (m matcher) find(text string) []string {
	found := m.pattern.FindAllStringSubmatchIndex(text, -1)
	values := make([]string, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, loc := range found {
		start, end := loc[2*m.group], loc[2*m.group+1]
		if start < 0 {
			continue
		}
		v := text[start:end]
		if seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	if m.multiplicity == Set {
		slices.Sort(values)
	}
	return values
}
