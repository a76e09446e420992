// Package translate converts individual source chunks between the two
// sides of a conversion pair through an LLM backend.
package translate

import (
	"context"

	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/pkg/settings"
)

// Request carries one chunk to the model together with the session
// context the prompt is built from.
type Request struct {
	SessionID      string
	Chunk          plan.Chunk
	Direction      settings.Direction
	SourceLanguage string
	TargetLanguage string
	Model          string
	// Hints are operator-supplied notes from earlier manual fixes of
	// similar chunks. They are appended to the prompt verbatim.
	Hints []string
}

// Result is the translated chunk plus the usage the backend reported.
// TokensUsed is zero when the backend does not report usage.
type Result struct {
	Output     string
	TokensUsed int
	Model      string
}

// Translator converts a single chunk. Implementations must be safe for
// concurrent use.
type Translator interface {
	Translate(ctx context.Context, req Request) (*Result, error)
}

// Severity of a validation diagnostic. Only SeverityError blocks a
// chunk from being accepted.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is one finding from validating a converted chunk.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Line     int      `json:"line,omitempty"`
}

// Report summarises validation of a converted chunk.
type Report struct {
	Pass        bool         `json:"pass"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Blocking reports whether any diagnostic is severe enough to reject
// the chunk.
func (r *Report) Blocking() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validator checks a converted chunk before it is accepted.
type Validator interface {
	Validate(ctx context.Context, chunk plan.Chunk) (*Report, error)
}

// NoopValidator accepts every chunk. Used when no project-specific
// validation is configured.
type NoopValidator struct{}

func (NoopValidator) Validate(_ context.Context, _ plan.Chunk) (*Report, error) {
	return &Report{Pass: true}, nil
}

// HeuristicValidator applies cheap structural checks that catch the
// most common model failure modes without invoking a toolchain.
type HeuristicValidator struct{}

func (HeuristicValidator) Validate(_ context.Context, chunk plan.Chunk) (*Report, error) {
	report := &Report{Pass: true}

	if chunk.ContentOut == "" {
		report.Diagnostics = append(report.Diagnostics, Diagnostic{
			Severity: SeverityError,
			Message:  "converted chunk is empty",
		})
	}

	if delta := braceBalance(chunk.ContentOut); delta != 0 {
		report.Diagnostics = append(report.Diagnostics, Diagnostic{
			Severity: SeverityWarning,
			Message:  "unbalanced braces in converted chunk",
		})
	}

	if report.Blocking() {
		report.Pass = false
	}
	return report, nil
}

func braceBalance(s string) int {
	depth := 0
	for _, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		}
	}
	return depth
}

// EstimateTokens approximates the token count of a prompt built from
// the given chunk. Four characters per token, doubled to cover the
// completion side.
func EstimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n * 2
}
