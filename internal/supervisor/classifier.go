package supervisor

import (
	"strings"
	"time"

	"github.com/harrison/ralph/internal/budget"
)

// CompletionMarker is printed by the worker once every task is done.
const CompletionMarker = "<promise>COMPLETE</promise>"

// ClassKind is the signal found in one invocation's output.
type ClassKind int

const (
	NotMatched ClassKind = iota
	RateLimited
	Completed
)

// String returns the kind name used in logs.
func (k ClassKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Completed:
		return "completed"
	default:
		return "not_matched"
	}
}

// Classification is the result of scanning worker output.
type Classification struct {
	Kind      ClassKind
	RawMatch  string                // Text that triggered the match
	RateLimit *budget.RateLimitInfo // Set when Kind is RateLimited
}

// Classifier turns worker output into a control-flow signal.
type Classifier interface {
	Classify(output string) Classification
}

// OutputClassifier looks for the completion marker first, then for known
// rate-limit phrases.
type OutputClassifier struct {
	CompletionMarker string
	Parser           *budget.ResetParser
	FallbackWait     time.Duration
}

// NewOutputClassifier creates a classifier with the default marker and
// reset parser.
func NewOutputClassifier(fallback time.Duration) *OutputClassifier {
	return &OutputClassifier{
		CompletionMarker: CompletionMarker,
		Parser:           budget.NewResetParser(),
		FallbackWait:     fallback,
	}
}

// Classify implements Classifier.
func (c *OutputClassifier) Classify(output string) Classification {
	marker := c.CompletionMarker
	if marker == "" {
		marker = CompletionMarker
	}
	if strings.Contains(output, marker) {
		return Classification{Kind: Completed, RawMatch: marker}
	}

	if info := budget.DetectRateLimit(output, c.Parser, c.FallbackWait); info != nil {
		return Classification{Kind: RateLimited, RawMatch: info.Phrase, RateLimit: info}
	}

	return Classification{Kind: NotMatched}
}
