package booking

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FieldViolation is one failed check on one intake field.
type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError carries every violated field, not just the first, so the
// caller can render the whole form state in one round trip.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Field, v.Reason))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,}$`)
)

// validateAnswers checks every required question for a non-empty,
// type-conformant answer. Returns nil when everything passes.
func validateAnswers(questions []Question, answers map[string]string) *ValidationError {
	var violations []FieldViolation

	for _, q := range questions {
		answer := strings.TrimSpace(answers[q.ID])

		if answer == "" {
			if q.Required {
				violations = append(violations, FieldViolation{Field: q.ID, Reason: "answer is required"})
			}
			continue
		}

		switch q.Type {
		case QuestionEmail:
			if !emailPattern.MatchString(answer) {
				violations = append(violations, FieldViolation{Field: q.ID, Reason: "must be a valid email address"})
			}
		case QuestionPhone:
			if !phonePattern.MatchString(answer) {
				violations = append(violations, FieldViolation{Field: q.ID, Reason: "must be a valid phone number"})
			}
		case QuestionNumber:
			if _, err := strconv.ParseFloat(answer, 64); err != nil {
				violations = append(violations, FieldViolation{Field: q.ID, Reason: "must be a number"})
			}
		case QuestionSelect:
			if !containsOption(q.Options, answer) {
				violations = append(violations, FieldViolation{Field: q.ID, Reason: "must be one of the configured options"})
			}
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

func containsOption(options []string, answer string) bool {
	for _, opt := range options {
		if opt == answer {
			return true
		}
	}
	return false
}
