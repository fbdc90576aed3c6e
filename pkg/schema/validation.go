package schema

import "fmt"

// FindingSeverity classifies a validation finding.
type FindingSeverity string

const (
	SeverityWarning  FindingSeverity = "warning"
	SeverityError    FindingSeverity = "error"
	SeverityCritical FindingSeverity = "critical"
)

// Finding is a single validation problem with location context.
type Finding struct {
	Path     string          `json:"path"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Severity FindingSeverity `json:"severity"`
}

// ValidationResult aggregates findings from the validator. It is plain data
// so callers can render findings without unwinding control flow.
type ValidationResult struct {
	Findings []Finding `json:"findings,omitempty"`
}

// Valid returns true if there are no error or critical findings.
func (r *ValidationResult) Valid() bool {
	for _, f := range r.Findings {
		if f.Severity != SeverityWarning {
			return false
		}
	}
	return true
}

// AddWarning appends a warning-severity finding.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Findings = append(r.Findings, Finding{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// AddError appends an error-severity finding.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Findings = append(r.Findings, Finding{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddCritical appends a critical-severity finding.
func (r *ValidationResult) AddCritical(path, code, message string) {
	r.Findings = append(r.Findings, Finding{Path: path, Code: code, Message: message, Severity: SeverityCritical})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Findings = append(r.Findings, other.Findings...)
}

// Errors returns the non-warning findings.
func (r *ValidationResult) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity != SeverityWarning {
			out = append(out, f)
		}
	}
	return out
}

// Warnings returns the warning findings.
func (r *ValidationResult) Warnings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			out = append(out, f)
		}
	}
	return out
}

// ToError converts the result to a FlowError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}

	msg := errs[0].Message
	if len(errs) > 1 {
		msg = fmt.Sprintf("validation failed with %d findings", len(errs))
	}

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(errs),
		"warning_count": len(r.Warnings()),
		"findings":      r.Findings,
	})
}
