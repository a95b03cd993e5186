// Package validation aggregates pre-trade checks into a single report. A
// report never short-circuits: every validator runs to completion so the
// caller sees all problems at once, not just the first.
package validation

import (
	"fmt"
	"strings"
)

// Status is the overall verdict of a report.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusWarning Status = "WARNING"
	StatusFail    Status = "FAIL"
)

// Severity ranks an individual issue.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityFail    Severity = "FAIL"
)

// Issue is one finding from a validator.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// Report collects issues. Zero value is a passing report.
type Report struct {
	Issues   []Issue                `json:"issues"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AddFail appends a FAIL issue.
func (r *Report) AddFail(code, field, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{
		Severity: SeverityFail,
		Code:     code,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

// AddWarning appends a WARNING issue.
func (r *Report) AddWarning(code, field, format string, args ...interface{}) {
	r.Issues = append(r.Issues, Issue{
		Severity: SeverityWarning,
		Code:     code,
		Field:    field,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Merge appends another report's issues and metadata.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
	for k, v := range other.Metadata {
		r.SetMetadata(k, v)
	}
}

// SetMetadata records a key on the report.
func (r *Report) SetMetadata(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	r.Metadata[key] = value
}

// Status derives the verdict: any FAIL forces FAIL, otherwise any WARNING
// forces WARNING, otherwise PASS.
func (r *Report) Status() Status {
	status := StatusPass
	for _, issue := range r.Issues {
		if issue.Severity == SeverityFail {
			return StatusFail
		}
		status = StatusWarning
	}
	return status
}

// Passed reports whether execution may proceed (PASS or WARNING).
func (r *Report) Passed() bool {
	return r.Status() != StatusFail
}

// ToMap serializes the report for wire transport and persistence. FromMap
// reverses it losslessly.
func (r *Report) ToMap() map[string]interface{} {
	issues := make([]interface{}, 0, len(r.Issues))
	for _, issue := range r.Issues {
		m := map[string]interface{}{
			"severity": string(issue.Severity),
			"code":     issue.Code,
			"message":  issue.Message,
		}
		if issue.Field != "" {
			m["field"] = issue.Field
		}
		issues = append(issues, m)
	}
	out := map[string]interface{}{
		"status": string(r.Status()),
		"issues": issues,
	}
	if len(r.Metadata) > 0 {
		out["metadata"] = r.Metadata
	}
	return out
}

// FromMap reconstructs a report produced by ToMap. Unknown keys are ignored;
// status is derived, not read, so the round trip cannot disagree with the
// issue list.
func FromMap(m map[string]interface{}) *Report {
	r := &Report{}
	if m == nil {
		return r
	}
	if raw, ok := m["issues"].([]interface{}); ok {
		for _, entry := range raw {
			im, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			issue := Issue{}
			if s, ok := im["severity"].(string); ok {
				issue.Severity = Severity(s)
			}
			if s, ok := im["code"].(string); ok {
				issue.Code = s
			}
			if s, ok := im["field"].(string); ok {
				issue.Field = s
			}
			if s, ok := im["message"].(string); ok {
				issue.Message = s
			}
			r.Issues = append(r.Issues, issue)
		}
	}
	if meta, ok := m["metadata"].(map[string]interface{}); ok {
		r.Metadata = meta
	}
	return r
}

// HumanReadable renders the report for logs.
func (r *Report) HumanReadable() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation %s", r.Status())
	if len(r.Issues) == 0 {
		b.WriteString(": no issues")
		return b.String()
	}
	fmt.Fprintf(&b, " (%d issues)", len(r.Issues))
	for _, issue := range r.Issues {
		b.WriteString("\n  ")
		b.WriteString(string(issue.Severity))
		b.WriteString(" [")
		b.WriteString(issue.Code)
		b.WriteString("]")
		if issue.Field != "" {
			fmt.Fprintf(&b, " %s:", issue.Field)
		}
		b.WriteString(" ")
		b.WriteString(issue.Message)
	}
	return b.String()
}
