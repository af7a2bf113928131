package worker

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Kind tags a Directive.
type Kind string

const (
	KindDelegate Kind = "delegate"
	KindOutcome  Kind = "outcome"
)

// Delegate asks the supervisor to hand a task to the sub-worker.
type Delegate struct {
	Task  string `json:"task"`
	Label string `json:"label,omitempty"`
}

// Outcome is the worker's own verdict on the cycle.
type Outcome struct {
	Status  string `json:"status"`
	Intent  string `json:"intent,omitempty"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Failed reports whether the worker declared the cycle failed.
func (o *Outcome) Failed() bool {
	if o == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(o.Status)) {
	case "failed", "failure", "error":
		return true
	}
	return false
}

// Directive is one structured instruction emitted on the worker's stdout.
// Exactly one of Delegate and Outcome is set, matching Kind.
type Directive struct {
	Kind     Kind      `json:"kind"`
	Delegate *Delegate `json:"delegate,omitempty"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
}

// directivePattern matches: CYCLEWARDEN_<KIND>: {json}
var directivePattern = regexp.MustCompile(`^\s*CYCLEWARDEN_(DELEGATE|OUTCOME):\s+(\{.*\})\s*$`)

// ParseDirective decodes a marker line. Lines that are not markers, carry
// invalid JSON, or miss required fields are ignored.
func ParseDirective(line string) (Directive, bool) {
	m := directivePattern.FindStringSubmatch(line)
	if m == nil {
		return Directive{}, false
	}
	switch Kind(strings.ToLower(m[1])) {
	case KindDelegate:
		var d Delegate
		if err := json.Unmarshal([]byte(m[2]), &d); err != nil || strings.TrimSpace(d.Task) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindDelegate, Delegate: &d}, true
	case KindOutcome:
		var o Outcome
		if err := json.Unmarshal([]byte(m[2]), &o); err != nil || strings.TrimSpace(o.Status) == "" {
			return Directive{}, false
		}
		return Directive{Kind: KindOutcome, Outcome: &o}, true
	}
	return Directive{}, false
}

// FormatDirective renders d as a marker line. Workers written in Go can use
// it; it is also what tests emit.
func FormatDirective(d Directive) string {
	var payload interface{}
	switch d.Kind {
	case KindDelegate:
		payload = d.Delegate
	case KindOutcome:
		payload = d.Outcome
	default:
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return "CYCLEWARDEN_" + strings.ToUpper(string(d.Kind)) + ": " + string(data)
}
