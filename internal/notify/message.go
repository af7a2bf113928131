// Package notify turns cycle results into human-readable reports and fans
// them out to the configured channels without ever blocking the engine.
package notify

// Severity classifies a message for channels that care.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityFailure Severity = "failure"
	SeverityAlert   Severity = "alert"
)

// Message is one rendered notification in one locale.
type Message struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Severity Severity `json:"severity"`
	Locale   string   `json:"locale"`
	Cycle    string   `json:"cycle,omitempty"`
}
