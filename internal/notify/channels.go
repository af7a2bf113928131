package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/andywolf/cyclewarden/internal/cloud/gcp"
)

// LogChannel writes messages to the supervisor's own log.
type LogChannel struct {
	name string
	logf func(format string, args ...interface{})
}

// NewLogChannel returns a LogChannel.
func NewLogChannel(name string, logf func(format string, args ...interface{})) *LogChannel {
	return &LogChannel{name: name, logf: logf}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(_ context.Context, msg Message) error {
	c.logf("notify [%s] %s\n%s", msg.Severity, msg.Title, msg.Body)
	return nil
}

// WebhookChannel POSTs messages as JSON.
type WebhookChannel struct {
	name   string
	url    string
	token  string
	client *http.Client
}

// NewWebhookChannel returns a WebhookChannel. token may be empty.
func NewWebhookChannel(name, url, token string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookChannel{name: name, url: url, token: token, client: client}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// CommandChannel hands messages to an external notifier program. The body
// arrives on stdin and in the environment.
type CommandChannel struct {
	name    string
	command []string
}

// NewCommandChannel returns a CommandChannel.
func NewCommandChannel(name string, command []string) *CommandChannel {
	return &CommandChannel{name: name, command: command}
}

func (c *CommandChannel) Name() string { return c.name }

func (c *CommandChannel) Send(ctx context.Context, msg Message) error {
	if len(c.command) == 0 {
		return errors.New("notifier command is empty")
	}
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Env = append(os.Environ(),
		"CYCLEWARDEN_TITLE="+msg.Title,
		"CYCLEWARDEN_BODY="+msg.Body,
		"CYCLEWARDEN_SEVERITY="+string(msg.Severity),
		"CYCLEWARDEN_LOCALE="+msg.Locale,
		"CYCLEWARDEN_CYCLE_ID="+msg.Cycle,
	)
	cmd.Stdin = strings.NewReader(msg.Body)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > 200 {
			tail = tail[len(tail)-200:]
		}
		return fmt.Errorf("notifier %s: %w: %s", c.command[0], err, tail)
	}
	return nil
}

// entrySink is satisfied by *gcp.LogSink.
type entrySink interface {
	Write(severity gcp.Severity, payload interface{}, labels map[string]string)
	Flush() error
}

// CloudLoggingChannel records messages as Cloud Logging entries.
type CloudLoggingChannel struct {
	name string
	sink entrySink
}

// NewCloudLoggingChannel returns a CloudLoggingChannel writing to sink.
func NewCloudLoggingChannel(name string, sink entrySink) *CloudLoggingChannel {
	return &CloudLoggingChannel{name: name, sink: sink}
}

func (c *CloudLoggingChannel) Name() string { return c.name }

func (c *CloudLoggingChannel) Send(_ context.Context, msg Message) error {
	labels := map[string]string{"severity": string(msg.Severity), "locale": msg.Locale}
	if msg.Cycle != "" {
		labels["cycle"] = msg.Cycle
	}
	c.sink.Write(cloudSeverity(msg.Severity), msg, labels)
	return c.sink.Flush()
}

func cloudSeverity(s Severity) gcp.Severity {
	switch s {
	case SeverityFailure, SeverityAlert:
		return gcp.SeverityError
	case SeveritySuccess, SeverityInfo:
		return gcp.SeverityInfo
	}
	return gcp.SeverityDefault
}
