package notify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/andywolf/cyclewarden/internal/cloud/gcp"
	"github.com/andywolf/cyclewarden/internal/config"
	"github.com/andywolf/cyclewarden/internal/security"
)

// BuildDeps are the collaborators BuildDispatcher needs.
type BuildDeps struct {
	Logf      func(format string, args ...interface{})
	Sanitizer *security.LogSanitizer
	// Secrets opens a secret fetcher on first use; defaults to Secret Manager.
	Secrets func(ctx context.Context) (gcp.SecretFetcher, error)
	// LogSink opens a Cloud Logging sink; defaults to gcp.NewLogSink.
	LogSink func(ctx context.Context, project, logID string) (*gcp.LogSink, error)
}

// BuildDispatcher turns channel configuration into a Dispatcher. A channel
// that cannot be set up is skipped with a warning so the rest still work.
func BuildDispatcher(ctx context.Context, channels []config.ChannelConfig, deps BuildDeps) *Dispatcher {
	if deps.Logf == nil {
		deps.Logf = func(string, ...interface{}) {}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewLogSanitizer()
	}
	if deps.Secrets == nil {
		deps.Secrets = func(ctx context.Context) (gcp.SecretFetcher, error) {
			return gcp.NewSecretManagerClient(ctx)
		}
	}
	if deps.LogSink == nil {
		deps.LogSink = func(ctx context.Context, project, logID string) (*gcp.LogSink, error) {
			return gcp.NewLogSink(ctx, project, logID)
		}
	}

	var fetcher gcp.SecretFetcher
	defer func() {
		if fetcher != nil {
			_ = fetcher.Close()
		}
	}()

	var routes []Route
	for _, ch := range channels {
		route := Route{Locale: ch.Locale, Alerts: ch.Alerts, Timeout: ch.Timeout}
		switch ch.Type {
		case config.ChannelLog:
			route.Channel = NewLogChannel(ch.Name, deps.Logf)
		case config.ChannelWebhook:
			token, err := resolveToken(ctx, ch, &fetcher, deps)
			if err != nil {
				deps.Logf("notify channel %s disabled: %v", ch.Name, err)
				continue
			}
			deps.Sanitizer.AddLiteral(token)
			route.Channel = NewWebhookChannel(ch.Name, ch.URL, token, nil)
		case config.ChannelCommand:
			route.Channel = NewCommandChannel(ch.Name, ch.Command)
		case config.ChannelGCPLogging:
			sink, err := deps.LogSink(ctx, ch.Project, ch.LogID)
			if err != nil {
				deps.Logf("notify channel %s disabled: %v", ch.Name, err)
				continue
			}
			route.Channel = NewCloudLoggingChannel(ch.Name, sink)
			route.Closer = sink
		default:
			deps.Logf("notify channel %s has unknown type %q", ch.Name, ch.Type)
			continue
		}
		routes = append(routes, route)
	}
	return NewDispatcher(routes, deps.Sanitizer, deps.Logf)
}

func resolveToken(ctx context.Context, ch config.ChannelConfig, fetcher *gcp.SecretFetcher, deps BuildDeps) (string, error) {
	if ch.TokenEnv != "" {
		if v := strings.TrimSpace(os.Getenv(ch.TokenEnv)); v != "" {
			return v, nil
		}
	}
	if ch.TokenSecret == "" {
		if ch.TokenEnv != "" {
			return "", fmt.Errorf("token env %s is empty", ch.TokenEnv)
		}
		return "", nil
	}
	if *fetcher == nil {
		f, err := deps.Secrets(ctx)
		if err != nil {
			return "", fmt.Errorf("open secret manager: %w", err)
		}
		*fetcher = f
	}
	token, err := (*fetcher).FetchSecret(ctx, ch.TokenSecret)
	if err != nil {
		return "", fmt.Errorf("fetch token secret: %w", err)
	}
	return token, nil
}
