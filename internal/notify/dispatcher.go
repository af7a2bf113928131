package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andywolf/cyclewarden/internal/security"
)

const defaultChannelTimeout = 15 * time.Second

// Channel delivers one message somewhere.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Route binds a channel to its locale and alert subscription.
type Route struct {
	Channel Channel
	Locale  string
	Alerts  bool
	Timeout time.Duration
	// Closer is released by Dispatcher.Close, if set.
	Closer io.Closer
}

// Dispatcher fans messages out to every route. Sends never block the caller
// and one channel's failure never affects another.
type Dispatcher struct {
	routes    []Route
	sanitizer *security.LogSanitizer
	logf      func(format string, args ...interface{})
	wg        sync.WaitGroup
}

// NewDispatcher returns a dispatcher over routes.
func NewDispatcher(routes []Route, sanitizer *security.LogSanitizer, logf func(format string, args ...interface{})) *Dispatcher {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if sanitizer == nil {
		sanitizer = security.NewLogSanitizer()
	}
	return &Dispatcher{routes: routes, sanitizer: sanitizer, logf: logf}
}

// Send delivers the locale-matched message from msgs to every route.
func (d *Dispatcher) Send(msgs []Message) {
	d.fanOut(msgs, false)
}

// Alert delivers msgs only to routes subscribed to alerts.
func (d *Dispatcher) Alert(msgs []Message) {
	d.fanOut(msgs, true)
}

func (d *Dispatcher) fanOut(msgs []Message, alertsOnly bool) {
	if len(msgs) == 0 {
		return
	}
	for _, route := range d.routes {
		if alertsOnly && !route.Alerts {
			continue
		}
		msg := pickLocale(msgs, route.Locale)
		msg.Title = d.sanitizer.Sanitize(msg.Title)
		msg.Body = d.sanitizer.Sanitize(msg.Body)

		d.wg.Add(1)
		go d.deliver(route, msg)
	}
}

func (d *Dispatcher) deliver(route Route, msg Message) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logf("notify channel %s panicked: %v", route.Channel.Name(), r)
		}
	}()

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = defaultChannelTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := route.Channel.Send(ctx, msg); err != nil {
		d.logf("notify channel %s failed: %s", route.Channel.Name(), d.sanitizer.SanitizeError(err))
	}
}

// Wait blocks until in-flight sends finish or timeout elapses, reporting
// whether everything finished.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close releases channel resources. Call after Wait.
func (d *Dispatcher) Close() error {
	var first error
	for _, route := range d.routes {
		if route.Closer == nil {
			continue
		}
		if err := route.Closer.Close(); err != nil && first == nil {
			first = fmt.Errorf("close channel %s: %w", route.Channel.Name(), err)
		}
	}
	return first
}

// Names lists the configured channels.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		names = append(names, r.Channel.Name())
	}
	return names
}

func pickLocale(msgs []Message, locale string) Message {
	want := SupportedLocale(locale)
	for _, m := range msgs {
		if m.Locale == want {
			return m
		}
	}
	return msgs[0]
}
