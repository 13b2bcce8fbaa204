// Package notify abstracts the host's native notification surface. The
// client treats it as best effort: a denied permission or a failed delivery
// never affects in-app state.
package notify

import (
	"context"
	"log/slog"
	"strings"
)

// Permission mirrors the host permission states.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Notifier surfaces a notification natively.
type Notifier interface {
	// RequestPermission asks the host for notification permission. Any
	// result other than granted simply suppresses native delivery; an error
	// is treated the same way.
	RequestPermission(ctx context.Context) (Permission, error)
	// Push shows a native notification. Errors are advisory.
	Push(ctx context.Context, title, body string) error
}

// Noop ignores everything. Used when native notifications are disabled.
type Noop struct{}

func (Noop) RequestPermission(ctx context.Context) (Permission, error) {
	return PermissionDefault, nil
}

func (Noop) Push(ctx context.Context, title, body string) error { return nil }

// LogNotifier writes notifications to the structured log. Headless agents
// use it in place of a desktop surface.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (n *LogNotifier) Push(ctx context.Context, title, body string) error {
	n.logger.Info("notification", "title", strings.TrimSpace(title), "body", strings.TrimSpace(body))
	return nil
}
