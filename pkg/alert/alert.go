package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/apipulse/pkg/source"
)

// Level classifies a notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Level     Level             `json:"level"`
	Source    source.SourceType `json:"source,omitempty"`
	SessionID int64             `json:"session_id,omitempty"`
	Items     int               `json:"items,omitempty"`
	Time      time.Time         `json:"time"`
}

// JobFailed builds the notification sent when a job exhausts its retries.
func JobFailed(job string, attempts int, err error) *Notification {
	return &Notification{
		Title: fmt.Sprintf("%s failed", job),
		Body:  fmt.Sprintf("gave up after %d attempts: %v", attempts, err),
		Level: LevelError,
		Time:  time.Now().UTC(),
	}
}

// SessionCollected builds the notification sent after a successful collection.
func SessionCollected(src source.SourceType, sessionID int64, items int) *Notification {
	return &Notification{
		Title:     fmt.Sprintf("%s collected", src),
		Body:      fmt.Sprintf("session %d stored %d items", sessionID, items),
		Level:     LevelInfo,
		Source:    src,
		SessionID: sessionID,
		Items:     items,
		Time:      time.Now().UTC(),
	}
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
// A nil Manager is valid and drops everything.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if !m.HasNotifiers() {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (l Level) emoji() string {
	if l == LevelError {
		return "🚨"
	}
	return "📈"
}
