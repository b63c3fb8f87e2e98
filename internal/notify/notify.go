// Package notify reports transient synchronization status. Notices never
// block the caller: a failed delivery is logged and dropped.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSyncStarted  Kind = "sync_started"
	KindSyncFinished Kind = "sync_finished"
	KindSyncFailed   Kind = "sync_failed"
	KindAuthRequired Kind = "auth_required"
)

// Notice is a single status message about a document sync.
type Notice struct {
	ID      uuid.UUID `json:"id"`
	Kind    Kind      `json:"kind"`
	Domain  string    `json:"domain"`
	Year    int       `json:"year"`
	Month   int       `json:"month"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// New builds a notice with a fresh id and the current time.
func New(kind Kind, domain string, year, month int, message string, err error) Notice {
	n := Notice{
		ID:      uuid.New(),
		Kind:    kind,
		Domain:  domain,
		Year:    year,
		Month:   month,
		Message: message,
		Time:    time.Now().UTC(),
	}
	if err != nil {
		n.Error = err.Error()
	}
	return n
}

func (n Notice) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

func NoticeFromJSON(data []byte) (Notice, error) {
	var n Notice
	err := json.Unmarshal(data, &n)
	return n, err
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Nop drops every notice.
type Nop struct{}

func (Nop) Notify(context.Context, Notice) error { return nil }

// LogNotifier writes notices to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notice) error {
	level := slog.LevelInfo
	switch n.Kind {
	case KindSyncFailed:
		level = slog.LevelWarn
	case KindAuthRequired:
		level = slog.LevelWarn
	case KindSyncStarted:
		level = slog.LevelDebug
	}
	attrs := []any{
		"notice_id", n.ID.String(),
		"kind", string(n.Kind),
		"domain", n.Domain,
		"year", n.Year,
		"month", n.Month,
	}
	if n.Error != "" {
		attrs = append(attrs, "error", n.Error)
	}
	msg := n.Message
	if msg == "" {
		msg = "Sync notice"
	}
	l.logger.Log(ctx, level, msg, attrs...)
	return nil
}

// Multi fans a notice out to several notifiers; every one is tried.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
