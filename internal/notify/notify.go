// Package notify holds the alert presentation backends used by the engine.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Alert is one presented notification.
type Alert struct {
	ID    string
	Title string
	Body  string
}

// LogPresenter presents alerts as structured log records.
type LogPresenter struct {
	Logger *slog.Logger
}

// Present implements engine.Presenter.
func (p LogPresenter) Present(ctx context.Context, alertID, title, body string) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "alert", "alert_id", alertID, "title", title, "body", body)
	return nil
}

// WriterPresenter prints one line per alert.
type WriterPresenter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterPresenter creates a presenter writing to w.
func NewWriterPresenter(w io.Writer) *WriterPresenter {
	return &WriterPresenter{w: w}
}

// Present implements engine.Presenter.
func (p *WriterPresenter) Present(_ context.Context, alertID, title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	short := alertID
	if len(short) > 12 {
		short = short[:12]
	}
	_, err := fmt.Fprintf(p.w, "[%s] %s: %s\n", short, title, body)
	return err
}

// RecordingPresenter keeps every presentation in memory.
// Presentations of an id already shown replace nothing and are counted,
// matching how a notification manager collapses a repeated id.
//
// Thread-safety: safe for concurrent use.
type RecordingPresenter struct {
	mu      sync.Mutex
	alerts  []Alert
	calls   map[string]int
	failErr error
}

// NewRecordingPresenter creates an empty recorder.
func NewRecordingPresenter() *RecordingPresenter {
	return &RecordingPresenter{calls: make(map[string]int)}
}

// FailWith makes every subsequent Present return err. Nil restores success.
func (p *RecordingPresenter) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Present implements engine.Presenter.
func (p *RecordingPresenter) Present(_ context.Context, alertID, title, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failErr != nil {
		return p.failErr
	}
	p.calls[alertID]++
	if p.calls[alertID] == 1 {
		p.alerts = append(p.alerts, Alert{ID: alertID, Title: title, Body: body})
	}
	return nil
}

// Alerts returns the distinct alerts shown, in first-presentation order.
func (p *RecordingPresenter) Alerts() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Alert, len(p.alerts))
	copy(out, p.alerts)
	return out
}

// Calls returns how many times alertID was presented.
func (p *RecordingPresenter) Calls(alertID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[alertID]
}

// Fanout presents to every backend in order and returns the first error.
type Fanout []interface {
	Present(ctx context.Context, alertID, title, body string) error
}

// Present implements engine.Presenter.
func (f Fanout) Present(ctx context.Context, alertID, title, body string) error {
	var first error
	for _, p := range f {
		if err := p.Present(ctx, alertID, title, body); err != nil && first == nil {
			first = err
		}
	}
	return first
}
