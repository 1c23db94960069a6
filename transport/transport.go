// Package transport wraps the group-chat transport behind an injectable
// sender with bounded retry. The coordination engine is agnostic to the
// concrete transport; tests drive it with in-process fakes.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetries is the number of additional send attempts after the
	// first failure.
	DefaultRetries = 2
	// DefaultRetryBase is the first backoff delay; it doubles per attempt.
	DefaultRetryBase = 150 * time.Millisecond
	// MinRetryBase floors operator-configured backoff bases.
	MinRetryBase = 50 * time.Millisecond
)

// Event is one inbound transport message. MessageID is zero when the
// transport does not number messages; the dedup key falls back to a content
// hash in that case.
type Event struct {
	ChatID    int64
	MessageID int64
	Text      string
}

// Sender delivers one outbound message to a channel.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, chatID int64, text string) error

// SendMessage implements Sender.
func (f SenderFunc) SendMessage(ctx context.Context, chatID int64, text string) error {
	return f(ctx, chatID, text)
}

// Facade retries sends with exponential backoff. State is immutable after
// construction; it is safe for concurrent use.
type Facade struct {
	sender  Sender
	retries int
	base    time.Duration
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a Facade.
type Option func(*Facade)

// WithRetries sets the number of additional attempts after the first
// failure. Negative values are treated as zero.
func WithRetries(n int) Option {
	return func(f *Facade) {
		if n < 0 {
			n = 0
		}
		f.retries = n
	}
}

// WithRetryBase sets the first backoff delay, floored at MinRetryBase.
func WithRetryBase(d time.Duration) Option {
	return func(f *Facade) {
		if d < MinRetryBase {
			d = MinRetryBase
		}
		f.base = d
	}
}

// WithLogger attaches a structured logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFacade wraps sender with the default retry policy.
func NewFacade(sender Sender, opts ...Option) *Facade {
	f := &Facade{
		sender:  sender,
		retries: DefaultRetries,
		base:    DefaultRetryBase,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Send delivers text to chatID, retrying transient failures. The last error
// surfaces once the retry budget is spent.
func (f *Facade) Send(ctx context.Context, chatID int64, text string) error {
	var lastErr error
	delay := f.base
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, delay); err != nil {
				return err
			}
			delay *= 2
		}
		if err := f.sender.SendMessage(ctx, chatID, text); err != nil {
			lastErr = err
			f.logger.Debug("transport send failed",
				slog.Int64("chat_id", chatID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		return nil
	}
	return fmt.Errorf("send to chat %d failed after %d attempts: %w", chatID, f.retries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
