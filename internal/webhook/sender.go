package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/oklog/ulid/v2"

	"github.com/jsherman999/livefeed/internal/live"
)

const errPermanent = errors.ConstError("permanent delivery failure")

// Notification is one outbound POST.
type Notification struct {
	CallbackURL string
	Headers     map[string]string
	Body        []byte
}

type SenderOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
	Client  *http.Client
	Clock   clock.Clock
}

// Sender POSTs notifications, retrying transient failures with doubling
// backoff.
type Sender struct {
	opts SenderOptions
}

func NewSender(opts SenderOptions) *Sender {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Sender{opts: opts}
}

// Send delivers n. The returned error wraps live.ErrDeliveryFailure; the
// delivery is not retried past the attempt ceiling, nor after a client
// error other than 408 and 429.
func (s *Sender) Send(ctx context.Context, n Notification) error {
	deliveryID := ulid.Make().String()
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error { return s.attempt(ctx, n, deliveryID) },
		IsFatalError: func(err error) bool {
			return errors.Is(err, errPermanent) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("delivery %s to %s: attempt %d failed: %v", deliveryID, n.CallbackURL, attempt, err)
			lastErr = err
		},
		Attempts:    s.opts.MaxAttempts,
		Delay:       s.opts.InitialBackoff,
		MaxDelay:    s.opts.MaxBackoff,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.opts.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) && lastErr != nil {
		err = lastErr
	}
	return errors.Annotatef(live.ErrDeliveryFailure, "delivery %s to %s: %v", deliveryID, n.CallbackURL, err)
}

func (s *Sender) attempt(ctx context.Context, n Notification, deliveryID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.CallbackURL, bytes.NewReader(n.Body))
	if err != nil {
		return errors.Annotatef(errPermanent, "build request: %v", err)
	}
	for k, v := range n.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Delivery-Id", deliveryID)

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return errors.Errorf("callback answered %d", code)
	case code >= 400 && code < 500:
		return errors.Annotatef(errPermanent, "callback answered %d", code)
	}
	return errors.Errorf("callback answered %d", resp.StatusCode)
}
