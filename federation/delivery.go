package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/weftfed/weft/mq"
	"github.com/weftfed/weft/signing"
)

// activityContentType is the media type ActivityPub deliveries carry.
const activityContentType = `application/activity+json`

// deliveryMessage is the queue payload for one delivery to one inbox. It
// carries the signing key so any worker process can perform the attempt.
type deliveryMessage struct {
	Activity      json.RawMessage `json:"activity"`
	KeyID         string          `json:"keyId"`
	PrivateKeyPEM string          `json:"privateKey"`
	Inbox         string          `json:"inbox"`
	Attempt       int             `json:"attempt"`
	SyncHeader    string          `json:"syncHeader,omitempty"`
}

func (m *deliveryMessage) marshal() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery message: %w", err)
	}
	return raw, nil
}

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// isPermanent reports whether a delivery error should not be retried.
func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ProcessQueue drains the delivery queue until ctx is cancelled. Call it
// from a worker goroutine (or a dedicated worker process) after the
// dispatch table is set up.
func (f *Federation[T]) ProcessQueue(ctx context.Context) error {
	if f.queue == nil {
		return errors.New("no queue configured")
	}
	f.freeze()
	return f.queue.Listen(ctx, f.handleQueueMessage)
}

// handleQueueMessage performs one delivery attempt. Transient failures
// re-enqueue the message with backoff; permanent failures and exhausted
// retries go to the outbox error handler. The queue itself never retries.
func (f *Federation[T]) handleQueueMessage(ctx context.Context, body []byte) error {
	var msg deliveryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("unmarshal delivery message: %w", err)
	}

	err := f.deliverOnce(ctx, &msg)
	if err == nil {
		return nil
	}

	if isPermanent(err) {
		slog.Warn("delivery failed permanently", "inbox", msg.Inbox, "error", err)
		if f.outboxErrorHandler != nil {
			f.outboxErrorHandler(err, msg.Activity)
		}
		return nil
	}

	msg.Attempt++
	delay, ok := f.retry(msg.Attempt)
	if !ok {
		slog.Warn("delivery retries exhausted", "inbox", msg.Inbox, "attempts", msg.Attempt, "error", err)
		if f.outboxErrorHandler != nil {
			f.outboxErrorHandler(fmt.Errorf("retries exhausted after %d attempts: %w", msg.Attempt, err), msg.Activity)
		}
		return nil
	}

	slog.Info("delivery failed, retrying", "inbox", msg.Inbox, "attempt", msg.Attempt, "delay", delay, "error", err)
	raw, merr := msg.marshal()
	if merr != nil {
		return merr
	}
	// The worker's context is cancelled during shutdown; the retry insert
	// must still land or the in-flight message is lost.
	if qerr := f.queue.Enqueue(context.WithoutCancel(ctx), raw, mq.WithDelay(delay)); qerr != nil {
		return fmt.Errorf("re-enqueue delivery to %s: %w", msg.Inbox, qerr)
	}
	return nil
}

// deliverOnce signs and POSTs the activity to one inbox and classifies the
// outcome. A *permanentError result means give up.
func (f *Federation[T]) deliverOnce(ctx context.Context, msg *deliveryMessage) error {
	priv, err := signing.ParsePrivatePEM(msg.PrivateKeyPEM)
	if err != nil {
		return &permanentError{fmt.Errorf("delivery key: %w", err)}
	}
	kp := &signing.KeyPair{KeyID: msg.KeyID, Private: priv, Public: &priv.PublicKey}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Inbox, bytes.NewReader(msg.Activity))
	if err != nil {
		return &permanentError{fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", activityContentType)
	req.Header.Set("User-Agent", f.userAgent)
	if msg.SyncHeader != "" {
		req.Header.Set(CollectionSyncHeader, msg.SyncHeader)
	}
	if err := signing.SignRequest(req, msg.Activity, kp); err != nil {
		return &permanentError{fmt.Errorf("sign request: %w", err)}
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", msg.Inbox, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("delivered activity", "inbox", msg.Inbox, "status", resp.StatusCode,
			"elapsed", time.Since(start))
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("inbox %s returned HTTP %d", msg.Inbox, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{fmt.Errorf("inbox %s returned HTTP %d", msg.Inbox, resp.StatusCode)}
	default:
		return fmt.Errorf("inbox %s returned HTTP %d", msg.Inbox, resp.StatusCode)
	}
}
