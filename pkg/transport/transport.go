package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tacedge/tacedge/pkg/types"
)

// Error wraps a delivery failure with its retry classification. Transient
// failures get another attempt after backoff; permanent ones fail the
// message immediately.
type Error struct {
	Err       error
	Permanent bool
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	return &Error{Err: err}
}

// Permanent wraps err as a non-retryable delivery failure.
func Permanent(err error) error {
	return &Error{Err: err, Permanent: true}
}

// IsPermanent reports whether err is a delivery failure that must not be
// retried. Unclassified errors count as transient.
func IsPermanent(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Permanent
}

// Transport delivers sealed payloads to tactical nodes. Implementations
// must honor the context deadline and classify failures with Transient or
// Permanent.
type Transport interface {
	Deliver(ctx context.Context, node *types.Node, msg *types.Message) error
}

// HTTPTransport posts sealed payloads to the node's delivery endpoint.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTP creates the production transport. Per-attempt deadlines come
// from the caller's context, so the client itself carries no timeout.
func NewHTTP() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Deliver posts the sealed payload to the node. A 2xx response is success;
// 4xx is permanent; anything else, including connection errors, is
// transient.
func (t *HTTPTransport) Deliver(ctx context.Context, node *types.Node, msg *types.Message) error {
	if node.Address == "" {
		return Permanent(fmt.Errorf("node %s has no address", node.ID))
	}

	url := fmt.Sprintf("http://%s/deliver", node.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.SealedPayload))
	if err != nil {
		return Permanent(fmt.Errorf("failed to build delivery request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Message-ID", msg.ID)
	req.Header.Set("X-Precedence", string(msg.Precedence))
	req.Header.Set("X-Classification", string(msg.Classification))

	resp, err := t.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("delivery to %s failed: %w", node.ID, err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("node %s rejected message: status %d", node.ID, resp.StatusCode))
	default:
		return Transient(fmt.Errorf("node %s returned status %d", node.ID, resp.StatusCode))
	}
}
