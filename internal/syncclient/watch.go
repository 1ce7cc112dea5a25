package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/memsync/internal/apperr"
	"github.com/ent0n29/memsync/internal/protocol"
	"github.com/ent0n29/memsync/internal/reliability"
)

const (
	watchBackoffBase = 500 * time.Millisecond
	watchBackoffCap  = 30 * time.Second
)

// Watch subscribes to the account's change feed and calls onEvent for every
// memory_replaced event until ctx ends. Dropped connections are re-dialed with
// capped exponential backoff; a rejected token or a non-retryable handshake
// status ends the watch with an error.
func (c *Client) Watch(ctx context.Context, onEvent func(protocol.Event)) error {
	const op = "watch"
	wsURL, err := c.eventsURL()
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, err)
	}

	attempt := 0
	for {
		token := c.session.Token()
		if token == "" {
			return notAuthenticated(op)
		}

		connected, err := c.watchOnce(ctx, wsURL, token, onEvent)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		if err != nil && !retryableWatchError(err) {
			return err
		}

		delay := reliability.ExponentialBackoff(attempt, watchBackoffBase, watchBackoffCap)
		attempt++
		log.Printf("[sync] event feed disconnected: %v; reconnecting in %s", err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// TLS mismatches end the watch; other transport failures are re-dialed.
func retryableWatchError(err error) bool {
	var e *apperr.Error
	if errors.As(err, &e) && e.Details == tlsHint {
		return false
	}
	return reliability.IsRetryable(err)
}

func (c *Client) watchOnce(ctx context.Context, wsURL, token string, onEvent func(protocol.Event)) (bool, error) {
	const op = "watch"
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.authTimeout,
		TLSClientConfig:  c.tlsConfig,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Request-Id", uuid.NewString())

	conn, res, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if res != nil {
			defer res.Body.Close()
			buf := make([]byte, 4096)
			n, _ := res.Body.Read(buf)
			return false, serverError(op, res.StatusCode, buf[:n])
		}
		return false, transportError(op, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, transportError(op, err)
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			log.Printf("[sync] ignoring event: %v", err)
			continue
		}
		switch ev := msg.(type) {
		case protocol.Event:
			if onEvent != nil {
				onEvent(ev)
			}
		case protocol.ErrorEvent:
			log.Printf("[sync] server reported %s: %s", ev.Code, ev.Detail)
		}
	}
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	return u.String(), nil
}
