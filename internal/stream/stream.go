// Package stream maintains the provider's duplex event session, an
// ingress path that needs no inbound HTTP: the provider pushes webhook
// deliveries over a websocket and we acknowledge each one in-band.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stripesync/internal/stripeapi"
)

// SessionAPI is the slice of the provider client the stream needs.
type SessionAPI interface {
	CreateCLISession(ctx context.Context, deviceName string) (*stripeapi.CLISession, error)
}

// Handler processes one delivered event payload and returns the status
// the provider records for the delivery, plus the event id for logging.
type Handler func(ctx context.Context, payload []byte, sigHeader string) (status int, eventID string)

// Client dials the event stream and keeps it alive, reconnecting with
// exponential backoff until ctx is cancelled. Each reconnect opens a
// fresh session, which issues a fresh signing secret.
type Client struct {
	API        SessionAPI
	DeviceName string
	Handler    Handler

	OnReady func(secret string)
	OnError func(err error)
	OnClose func(code int, reason string)

	PingInterval time.Duration // 0 means 30s
}

type incomingMessage struct {
	Type                  string            `json:"type"`
	WebhookID             string            `json:"webhook_id"`
	WebhookConversationID string            `json:"webhook_conversation_id"`
	EventPayload          string            `json:"event_payload"`
	HTTPHeaders           map[string]string `json:"http_headers"`
}

type webhookResponse struct {
	Type                  string `json:"type"`
	WebhookID             string `json:"webhook_id"`
	WebhookConversationID string `json:"webhook_conversation_id"`
	Status                int    `json:"status"`
	Body                  string `json:"body"`
}

func (c *Client) pingInterval() time.Duration {
	if c.PingInterval <= 0 {
		return 30 * time.Second
	}
	return c.PingInterval
}

func (c *Client) deviceName() string {
	if c.DeviceName == "" {
		return "stripesync"
	}
	return c.DeviceName
}

// Run blocks until ctx is cancelled, holding a session open and
// redialing on loss.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && c.OnError != nil {
			c.OnError(err)
		}

		// A session that held for a while earns a fresh schedule.
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		log.Warn().Err(err).Dur("wait", wait).Msg("event stream lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session creates one stream session and pumps it until it drops.
func (c *Client) session(ctx context.Context) error {
	sess, err := c.API.CreateCLISession(ctx, c.deviceName())
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Websocket-Id", sess.WebsocketID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, sess.WebsocketURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("device", c.deviceName()).Msg("event stream connected")
	if c.OnReady != nil {
		c.OnReady(sess.Secret)
	}

	// Closing done releases the watcher and ping goroutines when the
	// read loop exits while ctx is still live.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	pongWait := c.pingInterval() + 15*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		t := time.NewTicker(c.pingInterval())
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && c.OnClose != nil {
				c.OnClose(ce.Code, ce.Text)
			}
			return err
		}

		var msg incomingMessage
		if json.Unmarshal(data, &msg) != nil || msg.Type != "webhook_event" {
			continue
		}

		status := http.StatusOK
		var eventID string
		if c.Handler != nil {
			status, eventID = c.Handler(ctx, []byte(msg.EventPayload), msg.HTTPHeaders["Stripe-Signature"])
		}
		log.Debug().Str("event", eventID).Int("status", status).Msg("stream event handled")

		resp := webhookResponse{
			Type:                  "webhook_response",
			WebhookID:             msg.WebhookID,
			WebhookConversationID: msg.WebhookConversationID,
			Status:                status,
			Body:                  `{"received": true}`,
		}
		if err := conn.WriteJSON(resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
