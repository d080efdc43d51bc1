// Package messaging provides a NATS client wrapper for the request/reply
// channel between the bot and the moderator service. It handles connection
// lifecycle and the JSON envelope for classification calls.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectClassify is the request/reply subject for toxicity classification.
// Moderator instances join a queue group so requests are load balanced.
const SubjectClassify = "moderation.classify"

const classifyQueue = "moderators"

// Classification request kinds.
const (
	KindText  = "text"
	KindImage = "image"
)

// ClassifyRequest is the payload sent to the moderator service.
type ClassifyRequest struct {
	Kind  string `json:"kind"`            // "text" or "image"
	Text  string `json:"text,omitempty"`  // raw text, normalized by the moderator
	Image []byte `json:"image,omitempty"` // raw image bytes (base64 in JSON)
}

// ClassifyResponse is the moderator's verdict. Error carries an inference
// failure back to the caller; Toxic is meaningless when Error is set.
type ClassifyResponse struct {
	Toxic bool   `json:"toxic"`
	Error string `json:"error,omitempty"`
}

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "duetbot",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Connect establishes the NATS connection and returns a ready client.
func Connect(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return &Client{conn: nc}, nil
}

// Classify sends a classification request and waits for the moderator's
// reply, bounded by ctx.
func (c *Client) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return ClassifyResponse{}, fmt.Errorf("nats: marshal classify request: %w", err)
	}

	msg, err := c.conn.RequestWithContext(ctx, SubjectClassify, data)
	if err != nil {
		return ClassifyResponse{}, fmt.Errorf("nats: classify request: %w", err)
	}

	var resp ClassifyResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return ClassifyResponse{}, fmt.Errorf("nats: unmarshal classify response: %w", err)
	}
	return resp, nil
}

// SubscribeClassify registers the moderator-side handler. Each request is
// answered on its reply inbox; handler errors are folded into the response
// envelope rather than dropped.
func (c *Client) SubscribeClassify(handler func(req ClassifyRequest) ClassifyResponse) error {
	_, err := c.conn.QueueSubscribe(SubjectClassify, classifyQueue, func(msg *nats.Msg) {
		var req ClassifyRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[nats] invalid classify request: %v", err)
			respond(msg, ClassifyResponse{Error: "invalid request"})
			return
		}
		respond(msg, handler(req))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectClassify, err)
	}
	return nil
}

func respond(msg *nats.Msg, resp ClassifyResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[nats] marshal classify response: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Printf("[nats] respond: %v", err)
	}
}

// Close drains the connection, letting in-flight requests finish.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
