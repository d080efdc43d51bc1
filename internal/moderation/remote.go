package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/duetchat/duetbot/internal/messaging"
)

// RemoteClassifier implements Classifier over the NATS request/reply
// channel to the moderator service. Normalization happens moderator-side,
// next to the model, so raw text goes over the wire.
type RemoteClassifier struct {
	client  *messaging.Client
	timeout time.Duration
}

// NewRemoteClassifier creates a classifier that calls the moderator service.
func NewRemoteClassifier(client *messaging.Client, timeout time.Duration) *RemoteClassifier {
	return &RemoteClassifier{client: client, timeout: timeout}
}

// ToxicText classifies raw text via the moderator service.
func (rc *RemoteClassifier) ToxicText(ctx context.Context, text string) (bool, error) {
	return rc.classify(ctx, messaging.ClassifyRequest{Kind: messaging.KindText, Text: text})
}

// ToxicImage classifies image bytes via the moderator service.
func (rc *RemoteClassifier) ToxicImage(ctx context.Context, image []byte) (bool, error) {
	return rc.classify(ctx, messaging.ClassifyRequest{Kind: messaging.KindImage, Image: image})
}

func (rc *RemoteClassifier) classify(ctx context.Context, req messaging.ClassifyRequest) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	resp, err := rc.client.Classify(ctx, req)
	if err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, errors.New("moderation: " + resp.Error)
	}
	return resp.Toxic, nil
}
