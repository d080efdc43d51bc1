// Package relay forwards in-session content between paired users without
// storing it. Its one tricky responsibility is reply threading: the two
// sides of a chat see different message-id sequences, so a reply has to be
// re-targeted before it is copied across.
//
// The offset arithmetic below relies on a transport guarantee: message ids
// are assigned strictly sequentially per chat with no gaps, and every relay
// copy is emitted immediately adjacent to the message that triggered it.
// Under that precondition the copy of a message with id m always lands at
// m+1 on the recipient's side, and the original behind a copy with id m
// always sits at m-1 on the sender's side.
package relay

import (
	"context"
	"fmt"
)

// Content is the closed set of relayable message kinds. The relay and the
// classifier dispatch switch over it exhaustively.
type Content interface {
	isContent()
}

// Text is a plain text message.
type Text struct {
	Body string
}

// Photo is an image, optionally captioned. Data holds the downloaded bytes
// for NSFW classification; the relay itself never re-uploads them, it
// copies the original by id.
type Photo struct {
	Caption string
	Data    []byte
}

// Sticker is a sticker message.
type Sticker struct{}

// Animation is a GIF-style animation.
type Animation struct{}

// Unsupported covers media the relay refuses to forward (audio, video,
// voice notes, documents). Kind names the rejected media type.
type Unsupported struct {
	Kind string
}

func (Text) isContent()        {}
func (Photo) isContent()       {}
func (Sticker) isContent()     {}
func (Animation) isContent()   {}
func (Unsupported) isContent() {}

// ReplyKind classifies what the replied-to message was on the sender's side.
type ReplyKind int

const (
	// ReplyToOwn: the sender replied to a message they authored themselves.
	ReplyToOwn ReplyKind = iota

	// ReplyToRelayed: the sender replied to a relay copy, i.e. content the
	// bot copied over from a partner (current or previous).
	ReplyToRelayed

	// ReplyToSystem: the sender replied to a bot-authored notice. There is
	// nothing meaningful to thread to on the other side.
	ReplyToSystem
)

// Reply describes the reply target of an inbound message.
type Reply struct {
	MessageID int
	Kind      ReplyKind
}

// Message is one inbound in-session message, already mapped off the wire.
type Message struct {
	From    int64 // sender's user id (== their chat id)
	ID      int   // message id in the sender's chat
	Content Content
	Reply   *Reply // nil when the message is not a reply
}

// Copier is the transport surface the relay needs: protected message
// copying plus plain notices.
type Copier interface {
	// CopyMessage copies message messageID from chat from into chat to with
	// protected (non-re-shareable) delivery. replyTo, when non-zero, is the
	// message id in the destination chat to attach the copy to as a reply.
	// Returns the id of the created copy.
	CopyMessage(ctx context.Context, to, from int64, messageID, replyTo int) (int, error)

	SendNotice(ctx context.Context, userID int64, text string) error
}

// Relay copies in-session content between partners.
type Relay struct {
	copier Copier
}

// New creates a Relay on top of the given transport.
func New(copier Copier) *Relay {
	return &Relay{copier: copier}
}

// unsupportedNotice is sent back when a media kind cannot be relayed.
const unsupportedNotice = "This media type cannot be relayed. Send text, photos, stickers or GIFs."

// Forward delivers msg to partnerID, re-targeting the reply chain.
// Unsupported media is bounced back to the sender with a notice and is not
// an error. Returns the id of the copy created in the partner's chat, or 0
// when nothing was delivered.
func (r *Relay) Forward(ctx context.Context, msg *Message, partnerID int64) (int, error) {
	switch msg.Content.(type) {
	case Text, Photo, Sticker, Animation:
		// relayable
	case Unsupported:
		if err := r.copier.SendNotice(ctx, msg.From, unsupportedNotice); err != nil {
			return 0, fmt.Errorf("relay: bounce notice: %w", err)
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("relay: unknown content type %T", msg.Content)
	}

	copyID, err := r.copier.CopyMessage(ctx, partnerID, msg.From, msg.ID, r.replyTarget(msg))
	if err != nil {
		return 0, fmt.Errorf("relay: copy %d -> %d: %w", msg.From, partnerID, err)
	}
	return copyID, nil
}

// replyTarget maps the sender-side reply reference to the partner-side
// message id, or 0 for a plain (unthreaded) forward.
func (r *Relay) replyTarget(msg *Message) int {
	if msg.Reply == nil {
		return 0
	}
	switch msg.Reply.Kind {
	case ReplyToOwn:
		// The partner received the copy right after the original.
		return msg.Reply.MessageID + 1
	case ReplyToRelayed:
		// The original precedes the copy on the author's side.
		return msg.Reply.MessageID - 1
	case ReplyToSystem:
		return 0
	}
	return 0
}

// KindName returns a short label for a content value, used in logs and
// metrics.
func KindName(c Content) string {
	switch c.(type) {
	case Text:
		return "text"
	case Photo:
		return "photo"
	case Sticker:
		return "sticker"
	case Animation:
		return "animation"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}
