// Package telegram adapts the Bot API to the engine's transport and relay
// interfaces: sending notices and captcha challenges, copying messages
// between partner chats, and routing inbound updates to the engine.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/steambap/captcha"
)

// Transport sends bot-authored traffic over the Telegram Bot API. It
// implements engine.Transport and relay.Copier.
type Transport struct {
	bot     *tgbotapi.BotAPI
	tracker *copyTracker
}

// NewTransport wraps an authorized bot client.
func NewTransport(bot *tgbotapi.BotAPI) *Transport {
	return &Transport{
		bot:     bot,
		tracker: newCopyTracker(),
	}
}

// SendNotice delivers a plain bot-authored text to the user's private chat.
func (t *Transport) SendNotice(ctx context.Context, userID int64, text string) error {
	msg := tgbotapi.NewMessage(userID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send notice to %d: %w", userID, err)
	}
	return nil
}

// SendChallenge renders code as a captcha image and sends it as a photo.
func (t *Transport) SendChallenge(ctx context.Context, userID int64, code string) error {
	img, err := captcha.NewCustomGenerator(240, 80, func() (string, string) {
		return code, code
	})
	if err != nil {
		return fmt.Errorf("telegram: render captcha: %w", err)
	}

	var buf bytes.Buffer
	if err := img.WriteImage(&buf); err != nil {
		return fmt.Errorf("telegram: encode captcha: %w", err)
	}

	photo := tgbotapi.NewPhoto(userID, tgbotapi.FileBytes{
		Name:  "captcha.png",
		Bytes: buf.Bytes(),
	})
	photo.Caption = noticeCaptchaPrompt
	if _, err := t.bot.Send(photo); err != nil {
		return fmt.Errorf("telegram: send captcha to %d: %w", userID, err)
	}
	return nil
}

// CopyMessage copies a message from one private chat to another without the
// sender's identity, with forwarding and saving disabled on the copy.
// replyTo, when non-zero, threads the copy under that message id in the
// destination chat; Telegram rejects unknown ids, so the reply falls back to
// an unthreaded copy. Returns the new message id in the destination chat.
func (t *Transport) CopyMessage(ctx context.Context, to, from int64, messageID, replyTo int) (int, error) {
	params := tgbotapi.Params{
		"protect_content": "true",
	}
	params.AddNonZero64("chat_id", to)
	params.AddNonZero64("from_chat_id", from)
	params.AddNonZero("message_id", messageID)
	params.AddNonZero("reply_to_message_id", replyTo)
	params.AddBool("allow_sending_without_reply", true)

	resp, err := t.bot.MakeRequest("copyMessage", params)
	if err != nil {
		return 0, fmt.Errorf("telegram: copy message %d from %d to %d: %w", messageID, from, to, err)
	}

	var result struct {
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, fmt.Errorf("telegram: decode copy result: %w", err)
	}

	t.tracker.Track(to, result.MessageID)
	return result.MessageID, nil
}

// ForgetChat drops the copy-tracking state for a chat, e.g. after the user
// blocked the bot.
func (t *Transport) ForgetChat(chatID int64) {
	t.tracker.Forget(chatID)
}
