package telegram

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/duetchat/duetbot/internal/engine"
	"github.com/duetchat/duetbot/internal/ratelimit"
	"github.com/duetchat/duetbot/internal/relay"
)

const (
	noticeCaptchaPrompt = "Type the characters you see in the image."
	noticeSlowDown      = "You are sending messages too quickly. Please slow down."
	noticeSearchLimit   = "Too many search requests. Please wait a minute."
)

var botCommands = []tgbotapi.BotCommand{
	{Command: "chat", Description: "Find a partner to chat with"},
	{Command: "next", Description: "Leave this chat and find a new partner"},
	{Command: "stop", Description: "Leave the chat or stop searching"},
	{Command: "credit", Description: "Show your credit score"},
	{Command: "rules", Description: "Show the chat rules"},
	{Command: "help", Description: "Show available commands"},
}

// Router consumes the bot's update stream and dispatches each update to the
// engine. Every update is handled on its own goroutine; ordering guarantees
// live in the registry, not here.
type Router struct {
	bot       *tgbotapi.BotAPI
	transport *Transport
	engine    *engine.Engine
	limiter   *ratelimit.Limiter
	selfID    int64

	files *http.Client // photo downloads for classification
}

// NewRouter wires the update loop to the engine. limiter may be nil, which
// disables throttling.
func NewRouter(bot *tgbotapi.BotAPI, transport *Transport, eng *engine.Engine, limiter *ratelimit.Limiter) *Router {
	return &Router{
		bot:       bot,
		transport: transport,
		engine:    eng,
		limiter:   limiter,
		selfID:    bot.Self.ID,
		files:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Run registers the command menu and consumes updates until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	if _, err := r.bot.Request(tgbotapi.NewSetMyCommands(botCommands...)); err != nil {
		log.Printf("[telegram] set commands: %v", err)
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	cfg.AllowedUpdates = []string{"message", "my_chat_member"}

	updates := r.bot.GetUpdatesChan(cfg)
	log.Printf("[telegram] update loop started as @%s", r.bot.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			r.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go r.handleUpdate(ctx, update)
		}
	}
}

func (r *Router) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.MyChatMember != nil {
		r.handleMembership(ctx, update.MyChatMember)
		return
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.Chat.IsPrivate() || msg.From == nil {
		return
	}
	userID := msg.From.ID

	if msg.IsCommand() {
		r.handleCommand(ctx, userID, msg.Command())
		return
	}

	if !r.allow(ctx, userID, ratelimit.RuleMessage) {
		r.notify(ctx, userID, noticeSlowDown)
		return
	}

	r.engine.HandleMessage(ctx, r.toRelayMessage(msg))
}

func (r *Router) handleCommand(ctx context.Context, userID int64, command string) {
	switch command {
	case "start":
		r.engine.HandleStart(ctx, userID)
	case "chat":
		if !r.allow(ctx, userID, ratelimit.RuleSearch) {
			r.notify(ctx, userID, noticeSearchLimit)
			return
		}
		r.engine.HandleChat(ctx, userID)
	case "next":
		if !r.allow(ctx, userID, ratelimit.RuleSearch) {
			r.notify(ctx, userID, noticeSearchLimit)
			return
		}
		r.engine.HandleNext(ctx, userID)
	case "stop":
		r.engine.HandleStop(ctx, userID)
	case "credit":
		r.engine.HandleCredit(ctx, userID)
	case "help":
		r.engine.HandleHelp(ctx, userID)
	case "rules":
		r.engine.HandleRules(ctx, userID)
	case "stats":
		r.engine.HandleStats(ctx, userID)
	default:
		r.engine.HandleHelp(ctx, userID)
	}
}

// handleMembership reacts to the user banning the bot. Telegram reports it
// as a member -> kicked transition in the private chat.
func (r *Router) handleMembership(ctx context.Context, m *tgbotapi.ChatMemberUpdated) {
	if !m.Chat.IsPrivate() {
		return
	}
	if m.NewChatMember.Status != "kicked" {
		return
	}
	userID := m.Chat.ID
	log.Printf("[telegram] user %d blocked the bot", userID)
	r.transport.ForgetChat(userID)
	r.engine.HandleBlocked(ctx, userID)
}

// toRelayMessage maps an inbound Telegram message onto the relay model.
func (r *Router) toRelayMessage(msg *tgbotapi.Message) *relay.Message {
	out := &relay.Message{
		From:    msg.From.ID,
		ID:      msg.MessageID,
		Content: r.toContent(msg),
	}

	if reply := msg.ReplyToMessage; reply != nil {
		out.Reply = &relay.Reply{
			MessageID: reply.MessageID,
			Kind:      r.replyKind(msg.Chat.ID, reply),
		}
	}
	return out
}

// replyKind classifies what the user replied to: their own message, a
// relayed partner message, or a bot notice.
func (r *Router) replyKind(chatID int64, reply *tgbotapi.Message) relay.ReplyKind {
	if reply.From == nil || reply.From.ID != r.selfID {
		return relay.ReplyToOwn
	}
	if r.transport.tracker.IsCopy(chatID, reply.MessageID) {
		return relay.ReplyToRelayed
	}
	return relay.ReplyToSystem
}

func (r *Router) toContent(msg *tgbotapi.Message) relay.Content {
	switch {
	case msg.Text != "":
		return relay.Text{Body: msg.Text}
	case len(msg.Photo) > 0:
		return relay.Photo{
			Caption: msg.Caption,
			Data:    r.downloadPhoto(msg.Photo),
		}
	case msg.Sticker != nil:
		return relay.Sticker{}
	case msg.Animation != nil:
		return relay.Animation{}
	case msg.Voice != nil:
		return relay.Unsupported{Kind: "voice"}
	case msg.VideoNote != nil:
		return relay.Unsupported{Kind: "video_note"}
	case msg.Video != nil:
		return relay.Unsupported{Kind: "video"}
	case msg.Audio != nil:
		return relay.Unsupported{Kind: "audio"}
	case msg.Document != nil:
		return relay.Unsupported{Kind: "document"}
	case msg.Location != nil:
		return relay.Unsupported{Kind: "location"}
	case msg.Contact != nil:
		return relay.Unsupported{Kind: "contact"}
	case msg.Poll != nil:
		return relay.Unsupported{Kind: "poll"}
	default:
		return relay.Unsupported{Kind: "other"}
	}
}

// downloadPhoto fetches the largest size of the photo for classification.
// A failed download yields nil bytes; the classifier treats that as clean
// rather than blocking the message.
func (r *Router) downloadPhoto(sizes []tgbotapi.PhotoSize) []byte {
	largest := sizes[len(sizes)-1]

	url, err := r.bot.GetFileDirectURL(largest.FileID)
	if err != nil {
		log.Printf("[telegram] resolve photo %s: %v", largest.FileID, err)
		return nil
	}

	resp, err := r.files.Get(url)
	if err != nil {
		log.Printf("[telegram] download photo %s: %v", largest.FileID, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[telegram] download photo %s: %s", largest.FileID, resp.Status)
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		log.Printf("[telegram] read photo %s: %v", largest.FileID, err)
		return nil
	}
	return data
}

func (r *Router) allow(ctx context.Context, userID int64, rule ratelimit.Rule) bool {
	if r.limiter == nil {
		return true
	}
	ok, _ := r.limiter.Allow(ctx, userID, rule)
	return ok
}

func (r *Router) notify(ctx context.Context, userID int64, text string) {
	if err := r.transport.SendNotice(ctx, userID, text); err != nil {
		log.Printf("[telegram] notice to %d: %v", userID, err)
	}
}
