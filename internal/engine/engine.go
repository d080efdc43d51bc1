// Package engine implements the per-user session lifecycle: the
// idle -> in_search -> coupled state machine, the matchmaking entry points,
// the credit policy and the captcha verification gate. It is transport- and
// storage-agnostic; collaborators come in through small interfaces.
package engine

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/duetchat/duetbot/internal/metrics"
	"github.com/duetchat/duetbot/internal/moderation"
	"github.com/duetchat/duetbot/internal/registry"
	"github.com/duetchat/duetbot/internal/relay"
)

// Credit policy deltas. AdjustCredit clamps results to [0, 100] on the
// storage side.
const (
	creditSessionReward = 5
	creditToxicPenalty  = -25
)

// Store is the registry surface the engine needs. *registry.Store
// implements it; tests use an in-memory fake.
type Store interface {
	Get(ctx context.Context, userID int64) (*registry.User, error)
	Create(ctx context.Context, userID int64) error
	SetStatus(ctx context.Context, userID int64, status registry.Status) error
	SetJoinTime(ctx context.Context, userID int64, t time.Time) error
	AdjustCredit(ctx context.Context, userID int64, delta int) (int, error)
	PartnerOf(ctx context.Context, userID int64) (int64, error)
	Couple(ctx context.Context, userID int64) (int64, bool, error)
	Uncouple(ctx context.Context, userID int64) error
	Counts(ctx context.Context) (total, coupled int, err error)
}

// Transport delivers bot-authored messages to users.
type Transport interface {
	SendNotice(ctx context.Context, userID int64, text string) error

	// SendChallenge renders code as a captcha image and sends it.
	SendChallenge(ctx context.Context, userID int64, code string) error
}

// Config holds the engine's policy knobs.
type Config struct {
	// AdminID may issue /stats. Zero disables the command.
	AdminID int64

	// MinSessionDuration is the shortest session that still earns the
	// participants credit. Shorter sessions grant nothing.
	MinSessionDuration time.Duration

	// MaxAccountAge is the verification freshness window; users whose last
	// captcha pass is older than this must re-verify.
	MaxAccountAge time.Duration
}

// DefaultConfig returns the standard policy values.
func DefaultConfig() Config {
	return Config{
		MinSessionDuration: 300 * time.Second,
		MaxAccountAge:      24 * time.Hour,
	}
}

// Engine dispatches inbound events against each user's current status.
type Engine struct {
	store      Store
	transport  Transport
	relay      *relay.Relay
	classifier moderation.Classifier
	gate       *Gate
	cfg        Config

	now func() time.Time // test hook
}

// New creates an Engine with an empty verification gate.
func New(store Store, transport Transport, r *relay.Relay, classifier moderation.Classifier, cfg Config) *Engine {
	return &Engine{
		store:      store,
		transport:  transport,
		relay:      r,
		classifier: classifier,
		gate:       NewGate(),
		cfg:        cfg,
		now:        time.Now,
	}
}

// HandleStart processes /start: known fresh users get the welcome text,
// everyone else gets a captcha challenge.
func (e *Engine) HandleStart(ctx context.Context, userID int64) {
	u, err := e.store.Get(ctx, userID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.issueChallenge(ctx, userID)
		return
	case err != nil:
		log.Printf("[engine] start %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}

	if e.verificationExpired(u) {
		e.issueChallenge(ctx, userID)
		return
	}
	e.notify(ctx, userID, noticeWelcome)
}

// HandleMessage processes a plain (non-command) message: a captcha answer
// when a challenge is pending, otherwise in-session content to relay.
func (e *Engine) HandleMessage(ctx context.Context, msg *relay.Message) {
	userID := msg.From

	if e.gate.Pending(userID) {
		e.handleVerification(ctx, msg)
		return
	}

	u, err := e.store.Get(ctx, userID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.notify(ctx, userID, noticeStartFirst)
		return
	case err != nil:
		log.Printf("[engine] message %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}

	switch u.Status {
	case registry.StatusCoupled:
		partnerID, err := e.store.PartnerOf(ctx, userID)
		if errors.Is(err, registry.ErrNotCoupled) {
			// Dangling partner reference: self-heal silently.
			e.notify(ctx, userID, noticeNotInChat)
			return
		}
		if err != nil {
			log.Printf("[engine] partner of %d: %v", userID, err)
			e.notify(ctx, userID, noticeError)
			return
		}
		e.relayToPartner(ctx, msg, partnerID, u)
	case registry.StatusInSearch:
		e.notify(ctx, userID, noticeStillSearching)
	default:
		e.notify(ctx, userID, noticeNotInChat)
	}
}

// HandleChat processes /chat. Eligibility is re-checked on every request,
// never cached; an ineligible user keeps their current status and the
// matchmaker is never invoked.
func (e *Engine) HandleChat(ctx context.Context, userID int64) {
	u, err := e.store.Get(ctx, userID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.notify(ctx, userID, noticeStartFirst)
		return
	case err != nil:
		log.Printf("[engine] chat %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}

	if u.Credit <= 0 {
		e.notify(ctx, userID, noticeNotEligible)
		return
	}

	switch u.Status {
	case registry.StatusPartnerLeft:
		if err := e.store.SetStatus(ctx, userID, registry.StatusIdle); err != nil {
			log.Printf("[engine] chat %d: %v", userID, err)
			e.notify(ctx, userID, noticeError)
			return
		}
		e.startSearch(ctx, userID)
	case registry.StatusInSearch:
		e.notify(ctx, userID, noticeStillSearching)
	case registry.StatusCoupled:
		if _, err := e.store.PartnerOf(ctx, userID); err == nil {
			e.notify(ctx, userID, noticeInChat)
			return
		} else if !errors.Is(err, registry.ErrNotCoupled) {
			log.Printf("[engine] chat %d: %v", userID, err)
			e.notify(ctx, userID, noticeError)
			return
		}
		// Coupled on paper but the partner is gone: search again.
		e.startSearch(ctx, userID)
	default:
		e.startSearch(ctx, userID)
	}
}

// HandleStop processes /stop: cancel a running search or leave the chat.
func (e *Engine) HandleStop(ctx context.Context, userID int64) {
	e.endChat(ctx, userID, false)
}

// HandleNext processes /next: leave the current chat and immediately
// search again. While already searching it is a no-op.
func (e *Engine) HandleNext(ctx context.Context, userID int64) {
	u, err := e.store.Get(ctx, userID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.notify(ctx, userID, noticeStartFirst)
		return
	case err != nil:
		log.Printf("[engine] next %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}

	if u.Status == registry.StatusInSearch {
		e.notify(ctx, userID, noticeStillSearching)
		return
	}
	if u.Status == registry.StatusCoupled {
		e.endChat(ctx, userID, false)
	}
	e.HandleChat(ctx, userID)
}

// HandleBlocked processes a membership change reporting that the user
// banned the bot. A coupled partner is released to PARTNER_LEFT and told;
// for anyone else there is nothing to clean up.
func (e *Engine) HandleBlocked(ctx context.Context, userID int64) {
	u, err := e.store.Get(ctx, userID)
	if err != nil {
		return
	}
	if u.Status != registry.StatusCoupled {
		return
	}

	partnerID, err := e.store.PartnerOf(ctx, userID)
	if err != nil {
		return
	}
	if err := e.store.Uncouple(ctx, userID); err != nil {
		log.Printf("[engine] blocked %d uncouple: %v", userID, err)
		return
	}
	if err := e.store.SetStatus(ctx, partnerID, registry.StatusPartnerLeft); err != nil {
		log.Printf("[engine] blocked %d partner status: %v", userID, err)
	}

	metrics.ActivePairs.Dec()
	e.notify(ctx, partnerID, noticePartnerLeft)
	log.Printf("[engine] user %d blocked the bot, partner %d released", userID, partnerID)
}

// HandleCredit processes /credit.
func (e *Engine) HandleCredit(ctx context.Context, userID int64) {
	u, err := e.store.Get(ctx, userID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.notify(ctx, userID, noticeStartFirst)
		return
	case err != nil:
		e.notify(ctx, userID, noticeError)
		return
	}
	e.notify(ctx, userID, noticeCreditPrefix+strconv.Itoa(u.Credit))
}

// HandleHelp processes /help.
func (e *Engine) HandleHelp(ctx context.Context, userID int64) {
	e.notify(ctx, userID, noticeHelp)
}

// HandleRules processes /rules.
func (e *Engine) HandleRules(ctx context.Context, userID int64) {
	e.notify(ctx, userID, noticeRules)
}

// HandleStats processes /stats. Admin only; silent for everyone else.
func (e *Engine) HandleStats(ctx context.Context, userID int64) {
	if e.cfg.AdminID == 0 || userID != e.cfg.AdminID {
		return
	}
	total, coupled, err := e.store.Counts(ctx)
	if err != nil {
		log.Printf("[engine] stats: %v", err)
		e.notify(ctx, userID, noticeError)
		return
	}
	e.notify(ctx, userID, "Users: "+strconv.Itoa(total)+"\nCoupled: "+strconv.Itoa(coupled))
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

func (e *Engine) issueChallenge(ctx context.Context, userID int64) {
	code := e.gate.Issue(userID)
	if err := e.transport.SendChallenge(ctx, userID, code); err != nil {
		log.Printf("[engine] challenge to %d: %v", userID, err)
	}
}

// verificationExpired reports whether the user's last captcha pass is
// outside the freshness window.
func (e *Engine) verificationExpired(u *registry.User) bool {
	return u.JoinedAt.IsZero() || e.now().Sub(u.JoinedAt) >= e.cfg.MaxAccountAge
}

// handleVerification consumes the user's answer to a pending challenge.
func (e *Engine) handleVerification(ctx context.Context, msg *relay.Message) {
	userID := msg.From

	text, ok := msg.Content.(relay.Text)
	if !ok {
		// Only a text reply counts as an attempt; re-prompt.
		e.issueChallenge(ctx, userID)
		return
	}

	if !e.gate.Verify(userID, text.Body) {
		e.notify(ctx, userID, noticeCaptchaBad)
		e.issueChallenge(ctx, userID)
		return
	}

	if _, err := e.store.Get(ctx, userID); errors.Is(err, registry.ErrNotFound) {
		if err := e.store.Create(ctx, userID); err != nil {
			log.Printf("[engine] create %d: %v", userID, err)
			e.notify(ctx, userID, noticeError)
			return
		}
	} else if err != nil {
		log.Printf("[engine] verify %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}
	if err := e.store.SetJoinTime(ctx, userID, e.now()); err != nil {
		log.Printf("[engine] verify %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}
	e.notify(ctx, userID, noticeCaptchaOK)

	// Re-enter the gate once: the join time just written satisfies the
	// freshness check, so this cannot loop.
	u, err := e.store.Get(ctx, userID)
	if err != nil {
		e.notify(ctx, userID, noticeError)
		return
	}
	if e.verificationExpired(u) {
		e.issueChallenge(ctx, userID)
		return
	}
	e.notify(ctx, userID, noticeWelcome)
}

// ---------------------------------------------------------------------------
// Matchmaking
// ---------------------------------------------------------------------------

// startSearch moves the user into search and attempts an immediate match.
// No match leaves the user waiting: matching is opportunistic, a later
// searcher's scan will pick them up.
func (e *Engine) startSearch(ctx context.Context, userID int64) {
	if err := e.store.SetStatus(ctx, userID, registry.StatusInSearch); err != nil {
		log.Printf("[engine] search %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}
	metrics.UsersSearching.Inc()
	e.notify(ctx, userID, noticeSearching)

	partnerID, found, err := e.store.Couple(ctx, userID)
	if err != nil {
		log.Printf("[engine] couple %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}
	if !found {
		return
	}

	pairID := uuid.NewString()
	log.Printf("[engine] coupled pair=%s users=%d,%d", pairID, userID, partnerID)

	metrics.UsersSearching.Sub(2)
	metrics.ActivePairs.Inc()
	metrics.MatchesTotal.Inc()

	e.notify(ctx, userID, noticeFound)
	e.notify(ctx, partnerID, noticeFound)
}

// ---------------------------------------------------------------------------
// Session end & credit policy
// ---------------------------------------------------------------------------

// sessionLongEnough reports whether the session that started at
// u.ChatStartedAt has reached the minimum duration for credit rewards.
func (e *Engine) sessionLongEnough(u *registry.User) bool {
	if u.ChatStartedAt.IsZero() {
		return false
	}
	return e.now().Sub(u.ChatStartedAt) >= e.cfg.MinSessionDuration
}

// endChat dissolves the user's search or chat. For a non-toxic end of a
// sufficiently long session both sides earn the reward; a toxic end grants
// nothing here (the caller has already applied the toxic deltas).
func (e *Engine) endChat(ctx context.Context, userID int64, toxic bool) {
	u, err := e.store.Get(ctx, userID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		e.notify(ctx, userID, noticeStartFirst)
		return
	case err != nil:
		log.Printf("[engine] stop %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}

	switch u.Status {
	case registry.StatusInSearch:
		if err := e.store.SetStatus(ctx, userID, registry.StatusIdle); err != nil {
			log.Printf("[engine] stop %d: %v", userID, err)
			e.notify(ctx, userID, noticeError)
			return
		}
		metrics.UsersSearching.Dec()
		e.notify(ctx, userID, noticeSearchStopped)
		return
	case registry.StatusCoupled:
		// fall through
	default:
		e.notify(ctx, userID, noticeNotInChat)
		return
	}

	partnerID, err := e.store.PartnerOf(ctx, userID)
	if errors.Is(err, registry.ErrNotCoupled) {
		// Dangling partner: nothing to dissolve, self-heal to idle.
		if err := e.store.SetStatus(ctx, userID, registry.StatusIdle); err != nil {
			log.Printf("[engine] stop %d: %v", userID, err)
		}
		e.notify(ctx, userID, noticeNotInChat)
		return
	}
	if err != nil {
		log.Printf("[engine] stop %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}

	if !toxic && e.sessionLongEnough(u) {
		e.adjustCredit(ctx, userID, creditSessionReward)
		e.adjustCredit(ctx, partnerID, creditSessionReward)
	}

	if err := e.store.Uncouple(ctx, userID); err != nil && !errors.Is(err, registry.ErrNotCoupled) {
		log.Printf("[engine] uncouple %d: %v", userID, err)
		e.notify(ctx, userID, noticeError)
		return
	}

	metrics.ActivePairs.Dec()
	if !u.ChatStartedAt.IsZero() {
		metrics.SessionDuration.Observe(e.now().Sub(u.ChatStartedAt).Seconds())
	}

	e.notify(ctx, userID, noticeEndingChat)
	e.notify(ctx, partnerID, noticePartnerLeft)
	e.notifyCredit(ctx, partnerID)
	e.notify(ctx, userID, noticeLeftChat)
	e.notifyCredit(ctx, userID)
}

// ---------------------------------------------------------------------------
// Relay & toxicity gate
// ---------------------------------------------------------------------------

// relayToPartner classifies the content and, if clean, copies it across.
// The relay always awaits the verdict; nothing is forwarded speculatively.
func (e *Engine) relayToPartner(ctx context.Context, msg *relay.Message, partnerID int64, u *registry.User) {
	toxic, err := e.classifyContent(ctx, msg.Content)
	if err != nil {
		// Policy decision: inference failure counts as non-toxic so a
		// classifier outage never blocks chats. Logged and counted; the
		// duetbot_classifier_failures_total metric is the alarm.
		log.Printf("[engine] classify for %d: %v", msg.From, err)
		metrics.ClassifierFailures.Inc()
		toxic = false
	}

	if toxic {
		e.endToxicChat(ctx, msg.From, partnerID, u)
		return
	}

	if _, err := e.relay.Forward(ctx, msg, partnerID); err != nil {
		log.Printf("[engine] relay %d -> %d: %v", msg.From, partnerID, err)
		e.notify(ctx, msg.From, noticeError)
		return
	}
	metrics.MessagesRelayed.WithLabelValues(relay.KindName(msg.Content)).Inc()
}

// classifyContent dispatches content to the right classifier head. Both a
// photo's caption and its pixels are checked.
func (e *Engine) classifyContent(ctx context.Context, c relay.Content) (bool, error) {
	switch c := c.(type) {
	case relay.Text:
		return e.classifier.ToxicText(ctx, c.Body)
	case relay.Photo:
		if c.Caption != "" {
			toxic, err := e.classifier.ToxicText(ctx, c.Caption)
			if err != nil || toxic {
				return toxic, err
			}
		}
		return e.classifier.ToxicImage(ctx, c.Data)
	case relay.Sticker, relay.Animation, relay.Unsupported:
		return false, nil
	}
	return false, nil
}

// endToxicChat applies the moderation deltas and ends the chat. The
// offending message is never delivered. The offender's penalty is
// unconditional; the other side's reward still requires the minimum
// session duration.
func (e *Engine) endToxicChat(ctx context.Context, offenderID, partnerID int64, u *registry.User) {
	metrics.MessagesBlocked.Inc()

	e.notify(ctx, offenderID, noticeToxicSender)
	e.notify(ctx, partnerID, noticeToxicPartner)

	e.adjustCredit(ctx, offenderID, creditToxicPenalty)
	if e.sessionLongEnough(u) {
		e.adjustCredit(ctx, partnerID, creditSessionReward)
	}

	e.endChat(ctx, offenderID, true)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) adjustCredit(ctx context.Context, userID int64, delta int) {
	if _, err := e.store.AdjustCredit(ctx, userID, delta); err != nil {
		log.Printf("[engine] credit %+d for %d: %v", delta, userID, err)
		return
	}
	direction := "reward"
	if delta < 0 {
		direction = "penalty"
	}
	metrics.CreditAdjustments.WithLabelValues(direction).Inc()
}

func (e *Engine) notify(ctx context.Context, userID int64, text string) {
	if err := e.transport.SendNotice(ctx, userID, text); err != nil {
		log.Printf("[engine] notice to %d: %v", userID, err)
	}
}

func (e *Engine) notifyCredit(ctx context.Context, userID int64) {
	u, err := e.store.Get(ctx, userID)
	if err != nil {
		return
	}
	e.notify(ctx, userID, noticeCreditPrefix+strconv.Itoa(u.Credit))
}
