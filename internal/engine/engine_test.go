package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/duetchat/duetbot/internal/registry"
	"github.com/duetchat/duetbot/internal/relay"
)

// fakeStore is an in-memory registry with the same semantics as the Postgres
// store: reverse partner lookup, clamped credit, lowest-id candidate pick.
type fakeStore struct {
	users map[int64]*registry.User
	now   func() time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{users: make(map[int64]*registry.User), now: now}
}

func (s *fakeStore) Get(ctx context.Context, userID int64) (*registry.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *fakeStore) Create(ctx context.Context, userID int64) error {
	if _, ok := s.users[userID]; ok {
		return nil
	}
	s.users[userID] = &registry.User{
		ID:     userID,
		Status: registry.StatusIdle,
		Credit: registry.CreditStart,
	}
	return nil
}

func (s *fakeStore) SetStatus(ctx context.Context, userID int64, status registry.Status) error {
	u, ok := s.users[userID]
	if !ok {
		return registry.ErrNotFound
	}
	u.Status = status
	return nil
}

func (s *fakeStore) SetJoinTime(ctx context.Context, userID int64, t time.Time) error {
	u, ok := s.users[userID]
	if !ok {
		return registry.ErrNotFound
	}
	u.JoinedAt = t
	return nil
}

func (s *fakeStore) AdjustCredit(ctx context.Context, userID int64, delta int) (int, error) {
	u, ok := s.users[userID]
	if !ok {
		return 0, registry.ErrNotFound
	}
	u.Credit += delta
	if u.Credit < registry.CreditMin {
		u.Credit = registry.CreditMin
	}
	if u.Credit > registry.CreditMax {
		u.Credit = registry.CreditMax
	}
	return u.Credit, nil
}

func (s *fakeStore) PartnerOf(ctx context.Context, userID int64) (int64, error) {
	for id, u := range s.users {
		if u.PartnerID == userID {
			return id, nil
		}
	}
	return 0, registry.ErrNotCoupled
}

func (s *fakeStore) Couple(ctx context.Context, userID int64) (int64, bool, error) {
	self, ok := s.users[userID]
	if !ok {
		return 0, false, registry.ErrNotFound
	}
	if self.Status != registry.StatusInSearch {
		return 0, false, nil
	}
	var partner *registry.User
	for _, u := range s.users {
		if u.ID == userID || u.Status != registry.StatusInSearch {
			continue
		}
		if partner == nil || u.ID < partner.ID {
			partner = u
		}
	}
	if partner == nil {
		return 0, false, nil
	}
	startedAt := s.now()
	self.Status = registry.StatusCoupled
	self.PartnerID = partner.ID
	self.ChatStartedAt = startedAt
	partner.Status = registry.StatusCoupled
	partner.PartnerID = userID
	partner.ChatStartedAt = startedAt
	return partner.ID, true, nil
}

func (s *fakeStore) Uncouple(ctx context.Context, userID int64) error {
	var partner *registry.User
	for _, u := range s.users {
		if u.PartnerID == userID {
			partner = u
		}
	}
	if partner == nil {
		return registry.ErrNotCoupled
	}
	for _, u := range []*registry.User{partner, s.users[userID]} {
		if u == nil {
			continue
		}
		u.Status = registry.StatusIdle
		u.PartnerID = 0
		u.ChatStartedAt = time.Time{}
	}
	return nil
}

func (s *fakeStore) Counts(ctx context.Context) (int, int, error) {
	total, coupled := 0, 0
	for _, u := range s.users {
		total++
		if u.Status == registry.StatusCoupled {
			coupled++
		}
	}
	return total, coupled, nil
}

// seed inserts a verified idle user with full credit.
func (s *fakeStore) seed(userID int64) *registry.User {
	u := &registry.User{
		ID:       userID,
		Status:   registry.StatusIdle,
		Credit:   registry.CreditStart,
		JoinedAt: s.now(),
	}
	s.users[userID] = u
	return u
}

// fakeTransport records notices, challenges and relay copies. It implements
// both the engine transport and the relay copier.
type fakeTransport struct {
	notices    map[int64][]string
	challenges map[int64][]string
	copies     []copyCall
	nextCopyID int
}

type copyCall struct {
	to, from  int64
	messageID int
	replyTo   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		notices:    make(map[int64][]string),
		challenges: make(map[int64][]string),
		nextCopyID: 1000,
	}
}

func (t *fakeTransport) SendNotice(ctx context.Context, userID int64, text string) error {
	t.notices[userID] = append(t.notices[userID], text)
	return nil
}

func (t *fakeTransport) SendChallenge(ctx context.Context, userID int64, code string) error {
	t.challenges[userID] = append(t.challenges[userID], code)
	return nil
}

func (t *fakeTransport) CopyMessage(ctx context.Context, to, from int64, messageID, replyTo int) (int, error) {
	t.copies = append(t.copies, copyCall{to: to, from: from, messageID: messageID, replyTo: replyTo})
	t.nextCopyID++
	return t.nextCopyID, nil
}

func (t *fakeTransport) got(userID int64, text string) bool {
	for _, n := range t.notices[userID] {
		if n == text {
			return true
		}
	}
	return false
}

func (t *fakeTransport) lastChallenge(userID int64) string {
	cs := t.challenges[userID]
	if len(cs) == 0 {
		return ""
	}
	return cs[len(cs)-1]
}

// fakeClassifier returns fixed verdicts.
type fakeClassifier struct {
	textToxic  bool
	imageToxic bool
	err        error
}

func (c *fakeClassifier) ToxicText(ctx context.Context, text string) (bool, error) {
	return c.textToxic, c.err
}

func (c *fakeClassifier) ToxicImage(ctx context.Context, image []byte) (bool, error) {
	return c.imageToxic, c.err
}

type fixture struct {
	engine     *Engine
	store      *fakeStore
	transport  *fakeTransport
	classifier *fakeClassifier
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	store := newFakeStore(func() time.Time { return clock })
	transport := newFakeTransport()
	classifier := &fakeClassifier{}

	eng := New(store, transport, relay.New(transport), classifier, DefaultConfig())
	eng.now = now

	f := &fixture{engine: eng, store: store, transport: transport, classifier: classifier, clock: &clock}
	// Keep the store and engine on the same clock as it advances.
	store.now = func() time.Time { return *f.clock }
	eng.now = func() time.Time { return *f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func textMessage(from int64, id int, body string) *relay.Message {
	return &relay.Message{From: from, ID: id, Content: relay.Text{Body: body}}
}

func TestStartIssuesChallengeForNewUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleStart(ctx, 1)

	if got := f.transport.lastChallenge(1); got == "" {
		t.Fatal("expected a captcha challenge for an unknown user")
	}
	if f.transport.got(1, noticeWelcome) {
		t.Error("unknown user must not be welcomed before verification")
	}
}

func TestStartWelcomesVerifiedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.seed(1)

	f.engine.HandleStart(ctx, 1)

	if !f.transport.got(1, noticeWelcome) {
		t.Error("verified user should get the welcome text")
	}
	if len(f.transport.challenges[1]) != 0 {
		t.Error("verified user should not get a challenge")
	}
}

func TestStartReverifiesStaleUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.seed(1)
	u.JoinedAt = f.clock.Add(-25 * time.Hour)

	f.engine.HandleStart(ctx, 1)

	if f.transport.lastChallenge(1) == "" {
		t.Error("stale verification should trigger a new challenge")
	}
}

func TestVerificationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleStart(ctx, 1)
	code := f.transport.lastChallenge(1)

	// A wrong answer consumes the challenge and issues a fresh one.
	f.engine.HandleMessage(ctx, textMessage(1, 1, "wrong"))
	if !f.transport.got(1, noticeCaptchaBad) {
		t.Error("wrong answer should be rejected")
	}
	fresh := f.transport.lastChallenge(1)
	if fresh == "" {
		t.Fatal("expected a fresh challenge after a wrong answer")
	}

	// The stale code is dead even if it was correct for round one.
	if fresh != code {
		f.engine.HandleMessage(ctx, textMessage(1, 2, code))
		if _, err := f.store.Get(ctx, 1); err == nil {
			t.Fatal("stale code must not verify the user")
		}
		fresh = f.transport.lastChallenge(1)
	}

	f.engine.HandleMessage(ctx, textMessage(1, 3, fresh))
	if !f.transport.got(1, noticeCaptchaOK) {
		t.Error("correct answer should be accepted")
	}
	if !f.transport.got(1, noticeWelcome) {
		t.Error("verified user should be welcomed")
	}
	u, err := f.store.Get(ctx, 1)
	if err != nil {
		t.Fatalf("user not created after verification: %v", err)
	}
	if u.Credit != registry.CreditStart {
		t.Errorf("new user credit = %d, want %d", u.Credit, registry.CreditStart)
	}
}

func TestChatRequiresRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleChat(ctx, 1)

	if !f.transport.got(1, noticeStartFirst) {
		t.Error("unregistered user should be told to /start")
	}
}

func TestChatRefusedAtZeroCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.store.seed(1)
	u.Credit = 0

	f.engine.HandleChat(ctx, 1)

	if !f.transport.got(1, noticeNotEligible) {
		t.Error("zero-credit user should be refused")
	}
	got, _ := f.store.Get(ctx, 1)
	if got.Status != registry.StatusIdle {
		t.Errorf("refused user status = %s, want idle", got.Status)
	}
}

func TestChatPairsTwoSearchers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.seed(1)
	f.store.seed(2)

	f.engine.HandleChat(ctx, 1)
	u1, _ := f.store.Get(ctx, 1)
	if u1.Status != registry.StatusInSearch {
		t.Fatalf("first searcher status = %s, want in_search", u1.Status)
	}

	f.engine.HandleChat(ctx, 2)

	u1, _ = f.store.Get(ctx, 1)
	u2, _ := f.store.Get(ctx, 2)
	if u1.Status != registry.StatusCoupled || u2.Status != registry.StatusCoupled {
		t.Fatalf("statuses = %s/%s, want coupled/coupled", u1.Status, u2.Status)
	}
	if u1.PartnerID != 2 || u2.PartnerID != 1 {
		t.Errorf("partner pointers = %d/%d, want 2/1", u1.PartnerID, u2.PartnerID)
	}
	if !u1.ChatStartedAt.Equal(u2.ChatStartedAt) {
		t.Error("both sides must share one start_chat_time")
	}
	if !f.transport.got(1, noticeFound) || !f.transport.got(2, noticeFound) {
		t.Error("both sides should be told a partner was found")
	}
}

func TestStopWhileSearching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.seed(1)
	f.engine.HandleChat(ctx, 1)

	f.engine.HandleStop(ctx, 1)

	u, _ := f.store.Get(ctx, 1)
	if u.Status != registry.StatusIdle {
		t.Errorf("status after stop = %s, want idle", u.Status)
	}
	if !f.transport.got(1, noticeSearchStopped) {
		t.Error("expected search stopped notice")
	}
}

func TestStopOutsideChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.seed(1)

	f.engine.HandleStop(ctx, 1)

	if !f.transport.got(1, noticeNotInChat) {
		t.Error("idle /stop should say not in chat")
	}
}

func couple(t *testing.T, f *fixture, a, b int64) {
	t.Helper()
	f.store.seed(a)
	f.store.seed(b)
	ctx := context.Background()
	f.engine.HandleChat(ctx, a)
	f.engine.HandleChat(ctx, b)
	ua, _ := f.store.Get(ctx, a)
	if ua.Status != registry.StatusCoupled {
		t.Fatalf("setup: user %d not coupled", a)
	}
}

func TestStopEndsChatForBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)

	f.engine.HandleStop(ctx, 1)

	u1, _ := f.store.Get(ctx, 1)
	u2, _ := f.store.Get(ctx, 2)
	if u1.Status != registry.StatusIdle || u2.Status != registry.StatusIdle {
		t.Errorf("statuses = %s/%s, want idle/idle", u1.Status, u2.Status)
	}
	if !f.transport.got(2, noticePartnerLeft) {
		t.Error("partner should be told the chat ended")
	}

	// A second /stop from the other side is a no-op.
	f.engine.HandleStop(ctx, 2)
	if !f.transport.got(2, noticeNotInChat) {
		t.Error("double stop should report not in chat")
	}
}

func TestShortSessionEarnsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)

	f.advance(299 * time.Second)
	f.engine.HandleStop(ctx, 1)

	u1, _ := f.store.Get(ctx, 1)
	u2, _ := f.store.Get(ctx, 2)
	if u1.Credit != registry.CreditStart || u2.Credit != registry.CreditStart {
		t.Errorf("credits = %d/%d, want unchanged %d", u1.Credit, u2.Credit, registry.CreditStart)
	}
}

func TestSessionRewardAtExactMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)
	f.store.users[1].Credit = 90
	f.store.users[2].Credit = 98

	f.advance(300 * time.Second)
	f.engine.HandleStop(ctx, 1)

	got1, _ := f.store.Get(ctx, 1)
	got2, _ := f.store.Get(ctx, 2)
	if got1.Credit != 95 {
		t.Errorf("credit 1 = %d, want 95", got1.Credit)
	}
	if got2.Credit != 100 {
		t.Errorf("credit 2 = %d, want 100 (clamped)", got2.Credit)
	}
}

func TestRelayBetweenPartners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)

	f.engine.HandleMessage(ctx, textMessage(1, 42, "hello"))

	if len(f.transport.copies) != 1 {
		t.Fatalf("copies = %d, want 1", len(f.transport.copies))
	}
	c := f.transport.copies[0]
	if c.to != 2 || c.from != 1 || c.messageID != 42 {
		t.Errorf("copy = %+v, want to=2 from=1 messageID=42", c)
	}
}

func TestMessageOutsideChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.seed(1)

	f.engine.HandleMessage(ctx, textMessage(1, 1, "anyone?"))

	if len(f.transport.copies) != 0 {
		t.Error("idle message must not be relayed")
	}
	if !f.transport.got(1, noticeNotInChat) {
		t.Error("idle sender should be told they are not in a chat")
	}
}

func TestToxicMessageEndsChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)
	f.classifier.textToxic = true

	f.engine.HandleMessage(ctx, textMessage(1, 7, "something vile"))

	if len(f.transport.copies) != 0 {
		t.Fatal("a toxic message must never reach the partner")
	}
	u1, _ := f.store.Get(ctx, 1)
	u2, _ := f.store.Get(ctx, 2)
	if u1.Credit != 75 {
		t.Errorf("offender credit = %d, want 75", u1.Credit)
	}
	if u2.Credit != registry.CreditStart {
		t.Errorf("short-session partner credit = %d, want unchanged", u2.Credit)
	}
	if u1.Status != registry.StatusIdle || u2.Status != registry.StatusIdle {
		t.Errorf("statuses = %s/%s, want idle/idle", u1.Status, u2.Status)
	}
	if !f.transport.got(1, noticeToxicSender) || !f.transport.got(2, noticeToxicPartner) {
		t.Error("both sides should be told why the chat ended")
	}
}

func TestToxicPartnerStillEarnsAfterLongSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)
	f.store.users[2].Credit = 90
	f.classifier.textToxic = true

	f.advance(301 * time.Second)
	f.engine.HandleMessage(ctx, textMessage(1, 7, "something vile"))

	u2, _ := f.store.Get(ctx, 2)
	if u2.Credit != 95 {
		t.Errorf("partner credit = %d, want 95", u2.Credit)
	}
}

func TestToxicPenaltyClampsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)
	f.store.users[1].Credit = 20
	f.classifier.textToxic = true

	f.engine.HandleMessage(ctx, textMessage(1, 7, "something vile"))

	u1, _ := f.store.Get(ctx, 1)
	if u1.Credit != 0 {
		t.Errorf("offender credit = %d, want clamped 0", u1.Credit)
	}
}

func TestClassifierFailureIsPermissive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)
	f.classifier.err = context.DeadlineExceeded

	f.engine.HandleMessage(ctx, textMessage(1, 9, "hello"))

	if len(f.transport.copies) != 1 {
		t.Fatal("classifier outage must not block the relay")
	}
	u1, _ := f.store.Get(ctx, 1)
	if u1.Status != registry.StatusCoupled {
		t.Error("chat should survive a classifier outage")
	}
}

func TestNextSkipsToNewSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)

	f.engine.HandleNext(ctx, 1)

	u1, _ := f.store.Get(ctx, 1)
	u2, _ := f.store.Get(ctx, 2)
	if u1.Status != registry.StatusInSearch {
		t.Errorf("skipper status = %s, want in_search", u1.Status)
	}
	if u2.Status != registry.StatusIdle {
		t.Errorf("skipped partner status = %s, want idle", u2.Status)
	}
	if !f.transport.got(2, noticePartnerLeft) {
		t.Error("skipped partner should be notified")
	}
}

func TestNextWhileSearchingIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.seed(1)
	f.engine.HandleChat(ctx, 1)

	f.engine.HandleNext(ctx, 1)

	u, _ := f.store.Get(ctx, 1)
	if u.Status != registry.StatusInSearch {
		t.Errorf("status = %s, want still in_search", u.Status)
	}
	if !f.transport.got(1, noticeStillSearching) {
		t.Error("expected still-searching notice")
	}
}

func TestBlockedReleasesPartner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	couple(t, f, 1, 2)

	f.engine.HandleBlocked(ctx, 1)

	u2, _ := f.store.Get(ctx, 2)
	if u2.Status != registry.StatusPartnerLeft {
		t.Fatalf("partner status = %s, want partner_left", u2.Status)
	}
	if !f.transport.got(2, noticePartnerLeft) {
		t.Error("partner should be told the other side left")
	}
	if f.transport.got(1, noticePartnerLeft) {
		t.Error("no notice goes to a user who blocked the bot")
	}

	// A later /chat from partner_left goes straight back into search.
	f.engine.HandleChat(ctx, 2)
	u2, _ = f.store.Get(ctx, 2)
	if u2.Status != registry.StatusInSearch {
		t.Errorf("partner status after /chat = %s, want in_search", u2.Status)
	}
}

func TestCreditCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.seed(1)
	f.store.users[1].Credit = 85

	f.engine.HandleCredit(ctx, 1)

	want := noticeCreditPrefix + "85"
	if !f.transport.got(1, want) {
		t.Errorf("missing credit notice %q, got %v", want, f.transport.notices[1])
	}
}

func TestStatsAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.AdminID = 99
	ctx := context.Background()
	f.store.seed(1)
	f.store.seed(99)

	f.engine.HandleStats(ctx, 1)
	if len(f.transport.notices[1]) != 0 {
		t.Error("non-admin /stats should be silent")
	}

	f.engine.HandleStats(ctx, 99)
	found := false
	for _, n := range f.transport.notices[99] {
		if strings.HasPrefix(n, "Users: ") {
			found = true
		}
	}
	if !found {
		t.Errorf("admin should get the counts, got %v", f.transport.notices[99])
	}
}
