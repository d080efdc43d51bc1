package engine

import (
	"crypto/rand"
	"sync"
)

const (
	challengeLength   = 5
	challengeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Gate holds the pending captcha challenges. Challenges are ephemeral:
// they exist only between issuance and the user's next text reply and are
// never persisted. A restart simply forgets them.
type Gate struct {
	mu      sync.Mutex
	pending map[int64]string
}

// NewGate creates an empty verification gate.
func NewGate() *Gate {
	return &Gate{pending: make(map[int64]string)}
}

// Issue generates a new challenge for the user, replacing any previous one,
// and returns its solution.
func (g *Gate) Issue(userID int64) string {
	code := randomCode()

	g.mu.Lock()
	g.pending[userID] = code
	g.mu.Unlock()

	return code
}

// Pending reports whether the user has an unanswered challenge.
func (g *Gate) Pending(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.pending[userID]
	return ok
}

// Verify consumes the user's pending challenge and compares the answer
// exactly (case-sensitive). The challenge is discarded whether or not the
// answer matches: one challenge, one attempt.
func (g *Gate) Verify(userID int64, answer string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	code, ok := g.pending[userID]
	if !ok {
		return false
	}
	delete(g.pending, userID)
	return answer == code
}

// randomCode returns a challenge solution: lowercase letters and digits,
// low-ambiguity enough to render as a captcha image.
func randomCode() string {
	buf := make([]byte, challengeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = challengeAlphabet[int(b)%len(challengeAlphabet)]
	}
	return string(buf)
}
