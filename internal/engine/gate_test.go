package engine

import (
	"strings"
	"testing"
)

func TestGateIssueAndVerify(t *testing.T) {
	g := NewGate()

	code := g.Issue(7)
	if len(code) != challengeLength {
		t.Fatalf("code length = %d, want %d", len(code), challengeLength)
	}
	for _, c := range code {
		if !strings.ContainsRune(challengeAlphabet, c) {
			t.Fatalf("code %q contains %q outside the alphabet", code, c)
		}
	}
	if !g.Pending(7) {
		t.Fatal("challenge should be pending after Issue")
	}

	if !g.Verify(7, code) {
		t.Error("correct answer rejected")
	}
	if g.Pending(7) {
		t.Error("challenge should be consumed after Verify")
	}
}

func TestGateOneAttemptPerChallenge(t *testing.T) {
	g := NewGate()
	code := g.Issue(7)

	if g.Verify(7, "nope!") {
		t.Fatal("wrong answer accepted")
	}
	// The challenge is gone: even the right answer is too late now.
	if g.Verify(7, code) {
		t.Error("consumed challenge accepted a late answer")
	}
}

func TestGateVerifyIsCaseSensitive(t *testing.T) {
	g := NewGate()
	code := g.Issue(7)

	if g.Verify(7, strings.ToUpper(code)) {
		t.Error("uppercased answer must not match")
	}
}

func TestGateIssueReplacesPrevious(t *testing.T) {
	g := NewGate()
	old := g.Issue(7)
	fresh := g.Issue(7)

	if old != fresh && g.Verify(7, old) {
		t.Error("stale challenge accepted after reissue")
	}
}

func TestGateVerifyWithoutChallenge(t *testing.T) {
	g := NewGate()

	if g.Verify(7, "anything") {
		t.Error("verify with no pending challenge must fail")
	}
}
