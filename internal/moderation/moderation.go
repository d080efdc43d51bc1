// Package moderation provides the toxicity gate that every in-session
// message passes before it is relayed. Text is normalized first, then
// scored per category by a pluggable model; a verdict is positive when any
// category score reaches its threshold.
package moderation

import (
	"context"
	"fmt"
)

// Classifier is the async toxicity predicate the session engine awaits
// before relaying content. Implementations may block on remote inference.
type Classifier interface {
	ToxicText(ctx context.Context, text string) (bool, error)
	ToxicImage(ctx context.Context, image []byte) (bool, error)
}

// Scorer produces per-category probability scores for content.
type Scorer interface {
	ScoreText(ctx context.Context, text string) (map[string]float64, error)
	ScoreImage(ctx context.Context, image []byte) (map[string]float64, error)
}

// Thresholds maps a category name to the minimum score that flags it.
// Categories absent from the table are ignored.
type Thresholds map[string]float64

// DefaultThreshold mirrors the cut-off the toxicity model was tuned with.
const DefaultThreshold = 0.65

// DefaultThresholds returns the standard per-category threshold table for
// the text toxicity heads and the NSFW image head.
func DefaultThresholds() Thresholds {
	return Thresholds{
		"toxic":         DefaultThreshold,
		"obscene":       DefaultThreshold,
		"threat":        DefaultThreshold,
		"insult":        DefaultThreshold,
		"identity_hate": DefaultThreshold,
		"nsfw":          DefaultThreshold,
	}
}

// Model combines a Scorer with a threshold table to form a Classifier.
type Model struct {
	scorer     Scorer
	thresholds Thresholds
}

// NewModel creates a Model. A nil thresholds table gets the defaults.
func NewModel(scorer Scorer, thresholds Thresholds) *Model {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Model{scorer: scorer, thresholds: thresholds}
}

// ToxicText normalizes the text and scores it. Text that normalizes to
// nothing (pure emoji, URLs, stopwords) is never toxic.
func (m *Model) ToxicText(ctx context.Context, text string) (bool, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return false, nil
	}

	scores, err := m.scorer.ScoreText(ctx, normalized)
	if err != nil {
		return false, fmt.Errorf("moderation: score text: %w", err)
	}
	return m.exceeds(scores), nil
}

// ToxicImage scores raw image bytes against the NSFW head.
func (m *Model) ToxicImage(ctx context.Context, image []byte) (bool, error) {
	scores, err := m.scorer.ScoreImage(ctx, image)
	if err != nil {
		return false, fmt.Errorf("moderation: score image: %w", err)
	}
	return m.exceeds(scores), nil
}

func (m *Model) exceeds(scores map[string]float64) bool {
	for category, score := range scores {
		threshold, ok := m.thresholds[category]
		if ok && score >= threshold {
			return true
		}
	}
	return false
}
