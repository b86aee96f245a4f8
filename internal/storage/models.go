package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when a record is rejected before persistence.
// Callers distinguish it from storage failures with errors.Is.
var ErrValidation = errors.New("invalid record")

// RewriteChoice is the tri-state outcome of the human's rewrite decision.
// The zero value means no choice has been recorded yet, which is distinct
// from an explicit rejection.
type RewriteChoice int

const (
	ChoiceUnset RewriteChoice = iota
	ChoiceAccepted
	ChoiceRejected
)

// MarshalJSON renders the choice in the dashboard wire form:
// null (unset), true (accepted), false (rejected).
func (c RewriteChoice) MarshalJSON() ([]byte, error) {
	switch c {
	case ChoiceAccepted:
		return []byte("true"), nil
	case ChoiceRejected:
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

func (c *RewriteChoice) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "null":
		*c = ChoiceUnset
	case "true":
		*c = ChoiceAccepted
	case "false":
		*c = ChoiceRejected
	default:
		return fmt.Errorf("invalid rewrite choice %q", data)
	}
	return nil
}

// DimensionScore is a single quality-axis score with the analyzer's reasoning.
type DimensionScore struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// DimensionScores holds the five fixed analysis dimensions. A record without
// all five is invalid.
type DimensionScores struct {
	Clarity         DimensionScore `json:"clarity"`
	TokenEfficiency DimensionScore `json:"token_efficiency"`
	GoalAlignment   DimensionScore `json:"goal_alignment"`
	Structure       DimensionScore `json:"structure"`
	VaguenessIndex  DimensionScore `json:"vagueness_index"`
}

// dimensionKeys lists the required keys in canonical order.
var dimensionKeys = []string{"clarity", "token_efficiency", "goal_alignment", "structure", "vagueness_index"}

// DimensionScoresFromMap converts the analyzer's score map into the fixed
// struct, rejecting payloads that do not contain exactly the five known keys.
func DimensionScoresFromMap(m map[string]DimensionScore) (DimensionScores, error) {
	if len(m) != len(dimensionKeys) {
		return DimensionScores{}, fmt.Errorf("%w: dimension_scores has %d keys, want %d", ErrValidation, len(m), len(dimensionKeys))
	}
	for _, k := range dimensionKeys {
		if _, ok := m[k]; !ok {
			return DimensionScores{}, fmt.Errorf("%w: dimension_scores missing %q", ErrValidation, k)
		}
	}
	return DimensionScores{
		Clarity:         m["clarity"],
		TokenEfficiency: m["token_efficiency"],
		GoalAlignment:   m["goal_alignment"],
		Structure:       m["structure"],
		VaguenessIndex:  m["vagueness_index"],
	}, nil
}

// Map returns the dimensions keyed by their wire names.
func (d DimensionScores) Map() map[string]DimensionScore {
	return map[string]DimensionScore{
		"clarity":          d.Clarity,
		"token_efficiency": d.TokenEfficiency,
		"goal_alignment":   d.GoalAlignment,
		"structure":        d.Structure,
		"vagueness_index":  d.VaguenessIndex,
	}
}

// Mistake is one defect the analyzer found in a prompt.
type Mistake struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Suggestion string `json:"suggestion"`
}

// Interaction is one recorded prompt analysis. Everything except
// RewriteUsed is immutable after Append.
type Interaction struct {
	ID                  int64
	CreatedAt           time.Time
	ProjectID           string // empty means unscoped
	SourceAgent         string // empty means the prompt came from a human
	TargetAgent         string
	OriginalPrompt      string
	RewrittenPrompt     string
	OriginalTokens      int
	RewrittenTokens     int
	TokenSavingsPercent int
	OverallScore        int
	Dimensions          DimensionScores
	Mistakes            []Mistake
	RewriteUsed         RewriteChoice
	FullResultJSON      string // verbatim analyzer payload
}

// TokenSavingsPercent computes the rounded percentage of tokens the rewrite
// saved. Zero when the original had no tokens.
func TokenSavingsPercent(originalTokens, rewrittenTokens int) int {
	if originalTokens <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(originalTokens-rewrittenTokens) / float64(originalTokens)))
}

// Validate checks the invariants the store enforces before persisting.
func (i Interaction) Validate() error {
	if i.OriginalPrompt == "" {
		return fmt.Errorf("%w: original_prompt is required", ErrValidation)
	}
	if i.OriginalTokens < 0 || i.RewrittenTokens < 0 {
		return fmt.Errorf("%w: token counts must be non-negative", ErrValidation)
	}
	if i.OverallScore < 0 || i.OverallScore > 100 {
		return fmt.Errorf("%w: overall_score %d outside [0,100]", ErrValidation, i.OverallScore)
	}
	for name, d := range i.Dimensions.Map() {
		if d.Score < 0 || d.Score > 100 {
			return fmt.Errorf("%w: %s score %d outside [0,100]", ErrValidation, name, d.Score)
		}
	}
	return nil
}

func marshalMistakes(mistakes []Mistake) (string, error) {
	if mistakes == nil {
		mistakes = []Mistake{}
	}
	b, err := json.Marshal(mistakes)
	if err != nil {
		return "", fmt.Errorf("marshalling mistakes: %w", err)
	}
	return string(b), nil
}
