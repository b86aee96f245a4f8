package storage

import (
	"encoding/json"
	"errors"
	"testing"
)

func validDimensions() DimensionScores {
	return DimensionScores{
		Clarity:         DimensionScore{Score: 80, Reasoning: "clear"},
		TokenEfficiency: DimensionScore{Score: 70, Reasoning: "some repetition"},
		GoalAlignment:   DimensionScore{Score: 90, Reasoning: "on target"},
		Structure:       DimensionScore{Score: 60, Reasoning: "wall of text"},
		VaguenessIndex:  DimensionScore{Score: 75, Reasoning: "mostly concrete"},
	}
}

func validInteraction() Interaction {
	return Interaction{
		OriginalPrompt:  "Summarize this document in three bullet points",
		RewrittenPrompt: "Summarize in 3 bullets",
		OriginalTokens:  100,
		RewrittenTokens: 40,
		OverallScore:    75,
		Dimensions:      validDimensions(),
		Mistakes: []Mistake{
			{Type: "vague_instruction", Text: "this document", Suggestion: "name the document"},
		},
	}
}

func TestTokenSavingsPercent(t *testing.T) {
	tests := []struct {
		name      string
		original  int
		rewritten int
		want      int
	}{
		{"typical savings", 100, 40, 60},
		{"no savings", 100, 100, 0},
		{"rewrite longer", 100, 150, -50},
		{"zero original", 0, 40, 0},
		{"negative original", -5, 40, 0},
		{"rounds to nearest", 3, 2, 33},
	}
	for _, tt := range tests {
		got := TokenSavingsPercent(tt.original, tt.rewritten)
		if got != tt.want {
			t.Errorf("%s: TokenSavingsPercent(%d, %d) = %d, want %d", tt.name, tt.original, tt.rewritten, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := validInteraction().Validate(); err != nil {
		t.Fatalf("valid interaction rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Interaction)
	}{
		{"missing prompt", func(i *Interaction) { i.OriginalPrompt = "" }},
		{"negative original tokens", func(i *Interaction) { i.OriginalTokens = -1 }},
		{"negative rewritten tokens", func(i *Interaction) { i.RewrittenTokens = -1 }},
		{"score too high", func(i *Interaction) { i.OverallScore = 101 }},
		{"score negative", func(i *Interaction) { i.OverallScore = -1 }},
		{"dimension score out of range", func(i *Interaction) { i.Dimensions.Clarity.Score = 120 }},
	}
	for _, tt := range tests {
		i := validInteraction()
		tt.mutate(&i)
		err := i.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error, got nil", tt.name)
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: error %v is not ErrValidation", tt.name, err)
		}
	}
}

func TestRewriteChoiceJSON(t *testing.T) {
	tests := []struct {
		choice RewriteChoice
		wire   string
	}{
		{ChoiceUnset, "null"},
		{ChoiceAccepted, "true"},
		{ChoiceRejected, "false"},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.choice)
		if err != nil {
			t.Fatalf("marshal %v: %v", tt.choice, err)
		}
		if string(b) != tt.wire {
			t.Errorf("marshal %v = %s, want %s", tt.choice, b, tt.wire)
		}

		var back RewriteChoice
		if err := json.Unmarshal([]byte(tt.wire), &back); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.wire, err)
		}
		if back != tt.choice {
			t.Errorf("unmarshal %s = %v, want %v", tt.wire, back, tt.choice)
		}
	}

	var c RewriteChoice
	if err := json.Unmarshal([]byte(`"yes"`), &c); err == nil {
		t.Error("expected error for non-boolean choice value")
	}
}

func TestDimensionScoresFromMap(t *testing.T) {
	full := map[string]DimensionScore{
		"clarity":          {Score: 80},
		"token_efficiency": {Score: 70},
		"goal_alignment":   {Score: 90},
		"structure":        {Score: 60},
		"vagueness_index":  {Score: 75},
	}

	d, err := DimensionScoresFromMap(full)
	if err != nil {
		t.Fatalf("full map rejected: %v", err)
	}
	if d.GoalAlignment.Score != 90 {
		t.Errorf("goal_alignment score = %d, want 90", d.GoalAlignment.Score)
	}

	missing := map[string]DimensionScore{
		"clarity":          {Score: 80},
		"token_efficiency": {Score: 70},
		"goal_alignment":   {Score: 90},
		"structure":        {Score: 60},
	}
	if _, err := DimensionScoresFromMap(missing); !errors.Is(err, ErrValidation) {
		t.Errorf("missing key: got %v, want ErrValidation", err)
	}

	extra := map[string]DimensionScore{
		"clarity":          {Score: 80},
		"token_efficiency": {Score: 70},
		"goal_alignment":   {Score: 90},
		"structure":        {Score: 60},
		"vagueness_index":  {Score: 75},
		"tone":             {Score: 50},
	}
	if _, err := DimensionScoresFromMap(extra); !errors.Is(err, ErrValidation) {
		t.Errorf("extra key: got %v, want ErrValidation", err)
	}

	unknown := map[string]DimensionScore{
		"clarity":          {Score: 80},
		"token_efficiency": {Score: 70},
		"goal_alignment":   {Score: 90},
		"structure":        {Score: 60},
		"tone":             {Score: 50},
	}
	if _, err := DimensionScoresFromMap(unknown); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown key: got %v, want ErrValidation", err)
	}
}
