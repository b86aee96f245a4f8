// Package analytics computes dashboard views over the interaction log.
// All computations are read-only and recomputed per query; there is no
// background aggregation state to invalidate.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stitchd/promptpulse/internal/storage"
)

// RecordSource abstracts the store for the read side. The engine never
// mutates records.
type RecordSource interface {
	ScanInteractions(f storage.ScanFilter, fn func(storage.Interaction) error) error
}

// Engine answers dashboard queries. Concurrent identical queries are
// collapsed with singleflight so a burst of dashboard refreshes costs one
// scan, not one per client.
type Engine struct {
	src   RecordSource
	group singleflight.Group
	now   func() time.Time
}

func New(src RecordSource) *Engine {
	return &Engine{src: src, now: time.Now}
}

// Overview is the KPI block at the top of the dashboard.
type Overview struct {
	TotalInteractions     int     `json:"total_interactions"`
	HumanCount            int     `json:"human_count"`
	AgentCount            int     `json:"agent_count"`
	AvgOverallScore       int     `json:"avg_overall_score"`
	AvgTokenSavings       int     `json:"avg_token_savings"`
	RewriteAcceptanceRate int     `json:"rewrite_acceptance_rate"`
	TotalMistakesFound    int     `json:"total_mistakes_found"`
	TotalTokens           int64   `json:"total_tokens"`
	AvgTokensPerPrompt    float64 `json:"avg_tokens_per_prompt"`
}

// Overview computes the KPI block, optionally scoped to one project.
// An empty store yields the zero Overview, never an error.
func (e *Engine) Overview(projectID string) (Overview, error) {
	v, err, _ := e.group.Do("overview:"+projectID, func() (any, error) {
		return e.overview(projectID)
	})
	if err != nil {
		return Overview{}, err
	}
	return v.(Overview), nil
}

func (e *Engine) overview(projectID string) (Overview, error) {
	var o Overview
	var scoreSum, savingsSum, savingsCount, accepted, decided int
	var tokenSum int64

	err := e.src.ScanInteractions(storage.ScanFilter{ProjectID: projectID}, func(i storage.Interaction) error {
		o.TotalInteractions++
		if i.SourceAgent == "" {
			o.HumanCount++
		} else {
			o.AgentCount++
		}
		scoreSum += i.OverallScore
		if i.OriginalTokens > 0 {
			savingsSum += i.TokenSavingsPercent
			savingsCount++
		}
		switch i.RewriteUsed {
		case storage.ChoiceAccepted:
			accepted++
			decided++
		case storage.ChoiceRejected:
			decided++
		}
		o.TotalMistakesFound += len(i.Mistakes)
		tokenSum += int64(i.OriginalTokens)
		return nil
	})
	if err != nil {
		return Overview{}, err
	}

	if o.TotalInteractions > 0 {
		o.AvgOverallScore = roundDiv(scoreSum, o.TotalInteractions)
		o.AvgTokensPerPrompt = float64(tokenSum) / float64(o.TotalInteractions)
	}
	if savingsCount > 0 {
		o.AvgTokenSavings = roundDiv(savingsSum, savingsCount)
	}
	if decided > 0 {
		o.RewriteAcceptanceRate = roundDiv(accepted*100, decided)
	}
	o.TotalTokens = tokenSum
	return o, nil
}

// TrendQuery selects a trend window. Hours takes precedence over Days when
// both are set; with neither, the window defaults to 30 days.
type TrendQuery struct {
	Hours     int
	Days      int
	ProjectID string
}

// TrendBucket is one fixed-width interval of the trend series. Empty
// intervals are emitted with zero count so chart axes stay evenly spaced.
type TrendBucket struct {
	Date     string `json:"date"`
	Count    int    `json:"count"`
	AvgScore int    `json:"avg_score"`
}

const (
	hourlyLabel = "2006-01-02 15:00"
	dailyLabel  = "2006-01-02"
)

// Trends returns exactly one bucket per interval in the requested window,
// ending at the interval containing now. Bucket boundaries align to the
// hour or day start in UTC, never to a record's timestamp.
func (e *Engine) Trends(q TrendQuery) ([]TrendBucket, error) {
	key := fmt.Sprintf("trends:%d:%d:%s", q.Hours, q.Days, q.ProjectID)
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.trends(q)
	})
	if err != nil {
		return nil, err
	}
	return v.([]TrendBucket), nil
}

func (e *Engine) trends(q TrendQuery) ([]TrendBucket, error) {
	width := 24 * time.Hour
	n := q.Days
	label := dailyLabel
	if q.Hours > 0 {
		width = time.Hour
		n = q.Hours
		label = hourlyLabel
	} else if q.Days <= 0 {
		n = 30
	}
	if n <= 0 {
		return []TrendBucket{}, nil
	}

	latest := e.now().UTC().Truncate(width)
	first := latest.Add(-time.Duration(n-1) * width)

	counts := make([]int, n)
	sums := make([]int, n)
	err := e.src.ScanInteractions(storage.ScanFilter{ProjectID: q.ProjectID, Since: first}, func(i storage.Interaction) error {
		idx := int(i.CreatedAt.UTC().Sub(first) / width)
		if idx < 0 || idx >= n {
			return nil
		}
		counts[idx]++
		sums[idx] += i.OverallScore
		return nil
	})
	if err != nil {
		return nil, err
	}

	buckets := make([]TrendBucket, n)
	for i := range buckets {
		b := TrendBucket{
			Date:  first.Add(time.Duration(i) * width).Format(label),
			Count: counts[i],
		}
		if b.Count > 0 {
			b.AvgScore = roundDiv(sums[i], b.Count)
		}
		buckets[i] = b
	}
	return buckets, nil
}

// MistakeFrequency is one entry of the mistake-type ranking.
type MistakeFrequency struct {
	Type       string  `json:"type"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// MistakeFrequencies returns the limit most common mistake types, ordered by
// count descending with ties broken by type name ascending. Mistakes with no
// type bucket as "unknown" so new analyzer categories never break the view.
func (e *Engine) MistakeFrequencies(limit int, projectID string) ([]MistakeFrequency, error) {
	key := fmt.Sprintf("mistakes:%d:%s", limit, projectID)
	v, err, _ := e.group.Do(key, func() (any, error) {
		return e.mistakeFrequencies(limit, projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]MistakeFrequency), nil
}

func (e *Engine) mistakeFrequencies(limit int, projectID string) ([]MistakeFrequency, error) {
	counts := make(map[string]int)
	total := 0
	err := e.src.ScanInteractions(storage.ScanFilter{ProjectID: projectID}, func(i storage.Interaction) error {
		for _, m := range i.Mistakes {
			counts[mistakeType(m)]++
			total++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ranked := make([]MistakeFrequency, 0, len(counts))
	for typ, count := range counts {
		ranked = append(ranked, MistakeFrequency{
			Type:       typ,
			Count:      count,
			Percentage: round1(100 * float64(count) / float64(total)),
		})
	}
	sort.Slice(ranked, func(a, b int) bool {
		if ranked[a].Count != ranked[b].Count {
			return ranked[a].Count > ranked[b].Count
		}
		return ranked[a].Type < ranked[b].Type
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

func mistakeType(m storage.Mistake) string {
	if m.Type == "" {
		return "unknown"
	}
	return m.Type
}

func roundDiv(sum, n int) int {
	return int(math.Round(float64(sum) / float64(n)))
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
