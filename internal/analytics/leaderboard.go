package analytics

import (
	"sort"

	"github.com/stitchd/promptpulse/internal/storage"
)

// Trend directions for an agent's improvement over its own history.
const (
	TrendUp   = "up"
	TrendFlat = "flat"
	TrendDown = "down"
)

// AgentStats is one leaderboard row. Records without a source agent (human
// submissions) never appear here.
type AgentStats struct {
	AgentID           string `json:"agent_id"`
	TotalPrompts      int    `json:"total_prompts"`
	AvgScore          int    `json:"avg_score"`
	ImprovementTrend  string `json:"improvement_trend"`
	WeakestDimension  string `json:"weakest_dimension,omitempty"`
	MostCommonMistake string `json:"most_common_mistake,omitempty"`
}

type agentAccum struct {
	records  []agentRecord
	scoreSum int
	dims     map[string]int
	mistakes map[string]int
}

type agentRecord struct {
	createdAt int64
	id        int64
	score     int
}

// AgentLeaderboard ranks automated callers by average overall score
// (ties broken by prompt count, then agent id for stable output).
func (e *Engine) AgentLeaderboard(projectID string) ([]AgentStats, error) {
	v, err, _ := e.group.Do("agents:"+projectID, func() (any, error) {
		return e.agentLeaderboard(projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]AgentStats), nil
}

func (e *Engine) agentLeaderboard(projectID string) ([]AgentStats, error) {
	agents := make(map[string]*agentAccum)

	err := e.src.ScanInteractions(storage.ScanFilter{ProjectID: projectID}, func(i storage.Interaction) error {
		if i.SourceAgent == "" {
			return nil
		}
		a := agents[i.SourceAgent]
		if a == nil {
			a = &agentAccum{dims: make(map[string]int), mistakes: make(map[string]int)}
			agents[i.SourceAgent] = a
		}
		a.records = append(a.records, agentRecord{
			createdAt: i.CreatedAt.UnixNano(),
			id:        i.ID,
			score:     i.OverallScore,
		})
		a.scoreSum += i.OverallScore
		for name, d := range i.Dimensions.Map() {
			a.dims[name] += d.Score
		}
		for _, m := range i.Mistakes {
			a.mistakes[mistakeType(m)]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats := make([]AgentStats, 0, len(agents))
	for id, a := range agents {
		n := len(a.records)
		stats = append(stats, AgentStats{
			AgentID:           id,
			TotalPrompts:      n,
			AvgScore:          roundDiv(a.scoreSum, n),
			ImprovementTrend:  improvementTrend(a.records),
			WeakestDimension:  weakestDimension(a.dims, n),
			MostCommonMistake: mostCommonMistake(a.mistakes),
		})
	}

	sort.Slice(stats, func(a, b int) bool {
		if stats[a].AvgScore != stats[b].AvgScore {
			return stats[a].AvgScore > stats[b].AvgScore
		}
		if stats[a].TotalPrompts != stats[b].TotalPrompts {
			return stats[a].TotalPrompts > stats[b].TotalPrompts
		}
		return stats[a].AgentID < stats[b].AgentID
	})
	return stats, nil
}

// improvementTrend compares the mean score of the agent's most recent half
// of records against its earlier half. A one-point deadband keeps jitter
// from rendering as movement.
func improvementTrend(records []agentRecord) string {
	if len(records) < 2 {
		return TrendFlat
	}
	sort.Slice(records, func(a, b int) bool {
		if records[a].createdAt != records[b].createdAt {
			return records[a].createdAt < records[b].createdAt
		}
		return records[a].id < records[b].id
	})

	mid := len(records) / 2
	earlier := mean(records[:mid])
	later := mean(records[mid:])

	switch delta := later - earlier; {
	case delta >= 1:
		return TrendUp
	case delta <= -1:
		return TrendDown
	default:
		return TrendFlat
	}
}

func mean(records []agentRecord) float64 {
	sum := 0
	for _, r := range records {
		sum += r.score
	}
	return float64(sum) / float64(len(records))
}

func weakestDimension(sums map[string]int, n int) string {
	weakest := ""
	lowest := 0
	for name, sum := range sums {
		avg := sum / n
		if weakest == "" || avg < lowest || (avg == lowest && name < weakest) {
			weakest = name
			lowest = avg
		}
	}
	return weakest
}

func mostCommonMistake(counts map[string]int) string {
	top := ""
	best := 0
	for typ, count := range counts {
		if count > best || (count == best && (top == "" || typ < top)) {
			top = typ
			best = count
		}
	}
	return top
}
