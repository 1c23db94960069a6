// Package ranker scores competing offers for an intent and picks the best
// one. Selection is a pure function of the candidate set: no randomness, and
// stable tie-breaking, so every agent observing the same offers reaches the
// same winner.
package ranker

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Weights tune the three scoring components. They do not need to sum to one.
type Weights struct {
	Reputation float64
	Fee        float64
	Speed      float64
}

// DefaultWeights mirror the protocol defaults: reputation dominates, fee
// matters more than speed.
var DefaultWeights = Weights{Reputation: 0.5, Fee: 0.3, Speed: 0.2}

// DefaultTieWindow is the score distance within which stake age and offer age
// break ties.
const DefaultTieWindow = 0.05

// Candidate is one offer under consideration.
type Candidate struct {
	OfferID         string
	From            string
	Fee             float64
	ETASeconds      int64
	SnapshotRep     float64
	HasSnapshotRep  bool
	StakeAgeSeconds int64
	CreatedAt       int64
}

// Scored pairs a candidate with its composite score and the reputation value
// that was actually used.
type Scored struct {
	Candidate
	Score   float64
	LiveRep float64
}

// RepLookup resolves the live reputation for an address. A non-finite result
// falls back to the offer's snapshot.
type RepLookup func(address string) float64

// Config bundles the tunables for a selection run.
type Config struct {
	Weights   Weights
	TieWindow float64
}

func (c Config) withDefaults() Config {
	zero := Weights{}
	if c.Weights == zero {
		c.Weights = DefaultWeights
	}
	if c.TieWindow <= 0 {
		c.TieWindow = DefaultTieWindow
	}
	return c
}

// Rank scores every candidate and returns them ordered best-first. The live
// reputation lookup is consulted per candidate; snapshots cover lookup
// failures.
func Rank(candidates []Candidate, lookup RepLookup, cfg Config) []Scored {
	if len(candidates) == 0 {
		return nil
	}
	cfg = cfg.withDefaults()

	scored := make([]Scored, len(candidates))
	reps := make([]float64, len(candidates))
	fees := make([]float64, len(candidates))
	speeds := make([]float64, len(candidates))
	for i, cand := range candidates {
		rep := math.NaN()
		if lookup != nil {
			rep = lookup(cand.From)
		}
		if !isFinite(rep) && cand.HasSnapshotRep {
			rep = cand.SnapshotRep
		}
		if !isFinite(rep) {
			rep = 0
		}
		reps[i] = rep
		fees[i] = cand.Fee
		if cand.ETASeconds <= 0 {
			speeds[i] = math.Inf(1)
		} else {
			speeds[i] = 1 / float64(cand.ETASeconds)
		}
		scored[i] = Scored{Candidate: cand, LiveRep: rep}
	}

	repNorm := minMax(reps)
	feeNorm := minMax(fees)
	speedNorm := minMax(speeds)
	for i := range scored {
		scored[i].Score = cfg.Weights.Reputation*repNorm[i] +
			cfg.Weights.Fee*(1-feeNorm[i]) +
			cfg.Weights.Speed*speedNorm[i]
	}

	sort.SliceStable(scored, func(a, b int) bool {
		if scored[a].Score != scored[b].Score {
			return scored[a].Score > scored[b].Score
		}
		return scored[a].LiveRep > scored[b].LiveRep
	})
	return scored
}

// SelectBest ranks the candidates and applies the tie-window refinement:
// within TieWindow of the best score, older stake wins, then the earlier
// offer.
func SelectBest(candidates []Candidate, lookup RepLookup, cfg Config) (Scored, bool) {
	ranked := Rank(candidates, lookup, cfg)
	if len(ranked) == 0 {
		return Scored{}, false
	}
	cfg = cfg.withDefaults()

	best := ranked[0].Score
	window := make([]Scored, 0, len(ranked))
	for _, s := range ranked {
		if best-s.Score <= cfg.TieWindow {
			window = append(window, s)
		}
	}
	sort.SliceStable(window, func(a, b int) bool {
		if window[a].StakeAgeSeconds != window[b].StakeAgeSeconds {
			return window[a].StakeAgeSeconds > window[b].StakeAgeSeconds
		}
		return window[a].CreatedAt < window[b].CreatedAt
	})
	return window[0], true
}

// minMax normalises values to [0,1]; a degenerate set maps everything to 1.
// Infinite speeds (unknown ETA) saturate at the top of the range.
func minMax(values []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsInf(v, 1) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi <= lo || math.IsInf(lo, 1) {
		for i := range values {
			out[i] = 1
		}
		return out
	}
	for i, v := range values {
		if math.IsInf(v, 1) {
			out[i] = 1
			continue
		}
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

var etaPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*(ms|s|sec|secs|m|min|mins|h|hr|hrs)?$`)

// ParseETASeconds converts a duration string like "5s", "2 min" or "1.5h"
// into seconds. The default unit is seconds; anything unparseable yields 0,
// which the ranker treats as "unknown, assume fastest".
func ParseETASeconds(eta string) int64 {
	match := etaPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(eta)))
	if match == nil {
		return 0
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	var seconds float64
	switch match[2] {
	case "ms":
		seconds = value / 1000
	case "m", "min", "mins":
		seconds = value * 60
	case "h", "hr", "hrs":
		seconds = value * 3600
	default:
		seconds = value
	}
	if seconds <= 0 {
		return 0
	}
	rounded := int64(math.Round(seconds))
	if rounded == 0 {
		rounded = 1
	}
	return rounded
}

// FormatETA renders seconds back into the compact wire form.
func FormatETA(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	return fmt.Sprintf("%ds", seconds)
}
