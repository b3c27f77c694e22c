package retrieval

import (
	"errors"
	"math"
	"sort"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// SelectionConfig tunes the cut-off strategy over a sorted score list.
type SelectionConfig struct {
	Strategy models.SelectionStrategy
	MinScore float64
	// MinK is guaranteed: when the score threshold leaves fewer than
	// MinK, the result fills back up from below the threshold.
	MinK int
	// MaxK is the absolute cap every strategy honours.
	MaxK int

	// fixed_k
	K int
	// elbow
	DropThreshold float64
	// adaptive_k: positional decay on the curvature.
	Alpha float64
	// entropy
	EntropyThreshold float64
	LowEntropyK      int
	HighEntropyK     int
	// clustering
	Eps           float64
	TopPerCluster int
}

// DefaultSelectionConfig selects a fixed top five above 0.3.
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		Strategy:         models.StrategyFixedK,
		MinScore:         0.3,
		MinK:             1,
		MaxK:             10,
		K:                5,
		DropThreshold:    0.3,
		Alpha:            0.9,
		EntropyThreshold: 1.5,
		LowEntropyK:      3,
		HighEntropyK:     8,
		Eps:              0.05,
		TopPerCluster:    2,
	}
}

var (
	// ErrUnsortedScores is returned when the input is not sorted
	// descending; strategies cut prefixes and cannot work otherwise.
	ErrUnsortedScores = errors.New("scores must be sorted descending")

	// ErrBadKRange is returned when min_k exceeds max_k.
	ErrBadKRange = errors.New("min_k must not exceed max_k")
)

// Select returns the indices of the selected scores (a prefix for every
// strategy but clustering, which picks per-cluster leaders) plus
// metadata describing the decision. Indices are in score-descending
// order.
func Select(scores []float64, cfg SelectionConfig) ([]int, models.SelectionMetadata, error) {
	meta := models.SelectionMetadata{Strategy: cfg.Strategy, InputCount: len(scores)}
	if cfg.MinK > cfg.MaxK && cfg.MaxK > 0 {
		return nil, meta, ErrBadKRange
	}
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[i-1] {
			return nil, meta, ErrUnsortedScores
		}
	}
	if len(scores) == 0 {
		return nil, meta, nil
	}

	var picked []int
	switch cfg.Strategy {
	case models.StrategyElbow:
		picked = selectElbow(scores, cfg, &meta)
	case models.StrategyAdaptiveK:
		picked = selectAdaptiveK(scores, cfg, &meta)
	case models.StrategyEntropy:
		picked = selectEntropy(scores, cfg, &meta)
	case models.StrategyClustering:
		picked = selectClustering(scores, cfg, &meta)
	default:
		picked = selectFixedK(scores, cfg, &meta)
	}

	picked = applyBounds(scores, picked, cfg, &meta)
	// Indices stay ascending, which is score-descending order.
	sort.Ints(picked)
	meta.SelectedCount = len(picked)
	return picked, meta, nil
}

// prefix returns [0, n).
func prefix(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// aboveMin counts the leading scores >= min_score.
func aboveMin(scores []float64, minScore float64) int {
	n := 0
	for _, s := range scores {
		if s < minScore {
			break
		}
		n++
	}
	return n
}

func selectFixedK(scores []float64, cfg SelectionConfig, meta *models.SelectionMetadata) []int {
	eligible := aboveMin(scores, cfg.MinScore)
	if eligible == 0 {
		// Threshold eliminated everything: fall back to the top min_k
		// unfiltered.
		meta.MinKFilled = true
		return prefix(min(cfg.MinK, len(scores)))
	}
	k := cfg.K
	if k <= 0 {
		k = eligible
	}
	return prefix(min(k, eligible))
}

func selectElbow(scores []float64, cfg SelectionConfig, meta *models.SelectionMetadata) []int {
	eligible := aboveMin(scores, cfg.MinScore)
	for i := 1; i < eligible; i++ {
		if scores[i-1] <= 0 {
			continue
		}
		if (scores[i-1]-scores[i])/scores[i-1] >= cfg.DropThreshold {
			idx := i
			meta.ElbowIdx = &idx
			return prefix(i)
		}
	}
	return prefix(eligible)
}

func selectAdaptiveK(scores []float64, cfg SelectionConfig, meta *models.SelectionMetadata) []int {
	eligible := aboveMin(scores, cfg.MinScore)
	if eligible <= 2 {
		return prefix(eligible)
	}
	alpha := cfg.Alpha
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	bestIdx, bestCurv := 1, math.Inf(-1)
	for i := 1; i < eligible-1; i++ {
		// Second difference measures how sharply the curve bends at i;
		// alpha decays it so early cuts win ties against late ones.
		curv := (scores[i-1] - 2*scores[i] + scores[i+1]) * math.Pow(alpha, float64(i))
		if curv > bestCurv {
			bestCurv = curv
			bestIdx = i
		}
	}
	meta.Curvature = &bestCurv
	return prefix(bestIdx + 1)
}

func selectEntropy(scores []float64, cfg SelectionConfig, meta *models.SelectionMetadata) []int {
	eligible := aboveMin(scores, cfg.MinScore)
	if eligible == 0 {
		return nil
	}
	var sum float64
	for _, s := range scores[:eligible] {
		sum += s
	}
	var entropy float64
	if sum > 0 {
		for _, s := range scores[:eligible] {
			p := s / sum
			if p > 0 {
				entropy -= p * math.Log2(p)
			}
		}
	}
	meta.Entropy = &entropy
	k := cfg.HighEntropyK
	if entropy < cfg.EntropyThreshold {
		k = cfg.LowEntropyK
	}
	return prefix(min(k, eligible))
}

// selectClustering runs 1-D DBSCAN over the sorted scores: adjacent
// scores within eps chain into one cluster. The top top_per_cluster of
// each cluster are picked.
func selectClustering(scores []float64, cfg SelectionConfig, meta *models.SelectionMetadata) []int {
	eligible := aboveMin(scores, cfg.MinScore)
	if eligible == 0 {
		return nil
	}
	var picked []int
	clusters := 1
	inCluster := 1
	picked = append(picked, 0)
	for i := 1; i < eligible; i++ {
		if scores[i-1]-scores[i] > cfg.Eps {
			clusters++
			inCluster = 0
		}
		inCluster++
		if inCluster <= cfg.TopPerCluster {
			picked = append(picked, i)
		}
	}
	meta.Clusters = &clusters
	return picked
}

// applyBounds enforces max_k and fills to min_k from the remaining
// sorted scores when the strategy under-selected.
func applyBounds(scores []float64, picked []int, cfg SelectionConfig, meta *models.SelectionMetadata) []int {
	if cfg.MaxK > 0 && len(picked) > cfg.MaxK {
		picked = picked[:cfg.MaxK]
	}
	if cfg.MinK > 0 && len(picked) < cfg.MinK && len(scores) >= len(picked) {
		have := make(map[int]bool, len(picked))
		for _, i := range picked {
			have[i] = true
		}
		for i := 0; i < len(scores) && len(picked) < cfg.MinK; i++ {
			if !have[i] {
				picked = append(picked, i)
				meta.MinKFilled = true
			}
		}
	}
	return picked
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
