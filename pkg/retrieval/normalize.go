package retrieval

import (
	"math"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

// Normalize maps a score list onto [0, 1] with the chosen method. A
// list whose values are all equal normalises to all ones.
func Normalize(scores []float64, method models.NormalizationMethod) []float64 {
	if len(scores) == 0 {
		return nil
	}
	if allEqual(scores) {
		out := make([]float64, len(scores))
		for i := range out {
			out[i] = 1
		}
		return out
	}
	switch method {
	case models.NormalizeZScore:
		return normalizeZScore(scores)
	case models.NormalizeSoftmax:
		return normalizeSoftmax(scores)
	default:
		return normalizeMinMax(scores)
	}
}

func allEqual(scores []float64) bool {
	for _, s := range scores[1:] {
		if s != scores[0] {
			return false
		}
	}
	return true
}

func normalizeMinMax(scores []float64) []float64 {
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// normalizeZScore squashes standard scores through tanh so outliers end
// up near the ends of [0, 1] instead of off the scale.
func normalizeZScore(scores []float64) []float64 {
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))
	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	std := math.Sqrt(variance / float64(len(scores)))
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = (math.Tanh((s-mean)/std) + 1) / 2
	}
	return out
}

func normalizeSoftmax(scores []float64) []float64 {
	max := scores[0]
	for _, s := range scores[1:] {
		max = math.Max(max, s)
	}
	var sum float64
	exps := make([]float64, len(scores))
	for i, s := range scores {
		exps[i] = math.Exp(s - max)
		sum += exps[i]
	}
	out := make([]float64, len(scores))
	for i := range exps {
		out[i] = exps[i] / sum
	}
	return out
}

// HybridConfig tunes how vector and lexical scores combine.
type HybridConfig struct {
	Enabled       bool
	VectorWeight  float64
	BM25Weight    float64
	Normalization models.NormalizationMethod
}

// DefaultHybridConfig weights vector similarity 0.7 / BM25 0.3 with
// min-max normalisation.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{Enabled: true, VectorWeight: 0.7, BM25Weight: 0.3, Normalization: models.NormalizeMinMax}
}

// Combine merges parallel vector and BM25 score lists. Both lists are
// normalised onto [0, 1] first; the weights must sum to 1 (enforced by
// config validation upstream).
func Combine(vecScores, bm25Scores []float64, cfg HybridConfig) []float64 {
	nv := Normalize(vecScores, cfg.Normalization)
	nb := Normalize(bm25Scores, cfg.Normalization)
	out := make([]float64, len(nv))
	for i := range nv {
		out[i] = cfg.VectorWeight*nv[i] + cfg.BM25Weight*nb[i]
	}
	return out
}
