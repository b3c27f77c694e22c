package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/tiller/pkg/models"
)

func TestNormalize_AllEqualBecomesAllOnes(t *testing.T) {
	for _, method := range []models.NormalizationMethod{models.NormalizeMinMax, models.NormalizeZScore, models.NormalizeSoftmax} {
		out := Normalize([]float64{0.4, 0.4, 0.4}, method)
		assert.Equal(t, []float64{1, 1, 1}, out, method)
	}
}

func TestNormalize_MinMax(t *testing.T) {
	out := Normalize([]float64{2, 1, 0}, models.NormalizeMinMax)
	assert.Equal(t, []float64{1, 0.5, 0}, out)
}

func TestNormalize_BoundsHold(t *testing.T) {
	scores := []float64{10, 3, 0.5, -2}
	for _, method := range []models.NormalizationMethod{models.NormalizeMinMax, models.NormalizeZScore, models.NormalizeSoftmax} {
		out := Normalize(scores, method)
		require.Len(t, out, len(scores))
		for i, v := range out {
			assert.GreaterOrEqual(t, v, 0.0, "%s[%d]", method, i)
			assert.LessOrEqual(t, v, 1.0, "%s[%d]", method, i)
		}
		// Order preserved.
		for i := 1; i < len(out); i++ {
			assert.GreaterOrEqual(t, out[i-1], out[i], method)
		}
	}
}

// Boundary law: with the BM25 weight at zero the combined score equals
// the normalised vector score.
func TestCombine_ZeroBM25WeightEqualsVectorOnly(t *testing.T) {
	vec := []float64{0.9, 0.6, 0.2}
	bm := []float64{5.0, 1.0, 4.0}
	cfg := HybridConfig{Enabled: true, VectorWeight: 1, BM25Weight: 0, Normalization: models.NormalizeMinMax}

	combined := Combine(vec, bm, cfg)
	vectorOnly := Normalize(vec, models.NormalizeMinMax)
	require.Len(t, combined, len(vectorOnly))
	for i := range combined {
		assert.InDelta(t, vectorOnly[i], combined[i], 1e-12)
	}
}

func TestCombine_WeightsBlend(t *testing.T) {
	vec := []float64{1, 0}
	bm := []float64{0, 1}
	cfg := HybridConfig{Enabled: true, VectorWeight: 0.7, BM25Weight: 0.3, Normalization: models.NormalizeMinMax}
	out := Combine(vec, bm, cfg)
	assert.InDelta(t, 0.7, out[0], 1e-12)
	assert.InDelta(t, 0.3, out[1], 1e-12)
}

func TestBM25_RelevantDocScoresHigher(t *testing.T) {
	corpus := []string{
		"customer asks for a refund on an order",
		"customer wants to change the delivery address",
		"customer asks about opening hours",
	}
	scores := NewBM25(corpus).Scores("I want a refund for my order")
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[0], scores[2])
}

func TestBM25_EmptyCorpus(t *testing.T) {
	assert.Empty(t, NewBM25(nil).Scores("anything"))
}

func TestBM25_UnknownTermsScoreZero(t *testing.T) {
	scores := NewBM25([]string{"alpha beta"}).Scores("gamma delta")
	assert.Equal(t, []float64{0}, scores)
}
