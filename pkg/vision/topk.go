package vision

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Prediction pairs a category with its probability.
type Prediction struct {
	Index       int     `json:"index"`
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// TopK returns the k highest-probability predictions in descending order.
// Ties rank by ascending index. k is clamped to [1, len(probs)].
func TopK(probs []float32, labels []string, k int) ([]Prediction, error) {
	if len(probs) == 0 {
		return nil, errors.New("empty output vector")
	}
	if len(labels) != len(probs) {
		return nil, fmt.Errorf("label count %d does not match output size %d",
			len(labels), len(probs))
	}
	if k < 1 {
		k = 1
	}
	if k > len(probs) {
		k = len(probs)
	}

	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})

	out := make([]Prediction, k)
	for i := 0; i < k; i++ {
		out[i] = Prediction{
			Index:       idx[i],
			Label:       labels[idx[i]],
			Probability: probs[idx[i]],
		}
	}
	return out, nil
}

// Softmax converts a logit vector into probabilities. The result sums to 1.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - max))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
