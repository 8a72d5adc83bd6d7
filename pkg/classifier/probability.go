package classifier

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// distributionTolerance is how far a raw output may sum from 1 and still be
// treated as a probability distribution rather than logits.
const distributionTolerance = 1e-3

// Average returns the element-wise mean of equally sized output vectors.
func Average(outputs [][]float32) ([]float64, error) {
	if len(outputs) == 0 {
		return nil, errors.New("no outputs to average")
	}
	n := len(outputs[0])
	sum := make([]float64, n)
	for i, out := range outputs {
		if len(out) != n {
			return nil, fmt.Errorf("output %d has %d values, want %d", i, len(out), n)
		}
		for j, v := range out {
			sum[j] += float64(v)
		}
	}
	for j := range sum {
		sum[j] /= float64(len(outputs))
	}
	return sum, nil
}

// Normalize converts raw model outputs into a probability distribution.
// Outputs that already form a distribution are rescaled to sum to exactly 1;
// anything else is treated as logits and passed through softmax.
func Normalize(raw []float64) ([]float64, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty output")
	}

	sum := 0.0
	isDistribution := true
	for _, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("output contains non-finite value %v", v)
		}
		if v < 0 || v > 1 {
			isDistribution = false
		}
		sum += v
	}

	out := make([]float64, len(raw))
	if isDistribution && math.Abs(sum-1) <= distributionTolerance {
		for i, v := range raw {
			out[i] = v / sum
		}
		return out, nil
	}

	return softmax(raw), nil
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Rank pairs probabilities with their class labels, highest first.
// Ties keep label order.
func Rank(classes []string, probs []float64) []Ranked {
	ranked := make([]Ranked, len(probs))
	for i, p := range probs {
		ranked[i] = Ranked{Class: classes[i], Probability: p}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Probability > ranked[j].Probability
	})
	return ranked
}
