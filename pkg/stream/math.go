package stream

import "github.com/chewxy/math32"

// Softmax writes the softmax of src into dst, which may alias src. The
// maximum is subtracted before exponentiating, so any finite input is safe.
func Softmax(dst, src []float32) {
	if len(src) == 0 {
		return
	}
	m := src[0]
	for _, v := range src[1:] {
		m = max(m, v)
	}
	var sum float32
	for i, v := range src {
		e := math32.Exp(v - m)
		dst[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range src {
		dst[i] *= inv
	}
}

// Attention returns the mean absolute value of a hidden-state vector.
func Attention(hidden []float32) float32 {
	if len(hidden) == 0 {
		return 0
	}
	var sum float32
	for _, v := range hidden {
		sum += math32.Abs(v)
	}
	return sum / float32(len(hidden))
}

// Aggregate writes into dst the sum over timesteps of weights[t] times the
// logits of timestep t. logits is timestep-major with len(dst) classes per
// timestep.
func Aggregate(dst, logits, weights []float32) {
	clear(dst)
	n := len(dst)
	for t, w := range weights {
		row := logits[t*n : (t+1)*n]
		for c, v := range row {
			dst[c] += w * v
		}
	}
}

// Decide scans probs in class order and returns a detection for every class
// at or above threshold, stopping once limit detections are found.
func Decide(probs []float32, threshold float32, limit int, timestampMs uint32) []Detection {
	var out []Detection
	for c, p := range probs {
		if len(out) >= limit {
			break
		}
		if p >= threshold {
			out = append(out, Detection{
				ClassID:     uint8(c),
				Confidence:  p,
				TimestampMs: timestampMs,
				Valid:       true,
			})
		}
	}
	return out
}
