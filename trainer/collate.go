package trainer

import "github.com/pkg/errors"

// Collate reduces one result tuple per worker into a single tuple by
// element-wise mean: the tuples are transposed and each position averaged.
// Worker arrival order does not matter. Every tuple must have the same width
// and carry numeric elements.
func Collate(results []Tuple) (Tuple, error) {
	if len(results) == 0 {
		return nil, nil
	}
	width := len(results[0])
	for _, r := range results {
		if len(r) != width {
			return nil, errors.Errorf("trainer: mismatched result widths %d and %d", width, len(r))
		}
	}
	out := make(Tuple, width)
	for j := 0; j < width; j++ {
		var sum float64
		for _, r := range results {
			f, ok := toFloat(r[j])
			if !ok {
				return nil, errors.Errorf("trainer: result element %d is %T, not numeric", j, r[j])
			}
			sum += f
		}
		out[j] = sum / float64(len(results))
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
