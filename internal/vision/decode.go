package vision

import (
	"math"
)

// Tensor is a raw model output: a flat float32 buffer plus its shape.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Candidate is one decoded, pre-suppression detection.
type Candidate struct {
	Box        Box
	ClassID    int
	Confidence float64
}

// Logit guard bounds. Scores outside this range are taken to be logits.
// This is a heuristic over observed values, not a declared model contract.
const (
	probLow  = -0.5
	probHigh = 1.5
)

// rows is a [n, cols] view over a tensor whose underlying layout may be
// [n, cols] or [cols, n]. Orientation is fixed once at construction.
type rows struct {
	data       []float32
	n, cols    int
	transposed bool
}

func (r rows) at(i, j int) float32 {
	if r.transposed {
		return r.data[j*r.n+i]
	}
	return r.data[i*r.cols+j]
}

// normalize drops leading unit axes and orients the remaining 2-D tensor as
// [anchors, 5+classes]. The longer axis is taken to be the anchor axis.
func normalize(t Tensor) (rows, bool) {
	shape := t.Shape
	for len(shape) > 2 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[0] <= 0 || shape[1] <= 0 {
		return rows{}, false
	}
	a, b := int(shape[0]), int(shape[1])
	if a*b > len(t.Data) {
		return rows{}, false
	}
	if a < b {
		return rows{data: t.Data, n: b, cols: a, transposed: true}, true
	}
	return rows{data: t.Data, n: a, cols: b}, true
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// needsSigmoid reports whether any objectness or class score falls outside
// the plausible probability range.
func needsSigmoid(r rows) bool {
	for i := 0; i < r.n; i++ {
		for j := 4; j < r.cols; j++ {
			v := r.at(i, j)
			if v < probLow || v > probHigh {
				return true
			}
		}
	}
	return false
}

// Decode converts a raw [x, y, w, h, objectness, class scores...] tensor into
// candidates in source image coordinates. Candidates below confMin are
// dropped before any box math. Tensors with fewer than six columns decode to
// nothing.
func Decode(t Tensor, lb Letterbox, confMin float64) []Candidate {
	r, ok := normalize(t)
	if !ok || r.cols < 6 {
		return nil
	}

	activate := needsSigmoid(r)
	prob := func(v float32) float64 {
		if activate {
			return sigmoid(float64(v))
		}
		return float64(v)
	}

	w, h := float64(lb.Width), float64(lb.Height)
	var out []Candidate
	for i := 0; i < r.n; i++ {
		classID, best := 0, math.Inf(-1)
		for j := 5; j < r.cols; j++ {
			if s := prob(r.at(i, j)); s > best {
				best = s
				classID = j - 5
			}
		}

		conf := prob(r.at(i, 4)) * best
		if conf < confMin {
			continue
		}

		cx, cy := float64(r.at(i, 0)), float64(r.at(i, 1))
		bw, bh := float64(r.at(i, 2)), float64(r.at(i, 3))

		x1, y1 := lb.ToSource(cx-bw/2, cy-bh/2)
		x2, y2 := lb.ToSource(cx+bw/2, cy+bh/2)

		out = append(out, Candidate{
			Box:        Box{X1: x1, Y1: y1, X2: x2, Y2: y2}.Clip(w, h),
			ClassID:    classID,
			Confidence: conf,
		})
	}
	return out
}
