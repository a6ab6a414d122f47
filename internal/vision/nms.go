package vision

import "sort"

// Suppress runs greedy non-maximum suppression and returns the indices of the
// boxes to keep. A pending box is dropped when its IoU with a kept box
// exceeds iouThresh. Equal scores keep their input order.
func Suppress(boxes []Box, scores []float64, iouThresh float64) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	suppressed := make([]bool, len(boxes))
	var keep []int
	for a, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)

		for _, j := range order[a+1:] {
			if suppressed[j] {
				continue
			}
			if boxes[i].IoU(boxes[j]) > iouThresh {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// SuppressCandidates applies Suppress to decoded candidates.
func SuppressCandidates(cands []Candidate, iouThresh float64) []Candidate {
	boxes := make([]Box, len(cands))
	scores := make([]float64, len(cands))
	for i, c := range cands {
		boxes[i] = c.Box
		scores[i] = c.Confidence
	}

	keep := Suppress(boxes, scores, iouThresh)
	out := make([]Candidate, 0, len(keep))
	for _, i := range keep {
		out = append(out, cands[i])
	}
	return out
}
