package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
)

// ErrEmptyImage is returned for frames with a zero-sized dimension.
var ErrEmptyImage = errors.New("empty image")

// Model runs inference on a preprocessed NCHW input of side InputSize.
type Model interface {
	InputSize() int
	Infer(input []float32) (Tensor, error)
}

// LabelMatcher decides whether a label survives the final filter.
type LabelMatcher interface {
	Match(label string) bool
}

// LabelSet is a case-insensitive allow list.
type LabelSet map[string]struct{}

// NewLabelSet builds a LabelSet from the given labels.
func NewLabelSet(labels ...string) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[strings.ToLower(l)] = struct{}{}
	}
	return s
}

// Match reports whether label is in the set.
func (s LabelSet) Match(label string) bool {
	_, ok := s[strings.ToLower(label)]
	return ok
}

// Detection is a single filtered hit in source image coordinates.
type Detection struct {
	Label        string
	Confidence   float64
	Box          Box
	AreaFraction float64
	Via          string // proposal source, set by the cascade
}

// MarshalJSON reports confidence rounded to 3 digits and area to 6.
func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Label    string  `json:"label"`
		Conf     float64 `json:"conf"`
		BBox     Box     `json:"bbox"`
		AreaFrac float64 `json:"area_frac"`
		Via      string  `json:"via,omitempty"`
	}{
		Label:    d.Label,
		Conf:     round(d.Confidence, 3),
		BBox:     d.Box,
		AreaFrac: round(d.AreaFraction, 6),
		Via:      d.Via,
	})
}

// Params are the per-call detection thresholds.
type Params struct {
	Allow       LabelMatcher // nil keeps nothing
	ConfMin     float64
	IoU         float64
	AreaMinFrac float64
}

// Detector composes letterboxing, inference, decoding, suppression and
// filtering into a single call.
type Detector struct {
	model  Model
	labels Labels
}

// NewDetector creates a detector over model, naming classes with labels.
func NewDetector(model Model, labels Labels) *Detector {
	return &Detector{model: model, labels: labels}
}

// Labels returns the class names used by the detector.
func (d *Detector) Labels() Labels {
	return d.labels
}

// Detect returns the deduplicated hits in img that pass p. An empty result is
// not an error.
func (d *Detector) Detect(img image.Image, p Params) ([]Detection, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}

	canvas, lb := LetterboxImage(img, d.model.InputSize())

	out, err := d.model.Infer(ToTensor(canvas))
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	cands := SuppressCandidates(Decode(out, lb, p.ConfMin), p.IoU)

	imgArea := float64(b.Dx() * b.Dy())
	var hits []Detection
	for _, c := range cands {
		label := d.labels.Name(c.ClassID)
		if p.Allow == nil || !p.Allow.Match(label) {
			continue
		}
		frac := c.Box.Area() / imgArea
		if frac < p.AreaMinFrac {
			continue
		}
		hits = append(hits, Detection{
			Label:        label,
			Confidence:   c.Confidence,
			Box:          c.Box,
			AreaFraction: frac,
		})
	}
	return hits, nil
}
