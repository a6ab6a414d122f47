// Package cascade implements the two-stage proposal-then-classify detector:
// a general model proposes vehicle and person regions, and the brand model
// runs on padded crops of each.
package cascade

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"mailcam/internal/vision"
)

const (
	padFraction   = 0.15
	minCropSide   = 12
	fallbackRatio = 1.6

	// FallbackVia identifies the synthesized centre-crop proposal.
	FallbackVia = "center"
)

// ErrNoBrandDetector is returned when the cascade has no brand stage.
var ErrNoBrandDetector = errors.New("brand detector not configured")

// Proposal is a padded candidate region handed to the brand stage.
type Proposal struct {
	Box              vision.Box `json:"bbox"`
	SourceLabel      string     `json:"label"`
	SourceConfidence float64    `json:"conf"`
	Via              string     `json:"via"`
}

// Source is a stage-one detector candidate. Open is called on every run and
// may fail, in which case the next source is tried.
type Source struct {
	ID   string
	Open func() (*vision.Detector, error)
}

// Config holds the cascade thresholds.
type Config struct {
	ConfDet     float64 // stage one minimum confidence
	ConfBrand   float64 // stage two minimum confidence
	IoU         float64
	AreaMinFrac float64 // relative to the full frame
	MaxCrops    int
	Allow       vision.LabelMatcher
}

// DefaultConfig returns the thresholds tuned for small, distant logos.
func DefaultConfig() Config {
	return Config{
		ConfDet:     0.18,
		ConfBrand:   0.08,
		IoU:         0.50,
		AreaMinFrac: 0.0003,
		MaxCrops:    16,
		Allow:       vision.NewLabelSet("amazon", "dhl", "fedex", "ups", "usps"),
	}
}

// Result is the outcome of one cascade run.
type Result struct {
	Hits      []vision.Detection
	Proposals []Proposal // every proposal, including those past MaxCrops
	UsedModel string     // empty when the fallback crop was used
}

// Cascade runs stage one over its sources and stage two with brand.
type Cascade struct {
	cfg     Config
	sources []Source
	brand   *vision.Detector
	log     logrus.FieldLogger
}

// New creates a cascade. Sources are tried in order.
func New(cfg Config, brand *vision.Detector, sources []Source, log logrus.FieldLogger) (*Cascade, error) {
	if brand == nil {
		return nil, ErrNoBrandDetector
	}
	return &Cascade{cfg: cfg, sources: sources, brand: brand, log: log}, nil
}

// Run proposes regions in img and returns the brand hits found inside them,
// in full-frame coordinates. Hits from overlapping crops are not merged.
func (c *Cascade) Run(img image.Image) (Result, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Result{}, vision.ErrEmptyImage
	}

	enhanced := vision.EnhanceContrast(img)

	proposals, used := c.propose(enhanced)
	if len(proposals) == 0 {
		proposals = []Proposal{fallbackProposal(enhanced.Bounds().Dx(), enhanced.Bounds().Dy())}
	}

	hits, err := c.classify(enhanced, proposals)
	if err != nil {
		return Result{}, err
	}
	return Result{Hits: hits, Proposals: proposals, UsedModel: used}, nil
}

// propose returns the proposals of the first source that yields any.
func (c *Cascade) propose(img *image.RGBA) ([]Proposal, string) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	for _, src := range c.sources {
		det, err := src.Open()
		if err != nil {
			c.log.WithError(err).WithField("model", src.ID).Warn("Proposal model unavailable, trying next")
			continue
		}

		found, err := det.Detect(img, vision.Params{
			Allow:   Vehicles,
			ConfMin: c.cfg.ConfDet,
			IoU:     c.cfg.IoU,
		})
		if err != nil {
			c.log.WithError(err).WithField("model", src.ID).Warn("Proposal inference failed, trying next")
			continue
		}

		var props []Proposal
		for _, d := range found {
			if d.Confidence < 0 || d.Confidence > 1 {
				continue
			}
			box, ok := padBox(d.Box, w, h)
			if !ok {
				continue
			}
			props = append(props, Proposal{
				Box:              box,
				SourceLabel:      d.Label,
				SourceConfidence: d.Confidence,
				Via:              src.ID,
			})
		}
		if len(props) > 0 {
			sort.SliceStable(props, func(i, j int) bool {
				return props[i].SourceConfidence > props[j].SourceConfidence
			})
			return props, src.ID
		}
	}
	return nil, ""
}

// classify runs the brand detector on up to MaxCrops proposals.
func (c *Cascade) classify(img *image.RGBA, proposals []Proposal) ([]vision.Detection, error) {
	frameArea := float64(img.Bounds().Dx() * img.Bounds().Dy())
	limit := len(proposals)
	if c.cfg.MaxCrops > 0 && limit > c.cfg.MaxCrops {
		limit = c.cfg.MaxCrops
	}

	var hits []vision.Detection
	for _, p := range proposals[:limit] {
		crop := cropImage(img, p.Box)
		if crop.Bounds().Empty() {
			continue
		}

		found, err := c.brand.Detect(crop, vision.Params{
			Allow:   c.cfg.Allow,
			ConfMin: c.cfg.ConfBrand,
			IoU:     c.cfg.IoU,
		})
		if err != nil {
			return nil, fmt.Errorf("brand stage: %w", err)
		}

		for _, d := range found {
			if d.Confidence < 0 || d.Confidence > 1 {
				continue
			}
			box := d.Box.Offset(p.Box.X1, p.Box.Y1)
			frac := box.Area() / frameArea
			if frac < c.cfg.AreaMinFrac {
				continue
			}
			hits = append(hits, vision.Detection{
				Label:        d.Label,
				Confidence:   d.Confidence,
				Box:          box,
				AreaFraction: frac,
				Via:          p.SourceLabel,
			})
		}
	}
	return hits, nil
}

// padBox grows a detection by 15% of its longer side on every edge, snaps it
// to whole pixels and clips it to the frame. Boxes under 12px on either side
// are rejected.
func padBox(b vision.Box, w, h int) (vision.Box, bool) {
	x1, y1 := math.Floor(b.X1), math.Floor(b.Y1)
	x2, y2 := math.Floor(b.X2), math.Floor(b.Y2)
	pad := math.Floor(padFraction * math.Max(x2-x1, y2-y1))

	out := vision.Box{X1: x1 - pad, Y1: y1 - pad, X2: x2 + pad, Y2: y2 + pad}.Clip(float64(w), float64(h))
	if out.Width() < minCropSide || out.Height() < minCropSide {
		return vision.Box{}, false
	}
	return out, true
}

// fallbackProposal covers the centre 1/1.6 of each frame dimension.
func fallbackProposal(w, h int) Proposal {
	nw, nh := int(float64(w)/fallbackRatio), int(float64(h)/fallbackRatio)
	x0, y0 := (w-nw)/2, (h-nh)/2
	return Proposal{
		Box:              vision.Box{X1: float64(x0), Y1: float64(y0), X2: float64(x0 + nw), Y2: float64(y0 + nh)},
		SourceLabel:      FallbackVia,
		SourceConfidence: 1.0,
		Via:              FallbackVia,
	}
}

// cropImage copies the box region into a new image anchored at (0,0).
func cropImage(img *image.RGBA, b vision.Box) *image.RGBA {
	r := image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Intersect(img.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Copy(out, image.Point{}, img, r, draw.Src, nil)
	return out
}

// vehicleMatcher accepts labels naming a road vehicle or a person.
type vehicleMatcher []string

// Vehicles is the stage-one label vocabulary.
var Vehicles vision.LabelMatcher = vehicleMatcher{
	"car", "truck", "bus", "van", "vehicle", "pickup", "suv", "person", "bicycle", "motorcycle",
}

func (m vehicleMatcher) Match(label string) bool {
	label = strings.ToLower(label)
	for _, k := range m {
		if strings.Contains(label, k) {
			return true
		}
	}
	return false
}
