package cascade

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"

	"mailcam/internal/vision"
	"mailcam/internal/vision/visiontest"
)

var (
	generalLabels = vision.Labels{"person", "car", "truck", "dog"}
	brandLabels   = vision.Labels{"ups", "fedex", "usps"}
)

func frame(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: 120}), image.Point{}, draw.Src)
	return img
}

// row encodes a source-space box for a model of the given size.
func row(w, h, size int, b vision.Box, scores ...float32) visiontest.Row {
	_, lb := vision.LetterboxImage(frame(w, h), size)
	x1, y1 := lb.FromSource(b.X1, b.Y1)
	x2, y2 := lb.FromSource(b.X2, b.Y2)
	return visiontest.Row{
		CX: float32((x1 + x2) / 2), CY: float32((y1 + y2) / 2),
		W: float32(x2 - x1), H: float32(y2 - y1),
		Objectness: 1, Scores: scores,
	}
}

func source(id string, model vision.Model) Source {
	det := vision.NewDetector(model, generalLabels)
	return Source{ID: id, Open: func() (*vision.Detector, error) { return det, nil }}
}

func emptyModel(classes int) *visiontest.Model {
	return visiontest.NewModel(64, visiontest.EncodeRows(nil, classes, 16, false))
}

func quietLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func TestRun_FallbackCentreCrop(t *testing.T) {
	img := frame(320, 200)

	// Centre crop is 200x125 at (60,37); the brand hit sits inside it.
	brandModel := visiontest.NewModel(64, visiontest.EncodeRows([]visiontest.Row{
		row(200, 125, 64, vision.Box{X1: 20, Y1: 10, X2: 120, Y2: 60}, 0, 0.8, 0),
	}, 3, 16, false))

	c, err := New(DefaultConfig(), vision.NewDetector(brandModel, brandLabels),
		[]Source{source("general", emptyModel(4))}, quietLogger())
	require.NoError(t, err)

	res, err := c.Run(img)
	require.NoError(t, err)

	require.Len(t, res.Proposals, 1)
	p := res.Proposals[0]
	assert.Equal(t, FallbackVia, p.Via)
	assert.Equal(t, vision.Box{X1: 60, Y1: 37, X2: 260, Y2: 162}, p.Box)
	assert.Empty(t, res.UsedModel)
	assert.Equal(t, 1, brandModel.Calls(), "brand stage still runs on the fallback crop")

	require.Len(t, res.Hits, 1)
	hit := res.Hits[0]
	assert.Equal(t, "fedex", hit.Label)
	assert.Equal(t, FallbackVia, hit.Via)
	assert.InDelta(t, 80, hit.Box.X1, 0.5)
	assert.InDelta(t, 47, hit.Box.Y1, 0.5)
	assert.InDelta(t, 180, hit.Box.X2, 0.5)
	assert.InDelta(t, 97, hit.Box.Y2, 0.5)
	assert.InDelta(t, 5000.0/64000.0, hit.AreaFraction, 1e-3)
}

func TestRun_ProposalsSortedPaddedAndCapped(t *testing.T) {
	img := frame(320, 200)
	general := visiontest.NewModel(64, visiontest.EncodeRows([]visiontest.Row{
		row(320, 200, 64, vision.Box{X1: 10, Y1: 10, X2: 60, Y2: 40}, 0, 0.6, 0, 0),     // car
		row(320, 200, 64, vision.Box{X1: 100, Y1: 50, X2: 200, Y2: 150}, 0, 0, 0.9, 0),  // truck
		row(320, 200, 64, vision.Box{X1: 250, Y1: 100, X2: 300, Y2: 190}, 0.75, 0, 0, 0), // person
		row(320, 200, 64, vision.Box{X1: 0, Y1: 150, X2: 50, Y2: 199}, 0, 0, 0, 0.95),   // dog
	}, 4, 16, false))
	brandModel := emptyModel(3)

	cfg := DefaultConfig()
	cfg.MaxCrops = 2
	c, err := New(cfg, vision.NewDetector(brandModel, brandLabels),
		[]Source{source("general", general)}, quietLogger())
	require.NoError(t, err)

	res, err := c.Run(img)
	require.NoError(t, err)

	assert.Equal(t, "general", res.UsedModel)
	require.Len(t, res.Proposals, 3, "the dog is not a vehicle")
	assert.Equal(t, "truck", res.Proposals[0].SourceLabel)
	assert.Equal(t, "person", res.Proposals[1].SourceLabel)
	assert.Equal(t, "car", res.Proposals[2].SourceLabel)
	assert.Equal(t, 2, brandModel.Calls())
	assert.Empty(t, res.Hits)

	truck := res.Proposals[0].Box
	assert.InDelta(t, 85, truck.X1, 1)
	assert.InDelta(t, 35, truck.Y1, 1)
	assert.InDelta(t, 215, truck.X2, 1)
	assert.InDelta(t, 165, truck.Y2, 1)

	person := res.Proposals[1].Box
	assert.Equal(t, 200.0, person.Y2, "clipped to the frame")
}

func TestRun_SourcePriority(t *testing.T) {
	img := frame(320, 200)
	truck := visiontest.NewModel(64, visiontest.EncodeRows([]visiontest.Row{
		row(320, 200, 64, vision.Box{X1: 100, Y1: 50, X2: 200, Y2: 150}, 0, 0, 0.9, 0),
	}, 4, 16, false))

	broken := Source{ID: "custom", Open: func() (*vision.Detector, error) {
		return nil, errors.New("model not found")
	}}
	failing := visiontest.NewModel(64, vision.Tensor{})
	failing.InferFunc = func([]float32) (vision.Tensor, error) { return vision.Tensor{}, errors.New("bad input") }

	c, err := New(DefaultConfig(), vision.NewDetector(emptyModel(3), brandLabels),
		[]Source{broken, source("failing", failing), source("coco", truck)}, quietLogger())
	require.NoError(t, err)

	res, err := c.Run(img)
	require.NoError(t, err)
	assert.Equal(t, "coco", res.UsedModel)
	require.Len(t, res.Proposals, 1)
	assert.Equal(t, "coco", res.Proposals[0].Via)
}

func TestRun_AllSourcesFail(t *testing.T) {
	broken := Source{ID: "custom", Open: func() (*vision.Detector, error) {
		return nil, errors.New("model not found")
	}}
	brandModel := emptyModel(3)

	c, err := New(DefaultConfig(), vision.NewDetector(brandModel, brandLabels), []Source{broken}, quietLogger())
	require.NoError(t, err)

	res, err := c.Run(frame(100, 100))
	require.NoError(t, err)
	require.Len(t, res.Proposals, 1)
	assert.Equal(t, FallbackVia, res.Proposals[0].Via)
	assert.Equal(t, 1, brandModel.Calls())
}

func TestRun_BrandFailureSurfaces(t *testing.T) {
	brandModel := visiontest.NewModel(64, vision.Tensor{})
	brandModel.InferFunc = func([]float32) (vision.Tensor, error) { return vision.Tensor{}, errors.New("boom") }

	c, err := New(DefaultConfig(), vision.NewDetector(brandModel, brandLabels), nil, quietLogger())
	require.NoError(t, err)

	_, err = c.Run(frame(100, 100))
	assert.Error(t, err)
}

func TestNew_RequiresBrand(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, quietLogger())
	assert.ErrorIs(t, err, ErrNoBrandDetector)
}

func TestPadBox(t *testing.T) {
	tests := []struct {
		name string
		in   vision.Box
		want vision.Box
		ok   bool
	}{
		{"interior", vision.Box{X1: 100, Y1: 100, X2: 200, Y2: 150}, vision.Box{X1: 85, Y1: 85, X2: 215, Y2: 165}, true},
		{"clipped", vision.Box{X1: 0, Y1: 0, X2: 40, Y2: 40}, vision.Box{X1: 0, Y1: 0, X2: 46, Y2: 46}, true},
		{"too small", vision.Box{X1: 50, Y1: 50, X2: 52, Y2: 58}, vision.Box{}, false},
		{"tiny corner", vision.Box{X1: 0, Y1: 0, X2: 6, Y2: 6}, vision.Box{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := padBox(tc.in, 300, 300)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestVehicles(t *testing.T) {
	for _, l := range []string{"car", "Truck", "delivery_van", "pickup", "person", "motorcycle"} {
		assert.True(t, Vehicles.Match(l), l)
	}
	for _, l := range []string{"dog", "fedex", "bench", ""} {
		assert.False(t, Vehicles.Match(l), l)
	}
}

func TestRun_OverlappingProposalsKeepDuplicateHits(t *testing.T) {
	img := frame(320, 200)

	// IoU 1/3 keeps both through stage one; padded crops are 156x156 at
	// (42,22) and (102,22), and both contain the logo at (130,80)-(170,120).
	general := visiontest.NewModel(64, visiontest.EncodeRows([]visiontest.Row{
		row(320, 200, 64, vision.Box{X1: 60, Y1: 40, X2: 180, Y2: 160}, 0, 0, 0.9, 0),
		row(320, 200, 64, vision.Box{X1: 120, Y1: 40, X2: 240, Y2: 160}, 0, 0.8, 0, 0),
	}, 4, 16, false))

	logo := func(dx, dy float64) vision.Tensor {
		b := vision.Box{X1: 130 - dx, Y1: 80 - dy, X2: 170 - dx, Y2: 120 - dy}
		return visiontest.EncodeRows([]visiontest.Row{row(156, 156, 64, b, 0, 0.8, 0)}, 3, 16, false)
	}
	outputs := []vision.Tensor{logo(42, 22), logo(102, 22)}
	brandModel := &visiontest.Model{Size: 64}
	brandModel.InferFunc = func([]float32) (vision.Tensor, error) {
		return outputs[brandModel.Calls()-1], nil
	}

	c, err := New(DefaultConfig(), vision.NewDetector(brandModel, brandLabels),
		[]Source{source("general", general)}, quietLogger())
	require.NoError(t, err)

	res, err := c.Run(img)
	require.NoError(t, err)
	require.Len(t, res.Proposals, 2)

	require.Len(t, res.Hits, 2, "hits from overlapping crops are not merged")
	assert.Equal(t, "truck", res.Hits[0].Via)
	assert.Equal(t, "car", res.Hits[1].Via)
	for _, h := range res.Hits {
		assert.Equal(t, "fedex", h.Label)
		assert.InDelta(t, 130, h.Box.X1, 1.5)
		assert.InDelta(t, 80, h.Box.Y1, 1.5)
		assert.InDelta(t, 170, h.Box.X2, 1.5)
		assert.InDelta(t, 120, h.Box.Y2, 1.5)
	}
}
