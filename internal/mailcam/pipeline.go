package mailcam

import (
	"image"

	"mailcam/internal/cascade"
	"mailcam/internal/vision"
)

// Detection modes reported in the details payload.
const (
	ModeDetect  = "detect"
	ModeCascade = "cascade"
)

// Pipeline turns one frame into a Result. It fills the detection fields
// only; the runner owns Failure and ImageSize.
type Pipeline interface {
	Run(img image.Image) (Result, error)
}

// SingleStage runs one detector over the whole frame.
type SingleStage struct {
	Detector *vision.Detector
	Params   vision.Params
}

func (s SingleStage) Run(img image.Image) (Result, error) {
	hits, err := s.Detector.Detect(img, s.Params)
	if err != nil {
		return Result{}, err
	}
	return Result{Hits: hits, Mode: ModeDetect}, nil
}

// Cascaded runs the proposal cascade.
type Cascaded struct {
	Cascade *cascade.Cascade
}

func (c Cascaded) Run(img image.Image) (Result, error) {
	res, err := c.Cascade.Run(img)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Hits:      res.Hits,
		Proposals: res.Proposals,
		UsedModel: res.UsedModel,
		Mode:      ModeCascade,
	}, nil
}
