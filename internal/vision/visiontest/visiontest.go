// Package visiontest provides a scripted vision.Model and a synthetic
// output tensor encoder for tests.
package visiontest

import (
	"sync"

	"mailcam/internal/vision"
)

// Model implements vision.Model for testing.
type Model struct {
	// Size is reported by InputSize.
	Size int

	// InferFunc is called when Infer is invoked.
	InferFunc func(input []float32) (vision.Tensor, error)

	mu    sync.Mutex
	calls int
}

// NewModel creates a model that always returns out.
func NewModel(size int, out vision.Tensor) *Model {
	return &Model{
		Size: size,
		InferFunc: func([]float32) (vision.Tensor, error) {
			return out, nil
		},
	}
}

// InputSize returns the configured canvas size.
func (m *Model) InputSize() int {
	return m.Size
}

// Infer records the call and delegates to InferFunc.
func (m *Model) Infer(input []float32) (vision.Tensor, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.InferFunc(input)
}

// Calls returns the number of Infer invocations.
func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Row is one anchor of a synthetic output tensor, in canvas coordinates.
type Row struct {
	CX, CY, W, H float32
	Objectness   float32
	Scores       []float32
}

// EncodeRows packs rows into a [1, anchors, 5+classes] tensor, or its
// [1, 5+classes, anchors] transpose. Unused anchors are zero. anchors must
// exceed 5+classes so the anchor axis is the longer one.
func EncodeRows(rows []Row, classes, anchors int, transposed bool) vision.Tensor {
	cols := 5 + classes
	data := make([]float32, anchors*cols)
	set := func(i, j int, v float32) {
		if transposed {
			data[j*anchors+i] = v
		} else {
			data[i*cols+j] = v
		}
	}
	for i, r := range rows {
		set(i, 0, r.CX)
		set(i, 1, r.CY)
		set(i, 2, r.W)
		set(i, 3, r.H)
		set(i, 4, r.Objectness)
		for c, s := range r.Scores {
			set(i, 5+c, s)
		}
	}

	shape := []int64{1, int64(anchors), int64(cols)}
	if transposed {
		shape = []int64{1, int64(cols), int64(anchors)}
	}
	return vision.Tensor{Data: data, Shape: shape}
}
