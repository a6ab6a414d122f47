// Package onnx runs YOLO-style detectors through ONNX Runtime.
package onnx

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"mailcam/internal/vision"
)

var (
	envOnce sync.Once
	envErr  error
)

// ErrModelNotFound is returned when the model file does not exist.
var ErrModelNotFound = errors.New("model not found")

// Init loads the ONNX Runtime shared library and initializes the
// environment. Only the first call has any effect.
func Init(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath = sharedLibPath()
		}
		ort.SetSharedLibraryPath(libPath)
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// Shutdown releases the ONNX Runtime environment.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// sharedLibPath returns the bundled ONNX Runtime library for this platform.
func sharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "./third_party/onnxruntime_arm64.so"
	}
	return "./third_party/onnxruntime.so"
}

// Session holds one model session and its bound input/output tensors.
// Infer is serialized; the tensors are reused between runs.
type Session struct {
	mu      sync.Mutex
	path    string
	size    int
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// Open creates a session for the model at path with a square input of side
// size. outputShape overrides the shape reported by the model, which is
// required when the model declares dynamic output axes.
func Open(path string, size int, outputShape []int64) (*Session, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", path)
	}

	shape, err := resolveOutputShape(outputs[0].Dimensions, outputShape)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, int64(size), int64(size)), make([]float32, 3*size*size))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer options.Destroy()

	// One thread per session keeps a polled camera cheap.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Session{
		path:    path,
		size:    size,
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

// resolveOutputShape fills a dynamic batch axis with 1. Any other dynamic
// axis must come from the override.
func resolveOutputShape(declared ort.Shape, override []int64) (ort.Shape, error) {
	if len(override) > 0 {
		return ort.NewShape(override...), nil
	}
	shape := declared.Clone()
	for i, d := range shape {
		if d > 0 {
			continue
		}
		if i == 0 {
			shape[i] = 1
			continue
		}
		return nil, fmt.Errorf("output axis %d is dynamic; set model.output_shape", i)
	}
	return shape, nil
}

// Path returns the model file path.
func (s *Session) Path() string {
	return s.path
}

// InputSize returns the square input side.
func (s *Session) InputSize() int {
	return s.size
}

// Infer runs the model and returns a copy of the output tensor.
func (s *Session) Infer(input []float32) (vision.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.input.GetData(), input)
	if err := s.session.Run(); err != nil {
		return vision.Tensor{}, err
	}

	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return vision.Tensor{Data: out, Shape: s.output.GetShape().Clone()}, nil
}

// WarmUp runs a dummy inference so the first real poll is not slowed by
// lazy initialization.
func (s *Session) WarmUp() error {
	_, err := s.Infer(make([]float32, 3*s.size*s.size))
	return err
}

// Close releases the session and its tensors.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.session.Destroy()
	s.input.Destroy()
	s.output.Destroy()
	return err
}
