//go:build gocv

package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// RTSP grabs frames from a stream kept open between fetches. A failed read
// drops the capture and the next fetch reopens it.
type RTSP struct {
	url string
	log logrus.FieldLogger

	mu  sync.Mutex
	cap *gocv.VideoCapture
	mat gocv.Mat
}

func newRTSP(url string, log logrus.FieldLogger) (Source, error) {
	return &RTSP{url: url, log: log, mat: gocv.NewMat()}, nil
}

func (r *RTSP) open() error {
	cap, err := gocv.OpenVideoCapture(r.url)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	cap.Set(gocv.VideoCaptureBufferSize, 1)
	r.cap = cap
	r.log.WithField("url", r.url).Info("RTSP stream opened")
	return nil
}

func (r *RTSP) drop() {
	if r.cap != nil {
		r.cap.Close()
		r.cap = nil
	}
}

// Fetch reads the next frame.
func (r *RTSP) Fetch(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cap == nil {
		if err := r.open(); err != nil {
			return nil, err
		}
	}
	if ok := r.cap.Read(&r.mat); !ok || r.mat.Empty() {
		r.drop()
		return nil, errors.New("read stream: no frame")
	}
	img, err := r.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// Close releases the capture.
func (r *RTSP) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drop()
	return r.mat.Close()
}
