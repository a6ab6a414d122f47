// Package source acquires frames from a camera snapshot URL, a local file or
// an RTSP stream.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedKind is returned by New for an unknown source kind.
	ErrUnsupportedKind = errors.New("unsupported source kind")
	// ErrNoURL is returned by New when the source has no location.
	ErrNoURL = errors.New("source url not set")
)

// Source yields the latest frame on each call.
type Source interface {
	Fetch(ctx context.Context) (image.Image, error)
	Close() error
}

// New returns the source for kind. "image" picks HTTP for http(s) URLs and
// the local filesystem otherwise; "rtsp" requires a gocv build.
func New(kind, url string, timeout time.Duration, log logrus.FieldLogger) (Source, error) {
	if url == "" {
		return nil, ErrNoURL
	}
	switch kind {
	case "", "image":
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			return NewHTTP(url, timeout), nil
		}
		return NewFile(strings.TrimPrefix(url, "file://")), nil
	case "rtsp":
		return newRTSP(url, log)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
}
