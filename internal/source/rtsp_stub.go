//go:build !gocv

package source

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// newRTSP returns an error when built without gocv.
func newRTSP(url string, log logrus.FieldLogger) (Source, error) {
	return nil, fmt.Errorf("%w: rtsp requires building with -tags gocv", ErrUnsupportedKind)
}
