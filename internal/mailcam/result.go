// Package mailcam runs the poll loop: fetch a frame, detect carriers, track
// first sightings and publish the outcome.
package mailcam

import (
	"fmt"

	"mailcam/internal/cascade"
	"mailcam/internal/vision"
)

// DeliveryState is the headline value published on the state topic.
type DeliveryState string

const (
	Delivered    DeliveryState = "Delivered"
	NotDelivered DeliveryState = "Not delivered"
	Unknown      DeliveryState = "Unknown"
)

// FailureKind classifies a failed poll.
type FailureKind string

const (
	FetchFailure     FailureKind = "FetchFailure"
	InferenceFailure FailureKind = "InferenceFailure"
)

// Failure is a poll that produced no verdict. The loop continues on
// schedule after either kind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the outcome of one poll. Failure is nil on success.
type Result struct {
	Hits      []vision.Detection
	Proposals []cascade.Proposal
	UsedModel string
	Mode      string
	ImageSize [2]int
	Failure   *Failure
}

// State derives the delivery state.
func (r Result) State() DeliveryState {
	switch {
	case r.Failure != nil:
		return Unknown
	case len(r.Hits) > 0:
		return Delivered
	default:
		return NotDelivered
	}
}
