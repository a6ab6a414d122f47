package mailcam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailcam/internal/bus"
	"mailcam/internal/metrics"
	"mailcam/internal/tracker"
	"mailcam/internal/vision"
)

const logEvery = 10

// Fetcher yields the latest frame.
type Fetcher interface {
	Fetch(ctx context.Context) (image.Image, error)
}

// Config holds the loop settings and the thresholds echoed in details.
type Config struct {
	Interval    time.Duration
	ConfMin     float64
	AreaMinFrac float64
	AllowLabels []string
	Topics      bus.Topics
}

// Report is the last completed cycle.
type Report struct {
	Iteration int
	At        time.Time
	State     DeliveryState
	Result    Result
}

// Runner owns the poll loop. Only Last is safe to call concurrently with
// Run.
type Runner struct {
	cfg     Config
	src     Fetcher
	pipe    Pipeline
	tracker *tracker.Tracker
	pub     bus.Publisher
	metrics *metrics.Metrics
	log     logrus.FieldLogger
	now     func() time.Time
	runID   string

	iteration int

	mu   sync.RWMutex
	last *Report
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records poll outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock overrides the wall clock used for timestamps and scheduling.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner wires the loop.
func NewRunner(cfg Config, src Fetcher, pipe Pipeline, tr *tracker.Tracker, pub bus.Publisher, log logrus.FieldLogger, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		src:     src,
		pipe:    pipe,
		tracker: tr,
		pub:     pub,
		log:     log,
		now:     time.Now,
		runID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled. Each cycle is scheduled relative to the
// previous target, so slow inference does not accumulate drift.
func (r *Runner) Run(ctx context.Context) error {
	r.log.WithFields(logrus.Fields{
		"interval": r.cfg.Interval,
		"run_id":   r.runID,
	}).Info("Starting detection loop")

	r.PublishCarriers()

	next := r.now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			break
		}
		r.Cycle(ctx)

		next = next.Add(r.cfg.Interval)
		timer.Reset(nextDelay(next, r.now()))
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	r.log.Info("Detection loop stopped")
	return nil
}

// nextDelay is the time left until target, never negative.
func nextDelay(target, now time.Time) time.Duration {
	if d := target.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Cycle runs one iteration: reset check, poll, track, publish.
func (r *Runner) Cycle(ctx context.Context) Report {
	r.iteration++

	if r.tracker.CheckAndReset() {
		r.PublishCarriers()
	}

	started := r.now()
	res := r.Poll(ctx)
	took := r.now().Sub(started)
	at := r.now()

	if res.Failure == nil {
		for _, h := range res.Hits {
			r.tracker.MarkDetected(strings.ToLower(h.Label), at)
		}
	} else {
		r.log.WithError(res.Failure).WithField("iteration", r.iteration).Warn("Poll failed")
	}

	state := res.State()
	r.publish(state, r.details(res, at))
	r.PublishCarriers()
	r.observe(res, took)

	if r.iteration%logEvery == 0 {
		r.log.WithFields(logrus.Fields{
			"iteration": r.iteration,
			"state":     state,
			"hits":      len(res.Hits),
			"today":     r.tracker.Detected(),
		}).Info("Detection loop status")
	}

	rep := Report{Iteration: r.iteration, At: at, State: state, Result: res}
	r.mu.Lock()
	r.last = &rep
	r.mu.Unlock()
	return rep
}

// Poll fetches one frame and runs the pipeline on it. Failures are returned
// in the Result, never as a panic or error.
func (r *Runner) Poll(ctx context.Context) Result {
	img, err := r.src.Fetch(ctx)
	if err != nil {
		return Result{Failure: &Failure{Kind: FetchFailure, Err: err}}
	}
	if img == nil {
		return Result{Failure: &Failure{Kind: FetchFailure, Err: errors.New("no frame")}}
	}

	res, err := r.detect(img)
	b := img.Bounds()
	res.ImageSize = [2]int{b.Dx(), b.Dy()}
	if err != nil {
		res.Failure = &Failure{Kind: InferenceFailure, Err: err}
	}
	return res
}

func (r *Runner) detect(img image.Image) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = Result{}, fmt.Errorf("detector panic: %v", p)
		}
	}()
	return r.pipe.Run(img)
}

// Last returns the most recent report, if any cycle has completed.
func (r *Runner) Last() (Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Report{}, false
	}
	return *r.last, true
}

// Details is the payload published on the details topic.
type Details struct {
	State     DeliveryState `json:"state,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp float64       `json:"timestamp"`
	Iteration int           `json:"iteration"`
	RunID     string        `json:"run_id"`
	*Observation
}

// Observation holds the fields of a successful poll.
type Observation struct {
	ImageSize     [2]int             `json:"image_size"`
	ConfMin       float64            `json:"conf_min"`
	AreaMinFrac   float64            `json:"area_min_frac"`
	AllowLabels   []string           `json:"allow_labels"`
	Hits          []vision.Detection `json:"hits"`
	HitCount      int                `json:"hit_count"`
	Mode          string             `json:"mode"`
	ProposalCount *int               `json:"proposal_count,omitempty"`
	UsedDetModel  *string            `json:"used_det_model,omitempty"`
}

func (r *Runner) details(res Result, at time.Time) Details {
	d := Details{
		Timestamp: float64(at.UnixNano()) / 1e9,
		Iteration: r.iteration,
		RunID:     r.runID,
	}
	if res.Failure != nil {
		d.Error = res.Failure.Error()
		return d
	}

	d.State = res.State()
	d.Observation = &Observation{
		ImageSize:   res.ImageSize,
		ConfMin:     r.cfg.ConfMin,
		AreaMinFrac: r.cfg.AreaMinFrac,
		AllowLabels: append([]string{}, r.cfg.AllowLabels...),
		Hits:        append([]vision.Detection{}, res.Hits...),
		HitCount:    len(res.Hits),
		Mode:        res.Mode,
	}
	if res.Mode == ModeCascade {
		n, used := len(res.Proposals), res.UsedModel
		d.ProposalCount = &n
		d.UsedDetModel = &used
	}
	return d
}

func (r *Runner) publish(state DeliveryState, d Details) {
	r.pub.Publish(r.cfg.Topics.State, []byte(state), true)

	raw, err := json.Marshal(d)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode details")
		return
	}
	r.pub.Publish(r.cfg.Topics.Details, raw, true)
}

// PublishCarriers publishes every carrier's yes/no topic and the daily
// summary.
func (r *Runner) PublishCarriers() {
	for _, c := range r.tracker.Carriers() {
		v := "no"
		if r.tracker.IsDetected(c) {
			v = "yes"
		}
		r.pub.Publish(r.cfg.Topics.Carrier(c), []byte(v), true)
	}

	raw, err := json.Marshal(r.tracker.Summary())
	if err != nil {
		r.log.WithError(err).Error("Failed to encode summary")
		return
	}
	r.pub.Publish(r.cfg.Topics.Summary(), raw, true)
}

func (r *Runner) observe(res Result, took time.Duration) {
	if r.metrics == nil {
		return
	}
	outcome := metrics.OutcomeNotDelivered
	switch {
	case res.Failure != nil && res.Failure.Kind == FetchFailure:
		outcome = metrics.OutcomeFetchError
	case res.Failure != nil:
		outcome = metrics.OutcomeInferError
	case len(res.Hits) > 0:
		outcome = metrics.OutcomeDelivered
	}
	labels := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		labels[i] = h.Label
	}
	r.metrics.ObservePoll(outcome, took, labels)
	r.metrics.CarriersToday.Store(int64(len(r.tracker.Detected())))
}
