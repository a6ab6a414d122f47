// Package status serves the detector's local HTTP surface: health, metrics
// and an upload endpoint for running the pipeline on ad hoc images.
package status

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"mailcam/internal/mailcam"
	"mailcam/internal/tracker"
	"mailcam/internal/vision"
)

const uploadLimit = 32 << 20

// Reporter yields the last poll report.
type Reporter interface {
	Last() (mailcam.Report, bool)
}

// Summarizer yields the daily carrier summary.
type Summarizer interface {
	Summary() tracker.Summary
}

// Server is the fiber app.
type Server struct {
	app     *fiber.App
	reports Reporter
	summary Summarizer
	pipe    mailcam.Pipeline
	log     logrus.FieldLogger
}

// New builds the routes. A nil metrics handler leaves /metrics unrouted.
func New(reports Reporter, summary Summarizer, pipe mailcam.Pipeline, metrics http.Handler, log logrus.FieldLogger) *Server {
	s := &Server{reports: reports, summary: summary, pipe: pipe, log: log}

	app := fiber.New(fiber.Config{
		AppName:               "mailcam",
		DisableStartupMessage: true,
		BodyLimit:             uploadLimit,
	})
	app.Get("/health", s.handleHealth)
	app.Post("/detect", s.handleDetect)
	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(metrics))
	}

	s.app = app
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("Status server listening")
	return s.app.Listen(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// Health is the /health response.
type Health struct {
	Status    string                `json:"status"`
	State     mailcam.DeliveryState `json:"state"`
	Iteration int                   `json:"iteration"`
	At        float64               `json:"at,omitempty"`
	Hits      []vision.Detection    `json:"hits"`
	Error     string                `json:"error,omitempty"`
	Summary   tracker.Summary       `json:"summary"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	h := Health{
		Status:  "starting",
		State:   mailcam.Unknown,
		Hits:    []vision.Detection{},
		Summary: s.summary.Summary(),
	}
	if rep, ok := s.reports.Last(); ok {
		h.Status = "ok"
		h.State = rep.State
		h.Iteration = rep.Iteration
		h.At = float64(rep.At.UnixNano()) / 1e9
		h.Hits = append(h.Hits, rep.Result.Hits...)
		if rep.Result.Failure != nil {
			h.Error = rep.Result.Failure.Error()
		}
	}
	return c.JSON(h)
}

// handleDetect runs the pipeline on every uploaded file whose form key
// starts with "camera_" and returns the hits keyed by form key. Files that
// fail to decode or detect are logged and left out.
func (s *Server) handleDetect(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Failed to parse form")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string][]vision.Detection)
	)
	for key, headers := range form.File {
		if !strings.HasPrefix(key, "camera_") || len(headers) == 0 {
			continue
		}
		wg.Add(1)
		go func(key string, fh *multipart.FileHeader) {
			defer wg.Done()

			hits, err := s.detectUpload(fh)
			if err != nil {
				s.log.WithError(err).WithField("key", key).Error("Upload detection failed")
				return
			}
			mu.Lock()
			results[key] = hits
			mu.Unlock()
		}(key, headers[0])
	}
	wg.Wait()

	return c.JSON(results)
}

func (s *Server) detectUpload(fh *multipart.FileHeader) ([]vision.Detection, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	res, err := s.pipe.Run(img)
	if err != nil {
		return nil, err
	}
	if res.Hits == nil {
		return []vision.Detection{}, nil
	}
	return res.Hits, nil
}
