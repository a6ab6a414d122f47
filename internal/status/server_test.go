package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcam/internal/mailcam"
	"mailcam/internal/metrics"
	"mailcam/internal/tracker"
	"mailcam/internal/vision"
)

type stubReporter struct {
	rep mailcam.Report
	ok  bool
}

func (s stubReporter) Last() (mailcam.Report, bool) { return s.rep, s.ok }

type stubSummary struct{}

func (stubSummary) Summary() tracker.Summary {
	return tracker.Summary{Date: "2026-03-10", Carriers: map[string]tracker.CarrierSummary{"ups": {}}}
}

type stubPipeline struct {
	fail bool
}

func (p stubPipeline) Run(img image.Image) (mailcam.Result, error) {
	if p.fail {
		return mailcam.Result{}, errors.New("boom")
	}
	w := float64(img.Bounds().Dx())
	return mailcam.Result{Hits: []vision.Detection{{Label: "ups", Confidence: 0.9, Box: vision.Box{X2: w, Y2: 1}}}}, nil
}

func newServer(rep stubReporter, pipe mailcam.Pipeline, m http.Handler) *Server {
	log, _ := test.NewNullLogger()
	return New(rep, stubSummary{}, pipe, m, log)
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth_BeforeFirstPoll(t *testing.T) {
	s := newServer(stubReporter{}, stubPipeline{}, nil)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)

	var h map[string]any
	decode(t, resp, &h)
	assert.Equal(t, "starting", h["status"])
	assert.Equal(t, "Unknown", h["state"])
	assert.Equal(t, []any{}, h["hits"])
	assert.Equal(t, "2026-03-10", h["summary"].(map[string]any)["date"])
}

func TestHealth_LastReport(t *testing.T) {
	rep := mailcam.Report{
		Iteration: 7,
		At:        time.Unix(1773133200, 0),
		State:     mailcam.Delivered,
		Result:    mailcam.Result{Hits: []vision.Detection{{Label: "fedex", Confidence: 0.8}}},
	}
	s := newServer(stubReporter{rep: rep, ok: true}, stubPipeline{}, nil)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)

	var h map[string]any
	decode(t, resp, &h)
	assert.Equal(t, "ok", h["status"])
	assert.Equal(t, "Delivered", h["state"])
	assert.Equal(t, 7.0, h["iteration"])
	assert.Equal(t, 1773133200.0, h["at"])
	assert.Equal(t, "fedex", h["hits"].([]any)[0].(map[string]any)["label"])
}

func TestHealth_Failure(t *testing.T) {
	rep := mailcam.Report{
		Iteration: 2,
		State:     mailcam.Unknown,
		Result:    mailcam.Result{Failure: &mailcam.Failure{Kind: mailcam.FetchFailure, Err: errors.New("timeout")}},
	}
	s := newServer(stubReporter{rep: rep, ok: true}, stubPipeline{}, nil)

	resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)

	var h Health
	decode(t, resp, &h)
	assert.Equal(t, "FetchFailure: timeout", h.Error)
}

func upload(t *testing.T, files map[string]image.Image) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for key, img := range files {
		part, err := w.CreateFormFile(key, key+".png")
		require.NoError(t, err)
		require.NoError(t, png.Encode(part, img))
	}
	require.NoError(t, w.WriteField("note", "ignored"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/detect", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestDetect(t *testing.T) {
	s := newServer(stubReporter{}, stubPipeline{}, nil)

	req := upload(t, map[string]image.Image{
		"camera_front": image.NewRGBA(image.Rect(0, 0, 40, 30)),
		"camera_back":  image.NewRGBA(image.Rect(0, 0, 20, 10)),
		"thumbnail":    image.NewRGBA(image.Rect(0, 0, 5, 5)),
	})
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)

	var out map[string][]map[string]any
	decode(t, resp, &out)
	require.Len(t, out, 2)
	assert.Equal(t, []any{0.0, 0.0, 40.0, 1.0}, out["camera_front"][0]["bbox"])
	assert.Equal(t, []any{0.0, 0.0, 20.0, 1.0}, out["camera_back"][0]["bbox"])
}

func TestDetect_PipelineErrorOmitsKey(t *testing.T) {
	s := newServer(stubReporter{}, stubPipeline{fail: true}, nil)

	resp, err := s.App().Test(upload(t, map[string]image.Image{
		"camera_front": image.NewRGBA(image.Rect(0, 0, 8, 8)),
	}), -1)
	require.NoError(t, err)

	var out map[string]any
	decode(t, resp, &out)
	assert.Empty(t, out)
}

func TestDetect_NotMultipart(t *testing.T) {
	s := newServer(stubReporter{}, stubPipeline{}, nil)

	req := httptest.NewRequest("POST", "/detect", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetect_MethodNotAllowed(t *testing.T) {
	s := newServer(stubReporter{}, stubPipeline{}, nil)
	resp, err := s.App().Test(httptest.NewRequest("GET", "/detect", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.ObservePoll(metrics.OutcomeFetchError, 0, nil)
	s := newServer(stubReporter{}, stubPipeline{}, m.Handler())

	resp, err := s.App().Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mailcam_polls_total{outcome="fetch_error"} 1`)
}
