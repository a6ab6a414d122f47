package onnx

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Loader opens sessions lazily and keeps them for reuse. A failed open is
// not cached, so a model file that appears later is picked up.
type Loader struct {
	log logrus.FieldLogger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// sessionKey identifies a session by model file and input size, since the
// input tensor is bound at open time.
type sessionKey struct {
	path string
	size int
}

// NewLoader creates an empty loader.
func NewLoader(log logrus.FieldLogger) *Loader {
	return &Loader{log: log, sessions: make(map[sessionKey]*Session)}
}

// Get returns the session for path at the given input size, opening it on
// first use.
func (l *Loader) Get(path string, size int, outputShape []int64) (*Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := sessionKey{path: path, size: size}
	if s, ok := l.sessions[key]; ok {
		return s, nil
	}

	s, err := Open(path, size, outputShape)
	if err != nil {
		return nil, err
	}
	if err := s.WarmUp(); err != nil {
		l.log.WithError(err).WithField("model", path).Warn("Warmup failed")
	}
	l.log.WithFields(logrus.Fields{"model": path, "imgsz": size}).Info("Model session initialized")

	l.sessions[key] = s
	return s, nil
}

// Close releases every open session.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, s := range l.sessions {
		if err := s.Close(); err != nil {
			l.log.WithError(err).WithField("model", key.path).Warn("Close session")
		}
		delete(l.sessions, key)
	}
}
