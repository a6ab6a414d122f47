package reconciler

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed is returned for payloads that are not valid JSON.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownShape is returned for JSON objects carrying none of the
	// recognised keys.
	ErrUnknownShape = errors.New("unknown payload shape")
)

// Message is a carrier-state update normalised from either wire shape.
//
// Event shape:    {"entered": [...], "current": [...], "today": [...], "ts": 1700000000}
// Services shape: {"services": [...], "timestamp": "2006-01-02 15:04:05"}
type Message struct {
	Entered []string

	// Current and Today replace the respective set when their Replace flag
	// is set, even if empty.
	Current        []string
	ReplaceCurrent bool
	Today          []string
	ReplaceToday   bool

	TS int64 // epoch seconds, zero when absent
}

// ParseMessage normalises a raw payload. Carrier names are lower-cased.
func ParseMessage(payload []byte) (Message, error) {
	if !gjson.ValidBytes(payload) {
		return Message{}, ErrMalformed
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Message{}, ErrUnknownShape
	}

	entered, current, today := root.Get("entered"), root.Get("current"), root.Get("today")
	if entered.Exists() || current.Exists() || today.Exists() {
		msg := Message{
			Entered:        names(entered),
			Current:        names(current),
			ReplaceCurrent: current.Exists(),
			Today:          names(today),
			ReplaceToday:   today.Exists(),
		}
		if ts := root.Get("ts"); ts.Type == gjson.Number {
			msg.TS = ts.Int()
		}
		return msg, nil
	}

	if services := root.Get("services"); services.Exists() {
		return Message{Entered: names(services)}, nil
	}
	return Message{}, ErrUnknownShape
}

// names returns the lower-cased non-empty strings of a JSON array. A bare
// string is treated as a one-element array.
func names(r gjson.Result) []string {
	if !r.Exists() {
		return nil
	}
	out := []string{}
	for _, v := range r.Array() {
		if v.Type != gjson.String {
			continue
		}
		if s := strings.ToLower(strings.TrimSpace(v.String())); s != "" {
			out = append(out, s)
		}
	}
	return out
}
