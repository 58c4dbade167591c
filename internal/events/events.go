// Package events defines the categorised, timestamped event stream that the
// sync engine persists for operators, and a recorder that captures the
// call site of each event the way the original macro-based logging did.
package events

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-logr/logr"
)

// Type says which subsystem produced the event.
type Type int

const (
	TypeUnknown Type = iota
	TypeSync
	TypeWebPush
	TypeAuth
)

func (t Type) String() string {
	switch t {
	case TypeSync:
		return "sync"
	case TypeWebPush:
		return "webpush"
	case TypeAuth:
		return "auth"
	}
	return "unknown"
}

// Category is the severity of the event.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryInfo
	CategoryWarning
	CategoryError
)

func (c Category) String() string {
	switch c {
	case CategoryInfo:
		return "info"
	case CategoryWarning:
		return "warning"
	case CategoryError:
		return "error"
	}
	return "unknown"
}

// Event is one append-only record. Source is the file:line of the call
// site that recorded it.
type Event struct {
	ID        int64
	Timestamp time.Time
	Type      Type
	Category  Category
	Message   string
	Source    string
}

func (e *Event) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":        float64(e.ID),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339),
		"type":      e.Type.String(),
		"category":  e.Category.String(),
		"message":   e.Message,
		"source":    e.Source,
	}
}

// Sink persists events; the store implements it.
type Sink interface {
	AppendEvent(e Event) error
}

// Recorder writes an event both to the structured log and the sink. It is
// safe with a nil sink (events are then log-only), which the test RPC
// handlers use.
type Recorder struct {
	Log  logr.Logger
	Sink Sink
}

// Record captures the caller's source location, logs the event, and
// appends it to the sink.
func (r *Recorder) Record(t Type, c Category, msg string) {
	e := Event{
		Timestamp: time.Now(),
		Type:      t,
		Category:  c,
		Message:   msg,
		Source:    callerSource(2),
	}
	switch c {
	case CategoryError:
		r.Log.Error(nil, msg, "type", t.String(), "source", e.Source)
	default:
		r.Log.Info(msg, "type", t.String(), "category", c.String(), "source", e.Source)
	}
	if r.Sink != nil {
		if err := r.Sink.AppendEvent(e); err != nil {
			r.Log.Error(err, "cannot persist event", "message", msg)
		}
	}
}

func callerSource(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
