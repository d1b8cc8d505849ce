// Package progress carries human-readable progress lines from every provisioning
// step to whoever is presenting them.
package progress

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Phase tags the step an event belongs to
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseBuild    Phase = "build"
	PhaseFlash    Phase = "flash"
	PhaseErase    Phase = "erase"
	PhaseResolve  Phase = "resolve"
)

// Event is a single progress line
type Event struct {
	Phase   Phase
	Line    string
	Warning bool
}

func (e Event) String() string {
	if e.Warning {
		return fmt.Sprintf("[%s] WARNING: %s", e.Phase, e.Line)
	}
	return fmt.Sprintf("[%s] %s", e.Phase, e.Line)
}

// Sink consumes progress events. Implementations should return quickly, the
// producer is usually forwarding subprocess output.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event
var Discard Sink = SinkFunc(func(Event) {})

// Infof emits a formatted line
func Infof(s Sink, p Phase, format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.Emit(Event{Phase: p, Line: fmt.Sprintf(format, args...)})
}

// Warnf emits a formatted line carrying the warning marker
func Warnf(s Sink, p Phase, format string, args ...interface{}) {
	if s == nil {
		return
	}
	s.Emit(Event{Phase: p, Line: fmt.Sprintf(format, args...), Warning: true})
}

// LogSink writes events through logrus, warnings at warn level
type LogSink struct {
	Logger *logrus.Logger
}

func (l LogSink) Emit(e Event) {
	lg := l.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	entry := lg.WithField("phase", string(e.Phase))
	if e.Warning {
		entry.Warn(e.Line)
		return
	}
	entry.Info(e.Line)
}

// Recorder keeps every event in memory, mostly useful in tests and for
// attaching the transcript to a failure report.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Warnings returns only the events carrying the warning marker
func (r *Recorder) Warnings() []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Warning {
			out = append(out, e)
		}
	}
	return out
}
