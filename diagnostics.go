package mcapx

import (
	"context"
	"log/slog"
	"sync"
)

// Diagnostic reports a recoverable problem. Kind is one of the package sentinels
// (ErrStructuralCorruption, ErrMalformedMessage, ErrUnsupportedSchema) or a caller
// defined error; use errors.Is on it.
type Diagnostic struct {
	Level   slog.Level
	Kind    error
	Channel *ChannelDescriptor
	Topic   string
	Message string
	// Channels lists the channels a skipped chunk's index attributes to it.
	// It is empty for chunks found during a linear scan.
	Channels []uint16
}

func (d Diagnostic) String() string {
	if d.Topic != "" {
		return d.Topic + ": " + d.Message
	}
	return d.Message
}

type DiagnosticSink interface {
	Emit(Diagnostic)
}

type DiagnosticFunc func(Diagnostic)

func (fn DiagnosticFunc) Emit(d Diagnostic) {
	fn(d)
}

// SlogSink logs every diagnostic on Logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (sink SlogSink) Emit(d Diagnostic) {
	logger := sink.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []slog.Attr{}
	if d.Topic != "" {
		attrs = append(attrs, slog.String("topic", d.Topic))
	}
	if d.Channel != nil {
		attrs = append(attrs, slog.Int("channel", int(d.Channel.ID)))
	}
	if d.Kind != nil {
		attrs = append(attrs, slog.String("kind", d.Kind.Error()))
	}
	logger.LogAttrs(context.Background(), d.Level, "mcapx: "+d.Message, attrs...)
}

// Collector keeps every diagnostic it receives.
type Collector struct {
	mu          sync.Mutex
	diagnostics []Diagnostic
}

func (collector *Collector) Emit(d Diagnostic) {
	collector.mu.Lock()
	collector.diagnostics = append(collector.diagnostics, d)
	collector.mu.Unlock()
}

func (collector *Collector) Diagnostics() []Diagnostic {
	collector.mu.Lock()
	defer collector.mu.Unlock()

	out := make([]Diagnostic, len(collector.diagnostics))
	copy(out, collector.diagnostics)
	return out
}

type discardSink struct{}

func (discardSink) Emit(Diagnostic) {}

// Tee sends each diagnostic to every sink in order.
func Tee(sinks ...DiagnosticSink) DiagnosticSink {
	return DiagnosticFunc(func(d Diagnostic) {
		for _, sink := range sinks {
			if sink != nil {
				sink.Emit(d)
			}
		}
	})
}
