package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/agora/internal/store"
)

// Sink receives persisted log entries. *store.Store satisfies it.
type Sink interface {
	AppendLog(ctx context.Context, e *store.LogEntry) error
}

type sinkBox struct{ sink Sink }

// StoreHandler forwards every record to the wrapped handler and copies
// records at warn level or above into the sink.
type StoreHandler struct {
	handler   slog.Handler
	agentName string
	sink      *atomic.Pointer[sinkBox]
	attrs     []slog.Attr
	groups    []string
}

func NewStoreHandler(handler slog.Handler, agentName string) *StoreHandler {
	return &StoreHandler{
		handler:   handler,
		agentName: agentName,
		sink:      &atomic.Pointer[sinkBox]{},
	}
}

// SetSink replaces the sink for this handler and every handler derived from
// it. A nil sink disables persistence.
func (h *StoreHandler) SetSink(s Sink) {
	if s == nil {
		h.sink.Store(nil)
		return
	}
	h.sink.Store(&sinkBox{sink: s})
}

func (h *StoreHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *StoreHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.handler.Handle(ctx, record)

	box := h.sink.Load()
	if box == nil || record.Level < slog.LevelWarn {
		return err
	}

	data := make(map[string]any, len(h.attrs)+record.NumAttrs())
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		data[a.Key] = attrValue(a.Value)
	}
	record.Attrs(func(a slog.Attr) bool {
		data[prefix+a.Key] = attrValue(a.Value)
		return true
	})
	delete(data, "agent")

	entry := &store.LogEntry{
		AgentName: h.agentName,
		Level:     levelName(record.Level),
		Message:   record.Message,
		Data:      data,
		CreatedAt: record.Time,
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// Persist even if the caller's context is already cancelled.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if serr := box.sink.AppendLog(sctx, entry); serr != nil {
		// Reporting through slog would recurse into this handler.
		fail := slog.NewRecord(time.Now(), slog.LevelWarn, "persist log entry failed", 0)
		fail.AddAttrs(slog.String("error", serr.Error()))
		_ = h.handler.Handle(ctx, fail)
	}
	return err
}

func (h *StoreHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.handler = h.handler.WithAttrs(attrs)
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *StoreHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.handler = h.handler.WithGroup(name)
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *StoreHandler) clone() *StoreHandler {
	nh := *h
	nh.attrs = make([]slog.Attr, len(h.attrs))
	copy(nh.attrs, h.attrs)
	nh.groups = make([]string, len(h.groups))
	copy(nh.groups, h.groups)
	return &nh
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value)
		}
		return m
	default:
		return v.Any()
	}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
