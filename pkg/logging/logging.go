package logging

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// MaskingHandler wraps a slog.Handler and redacts credentials from messages and attributes.
// The realtime transport carries the bearer credential in its query string, so URLs and dial
// errors would otherwise leak it.
type MaskingHandler struct {
	handler slog.Handler
}

func NewMaskingHandler(handler slog.Handler) *MaskingHandler {
	return &MaskingHandler{handler: handler}
}

var (
	tokenParamRegex = regexp.MustCompile(`(?i)(token=)[^&\s"']+`)
	bearerRegex     = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-_.=]+`)
)

// Mask replaces credential material in text.
func Mask(text string) string {
	text = tokenParamRegex.ReplaceAllString(text, "${1}***")
	return bearerRegex.ReplaceAllString(text, "${1}***")
}

func (h *MaskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *MaskingHandler) Handle(ctx context.Context, record slog.Record) error {
	// Clone drops attrs, so they are re-added masked.
	r := slog.NewRecord(record.Time, record.Level, Mask(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		r.AddAttrs(slog.Attr{Key: a.Key, Value: maskValue(a.Value)})
		return true
	})
	return h.handler.Handle(ctx, r)
}

func (h *MaskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = slog.Attr{Key: a.Key, Value: maskValue(a.Value)}
	}
	return &MaskingHandler{handler: h.handler.WithAttrs(masked)}
}

func (h *MaskingHandler) WithGroup(name string) slog.Handler {
	return &MaskingHandler{handler: h.handler.WithGroup(name)}
}

func maskValue(value slog.Value) slog.Value {
	switch value.Kind() {
	case slog.KindString:
		return slog.StringValue(Mask(value.String()))
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return slog.StringValue(Mask(err.Error()))
		}
		return value
	case slog.KindGroup:
		group := value.Group()
		masked := make([]slog.Attr, len(group))
		for i, a := range group {
			masked[i] = slog.Attr{Key: a.Key, Value: maskValue(a.Value)}
		}
		return slog.GroupValue(masked...)
	default:
		return value
	}
}

// New builds the process logger. format is "text" or "json"; level is debug, info, warn or error.
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var base slog.Handler
	if strings.EqualFold(format, "json") {
		base = slog.NewJSONHandler(w, opts)
	} else {
		base = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewMaskingHandler(base))
}

// Discard returns a logger that drops everything. Used as the default for optional loggers.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
