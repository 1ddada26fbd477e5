package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders one record per line for terminals:
//
//	15:04:05.000 INFO  [24105730123] session.state.change transition=connecting->connected
//
// The session identity is lifted into its own column and a from/to pair collapses into
// a single transition field.
type prettyHandler struct {
	w         io.Writer
	level     slog.Leveler
	addSource bool
	color     bool

	attrs  []prettyAttr
	prefix string
	mu     *sync.Mutex
}

type prettyAttr struct {
	key string
	val slog.Value
}

const levelWidth = 5

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.addSource = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]prettyAttr(nil), h.attrs...)
	for _, a := range attrs {
		cp.attrs = flattenAttr(cp.attrs, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := append(make([]prettyAttr, 0, len(h.attrs)+r.NumAttrs()), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = flattenAttr(attrs, h.prefix, a)
		return true
	})

	sid, attrs := takeAttr(attrs, "session_id")
	attrs = foldTransition(attrs)

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	if sid != "" {
		b.WriteString(paint("["+sid+"]", ansiBright, h.color))
		b.WriteByte(' ')
	}
	b.WriteString(paint(r.Message, ansiBright, h.color))

	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(displayKey(a.key))
		b.WriteByte('=')
		b.WriteString(h.formatValue(a))
	}

	if h.addSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(paint(fmt.Sprintf(" src=%s:%d", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func flattenAttr(dst []prettyAttr, prefix string, a slog.Attr) []prettyAttr {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		if key != "" {
			prefix += key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = flattenAttr(dst, prefix, ga)
		}
		return dst
	}
	if key == "" {
		return dst
	}
	return append(dst, prettyAttr{key: prefix + key, val: a.Value})
}

// takeAttr removes the first attribute whose last key segment is name.
func takeAttr(attrs []prettyAttr, name string) (string, []prettyAttr) {
	for i, a := range attrs {
		if leafKey(a.key) == name {
			return a.val.String(), append(attrs[:i:i], attrs[i+1:]...)
		}
	}
	return "", attrs
}

// foldTransition replaces a from/to pair with one transition attribute at the position of from.
func foldTransition(attrs []prettyAttr) []prettyAttr {
	from, to := -1, -1
	for i, a := range attrs {
		switch leafKey(a.key) {
		case "from":
			if from < 0 {
				from = i
			}
		case "to":
			if to < 0 {
				to = i
			}
		}
	}
	if from < 0 || to < 0 {
		return attrs
	}

	out := make([]prettyAttr, 0, len(attrs)-1)
	for i, a := range attrs {
		switch i {
		case from:
			key := strings.TrimSuffix(a.key, "from") + "transition"
			out = append(out, prettyAttr{key: key, val: slog.AnyValue(stateEdge{
				from: a.val.String(),
				to:   attrs[to].val.String(),
			})})
		case to:
		default:
			out = append(out, a)
		}
	}
	return out
}

type stateEdge struct{ from, to string }

func leafKey(k string) string {
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		return k[i+1:]
	}
	return k
}

var shortKeys = map[string]string{
	"status_class": "class",
	"duration_ms":  "duration",
}

func displayKey(k string) string {
	leaf := leafKey(k)
	if short, ok := shortKeys[leaf]; ok {
		return strings.TrimSuffix(k, leaf) + short
	}
	return k
}

func (h *prettyHandler) formatValue(a prettyAttr) string {
	v := a.val
	if e, ok := v.Any().(stateEdge); ok {
		return colorizeSessionState(e.from, h.color) + "->" + colorizeSessionState(e.to, h.color)
	}

	switch leafKey(a.key) {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		return paint(strings.TrimSpace(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "state":
		return colorizeSessionState(strings.TrimSpace(v.String()), h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// levelTag returns the level name padded to a fixed visual width.
func levelTag(level slog.Level, color bool) string {
	var tag string
	switch {
	case level >= slog.LevelError:
		tag = paint("ERROR", ansiRed, color)
	case level >= slog.LevelWarn:
		tag = paint("WARN", ansiYellow, color)
	case level < slog.LevelInfo:
		tag = paint("DEBUG", ansiMagenta, color)
	default:
		tag = paint("INFO", ansiBlue, color)
	}
	if n := visualLen(tag); n < levelWidth {
		tag += strings.Repeat(" ", levelWidth-n)
	}
	return tag
}
