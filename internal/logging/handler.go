package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// redactingHandler runs every message and attribute through a Sanitizer
// before handing the record on.
type redactingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

func newRedactingHandler(next slog.Handler, sanitizer *Sanitizer) *redactingHandler {
	return &redactingHandler{next: next, sanitizer: sanitizer}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, h.redact(a))
	}
	return &redactingHandler{next: h.next.WithAttrs(clean), sanitizer: h.sanitizer}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), sanitizer: h.sanitizer}
}

func (h *redactingHandler) redact(a slog.Attr) slog.Attr {
	if h.sanitizer.SecretKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]slog.Attr, 0, len(group))
		for _, g := range group {
			clean = append(clean, h.redact(g))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	case slog.KindAny:
		// Driver errors quote the DSN they failed to open.
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.sanitizer.Sanitize(err.Error()))
		}
	}
	return a
}

// contextKeys are lifted out of the attribute list into the line prefix.
var contextKeys = []string{"workflow_id", "task_id", "node"}

// ConsoleHandler writes one colored line per record for terminals. Workflow,
// task and node attributes render as a bracketed prefix so interleaved
// worker output stays readable.
type ConsoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	ctx    map[string]string
	attrs  []slog.Attr
	groups []string
}

// NewConsoleHandler creates a console handler that follows level.
func NewConsoleHandler(w io.Writer, level slog.Leveler) *ConsoleHandler {
	return &ConsoleHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	ctx := h.ctx
	copied := false
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if len(h.groups) == 0 && isContextKey(a.Key) {
			if !copied {
				ctx, copied = cloneMap(h.ctx), true
			}
			ctx[a.Key] = a.Value.String()
			return true
		}
		attrs = append(attrs, a)
		return true
	})

	var b strings.Builder
	b.WriteString(r.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	if prefix := contextPrefix(ctx); prefix != "" {
		b.WriteString(" " + gray(prefix))
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		writeAttr(&b, prefix, a)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if prefix == "" && isContextKey(a.Key) {
			next.ctx[a.Key] = a.Value.String()
			continue
		}
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return next
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.groups = append(next.groups, name)
	return next
}

func (h *ConsoleHandler) clone() *ConsoleHandler {
	return &ConsoleHandler{
		mu:     h.mu,
		w:      h.w,
		level:  h.level,
		ctx:    cloneMap(h.ctx),
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}

var (
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	blue   = color.New(color.FgBlue).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return red("ERR")
	case level >= slog.LevelWarn:
		return yellow("WRN")
	case level >= slog.LevelInfo:
		return blue("INF")
	default:
		return gray("DBG")
	}
}

// contextPrefix renders [workflow/task node], skipping missing parts.
func contextPrefix(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	ids := make([]string, 0, 2)
	for _, k := range []string{"workflow_id", "task_id"} {
		if v := ctx[k]; v != "" {
			ids = append(ids, shortID(v))
		}
	}
	s := strings.Join(ids, "/")
	if node := ctx["node"]; node != "" {
		if s != "" {
			s += " "
		}
		s += node
	}
	if s == "" {
		return ""
	}
	return "[" + s + "]"
}

// shortID keeps the first block of a UUID.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && len(id) == 36 {
		return id[:i]
	}
	return id
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if v.Kind() == slog.KindGroup {
		for _, g := range v.Group() {
			writeAttr(b, key, g)
		}
		return
	}
	fmt.Fprintf(b, " %s=%v", cyan(key), v.Any())
}

func isContextKey(key string) bool {
	for _, k := range contextKeys {
		if k == key {
			return true
		}
	}
	return false
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
