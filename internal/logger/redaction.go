package logger

import (
	"io"
	"regexp"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// rule replaces matches of re with repl. repl may reference groups.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// builtinRules cover provider keys, bearer headers and key=value pairs whose
// key names a credential. For key=value pairs the key is kept.
var builtinRules = []rule{
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`), redacted},
	{regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`), redacted},
	{regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), redacted},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), redacted},
	{regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}" + redacted},
	{
		regexp.MustCompile(`(?i)(\b(?:password|passwd|secret|token|api_key|apikey)["']?\s*[:=]\s*["']?)([^\s"',}]+)`),
		"${1}" + redacted,
	},
}

// Redactor scrubs credentials from log output. Literal secrets registered at
// runtime are matched verbatim before the pattern rules run.
type Redactor struct {
	mu       sync.RWMutex
	rules    []rule
	literals []string
}

// NewRedactor returns a Redactor loaded with the built-in rules.
func NewRedactor() *Redactor {
	return &Redactor{rules: append([]rule(nil), builtinRules...)}
}

// AddPattern redacts every match of pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	r.mu.Unlock()
	return nil
}

// AddLiteral redacts every occurrence of value. Empty and already known
// values are ignored.
func (r *Redactor) AddLiteral(value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, known := range r.literals {
		if known == value {
			return
		}
	}
	r.literals = append(r.literals, value)
}

// Redact returns s with every known secret replaced.
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, lit := range r.literals {
		s = strings.ReplaceAll(s, lit, redacted)
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before forwarding to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers account for their own bytes,
// not the redacted ones.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.writer, w.redactor.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
