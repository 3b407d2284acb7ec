package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process logger. Level filtering happens through zerolog's
// global level so that loggers derived with Component follow SetLevel.
type Logger struct {
	base     zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // trace, debug, info, warn, error
	File      string // rotated log file; empty disables file output
	Console   bool
	Pretty    bool // human readable console output
	Redaction bool
	MaxSize   int // MB before rotation
	MaxAge    int // days to keep rotated files
	Compress  bool
	// Secrets are redacted verbatim in addition to the built-in rules.
	Secrets []string
	// Console output goes to Out; os.Stderr when nil.
	Out io.Writer
}

// New creates a logger and installs it as the global log.Logger.
func New(cfg Config) (*Logger, error) {
	sink, file, err := openSinks(cfg)
	if err != nil {
		return nil, err
	}

	l := &Logger{file: file}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		for _, secret := range cfg.Secrets {
			l.redactor.AddLiteral(secret)
		}
		sink = l.redactor.Wrap(sink)
	}

	l.base = zerolog.New(sink).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	log.Logger = l.base

	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return l, nil
}

// openSinks returns the combined console and file writer.
func openSinks(cfg Config) (io.Writer, *RotatingWriter, error) {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	var sinks []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			sinks = append(sinks, zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
		} else {
			sinks = append(sinks, out)
		}
	}

	var file *RotatingWriter
	if cfg.File != "" {
		var err error
		if file, err = NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, file)
	}

	switch len(sinks) {
	case 0:
		return out, nil, nil
	case 1:
		return sinks[0], file, nil
	default:
		return zerolog.MultiLevelWriter(sinks...), file, nil
	}
}

func parseLevel(s string) (zerolog.Level, bool) {
	if s == "" {
		return zerolog.NoLevel, false
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, false
	}
	return level, true
}

// SetLevel changes the minimum level for every logger in the process.
// Unknown levels are ignored.
func (l *Logger) SetLevel(level string) {
	if parsed, ok := parseLevel(level); ok {
		zerolog.SetGlobalLevel(parsed)
	}
}

// Level reports the current minimum level.
func (l *Logger) Level() zerolog.Level {
	return zerolog.GlobalLevel()
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.base.With().Str("component", name).Logger()
}

// AddSecret redacts secret verbatim from now on. It is a no-op when
// redaction is disabled.
func (l *Logger) AddSecret(secret string) {
	if l.redactor != nil {
		l.redactor.AddLiteral(secret)
	}
}

// Close flushes pending compression and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func (l *Logger) Info() *zerolog.Event  { return l.base.Info() }
func (l *Logger) Error() *zerolog.Event { return l.base.Error() }
