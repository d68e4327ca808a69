package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "catalogbot/internal/transport"
)

// Config selects the active sinks. Any combination may be enabled; with
// none enabled the console sink is used so logs are never lost.
type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig tunes the chat sink. The destination chat is not part of
// the config struct: it is wired later via SetTelegramTarget, once an
// adapter able to send exists.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger is a small wrapper over zerolog. Loggers handed out by a Service
// follow the Service across Apply calls; the zero value drops everything,
// so embedding an optional Logger needs no nil checks.
type Logger struct {
	svc    *Service
	static zerolog.Logger
	bound  bool
	fields []Field
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return Logger{static: zerolog.Nop(), bound: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.bound && len(l.fields) == 0 }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.bound:
		return l.static
	default:
		return zerolog.Nop()
	}
}

// With returns a derived logger carrying additional fixed fields.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	d := l
	d.fields = append(append([]Field(nil), l.fields...), fields...)
	return d
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if at := callSite(3); at != "" {
		e.Str(zerolog.CallerFieldName, at)
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// callSite renders file:line only; full paths and function names are noise.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the sink set and supports live reconfiguration: Apply swaps
// outputs and levels without invalidating loggers already handed out.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	sink chatSinkState

	root atomic.Value // zerolog.Logger
}

// New builds the service and returns it together with a root logger bound
// to it. sender may be nil; the chat sink stays quiet until both
// SetTelegramSender and SetTelegramTarget have been called.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{cfg: cfg}
	s.sink.init(sender, cfg.Telegram.ThreadID)
	s.root.Store(consoleRoot(parseLevel(cfg.Level, zerolog.InfoLevel)))
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget points the chat sink at a chat (and optional topic
// thread). Chat 0 disables delivery without touching the rest.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.sink.setTarget(chatID, threadID)
}

// SetTelegramSender installs the adapter used to deliver sink messages.
func (s *Service) SetTelegramSender(sender kit.Sender) {
	s.sink.setSender(sender)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	s.sink.stop()
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply rebuilds the sink set from cfg. Safe to call concurrently with
// logging; in-flight events finish against the previous root.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.sink.configure(cfg.Telegram)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter())
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./catalogbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.sink.start()
		outs = append(outs, &chatWriter{state: &s.sink})
		if !s.sink.hasTarget() {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled but no log chat configured")
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter())
	}

	lvl := parseLevel(cfg.Level, zerolog.InfoLevel)
	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).Level(lvl).With().Timestamp().Logger()
	s.root.Store(zl)
}

func consoleRoot(lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(consoleWriter()).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
