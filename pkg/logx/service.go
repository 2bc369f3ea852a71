package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "transitwatch/internal/transport"
)

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

// TelegramConfig mirrors warnings and errors into an operator chat.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const (
	defaultLogFile = "./transitwatch.log"
	alertQueue     = 256
	alertMaxLen    = 3500
	alertValueLen  = 600
)

// leadKeys are rendered first in operator alerts, in this order.
var leadKeys = []string{"comp", "subscriber", "event", "err"}

// Service owns the log sinks and rebuilds them on Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *os.File
	target kit.ChatTarget
	lim    *rate.Limiter
	minLvl zerolog.Level

	sender kit.Sender
	alerts chan string
	start  sync.Once
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New applies cfg and returns the service with a Logger that tracks it.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{sender: sender, alerts: make(chan string, alertQueue)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLvl = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Telegram.RatePerSec)
	s.lim = rate.NewLimiter(rate.Limit(rps), rps)
	s.target = kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter())
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled && s.sender != nil {
		if s.target.IsZero() {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled without telegram.log_chat_id")
		}
		s.start.Do(s.startAlerts)
		writers = append(writers, alertWriter{s})
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close flushes queued alerts for up to two seconds, then closes the file.
func (s *Service) Close() error {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	f := s.file
	s.file = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.wg.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func (s *Service) startAlerts() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.alertLoop(ctx)
	}()
}

func (s *Service) alertLoop(ctx context.Context) {
	for {
		select {
		case msg := <-s.alerts:
			if ctx.Err() == nil {
				s.sendAlert(ctx, msg)
				continue
			}
			s.flushAlerts(msg)
			return
		case <-ctx.Done():
			s.flushAlerts("")
			return
		}
	}
}

// flushAlerts sends first and whatever is still queued within two seconds.
func (s *Service) flushAlerts(first string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if first != "" {
		s.sendAlert(ctx, first)
	}
	for {
		select {
		case msg := <-s.alerts:
			s.sendAlert(ctx, msg)
		default:
			return
		}
	}
}

func (s *Service) sendAlert(ctx context.Context, msg string) {
	s.mu.Lock()
	to := s.target
	s.mu.Unlock()
	if to.IsZero() || ctx.Err() != nil {
		return
	}
	_, _ = s.sender.SendText(ctx, to, msg, &kit.SendOptions{DisablePreview: true})
}

// alertWriter forwards lines at or above the alert level. It never blocks
// the caller: over the rate limit or with a full queue the line is dropped.
type alertWriter struct{ s *Service }

func (w alertWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.NoLevel, p) }

func (w alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.s
	s.mu.Lock()
	ok := level != zerolog.NoLevel && level >= s.minLvl && !s.target.IsZero() && s.lim.Allow()
	s.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	select {
	case s.alerts <- formatAlert(p):
	default:
	}
	return len(p), nil
}

// formatAlert renders a zerolog JSON line as a short chat message:
// "[WARN] message" followed by one "key=value" line per field, lead keys
// first and the rest sorted.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(string(p), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	skip := map[string]bool{"level": true, zerolog.MessageFieldName: true, zerolog.TimestampFieldName: true, zerolog.CallerFieldName: true}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !skip[k] && !slices.Contains(leadKeys, k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range append(slices.Clone(leadKeys), keys...) {
		v, ok := m[k]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n%s=%s", k, truncate(fmt.Sprint(v), alertValueLen))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}
