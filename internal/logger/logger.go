// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать основное приложение. Поддерживается логирование времени выполнения функций.
// Записи пишутся в формате JSON через zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const asyncBufferSize = 8192

// slowCallThreshold — при уровне info логируются только вызовы дольше этого порога.
const slowCallThreshold = 100 * time.Millisecond

type entry struct {
	level zerolog.Level
	msg   string
	fn    string
	dur   time.Duration
}

var (
	mu      sync.RWMutex
	prefix  string
	out     io.Writer = os.Stderr
	base    zerolog.Logger
	level   = zerolog.InfoLevel
	ch      chan entry
	once    sync.Once
	dropped uint64
)

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug", "trace":
		return zerolog.DebugLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initWorker() {
	mu.Lock()
	level = parseLevel(os.Getenv("LOG_LEVEL"))
	mu.Unlock()
	rebuild()
	ch = make(chan entry, asyncBufferSize)
	go func() {
		for e := range ch {
			write(e)
		}
	}()
}

func rebuild() {
	mu.Lock()
	defer mu.Unlock()
	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if prefix != "" {
		ctx = ctx.Str("service", prefix)
	}
	base = ctx.Logger()
}

func write(e entry) {
	mu.RLock()
	l := base
	mu.RUnlock()
	ev := l.WithLevel(e.level)
	if e.fn != "" {
		ev = ev.Str("fn", e.fn).Int64("duration_ms", e.dur.Milliseconds())
	}
	ev.Msg(e.msg)
}

func currentLevel() zerolog.Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

func enqueue(e entry) {
	once.Do(initWorker)
	if e.level < currentLevel() {
		return
	}
	select {
	case ch <- e:
	default:
		// Буфер полон — не блокируем, теряем лог
		mu.Lock()
		dropped++
		mu.Unlock()
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "api").
func SetPrefix(p string) {
	once.Do(initWorker)
	mu.Lock()
	prefix = p
	mu.Unlock()
	rebuild()
}

// SetLevel переопределяет уровень, заданный через LOG_LEVEL (значение из конфига).
func SetLevel(s string) {
	once.Do(initWorker)
	mu.Lock()
	level = parseLevel(s)
	mu.Unlock()
	rebuild()
}

// SetOutput направляет логи в w (в тестах — io.Discard).
func SetOutput(w io.Writer) {
	once.Do(initWorker)
	mu.Lock()
	out = w
	mu.Unlock()
	rebuild()
}

// Dropped возвращает число записей, потерянных из-за переполнения буфера.
func Dropped() uint64 {
	mu.RLock()
	defer mu.RUnlock()
	return dropped
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(entry{level: zerolog.InfoLevel, msg: fmt.Sprint(v...)})
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(entry{level: zerolog.InfoLevel, msg: fmt.Sprintf(format, v...)})
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	enqueue(entry{level: zerolog.DebugLevel, msg: fmt.Sprintf(format, v...)})
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(entry{level: zerolog.ErrorLevel, msg: fmt.Sprint(v...)})
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(entry{level: zerolog.ErrorLevel, msg: fmt.Sprintf(format, v...)})
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug — все.
func LogDuration(fn string, start time.Time) {
	once.Do(initWorker)
	elapsed := time.Since(start)
	if currentLevel() == zerolog.DebugLevel || elapsed >= slowCallThreshold {
		enqueue(entry{level: zerolog.InfoLevel, msg: "call", fn: fn, dur: elapsed})
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
