package jiffy

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// globalLogger 是未以 WithLogger 指定時使用的套件層級 logger，預設為 nil（不輸出）
var globalLogger atomic.Pointer[logiface.Logger[logiface.Event]]

// SetLogger installs the package-level logger used by every Scheduler built
// without WithLogger. A nil logger disables logging.
func SetLogger(logger *logiface.Logger[logiface.Event]) {
	globalLogger.Store(logger)
}

func getLogger() *logiface.Logger[logiface.Event] {
	return globalLogger.Load()
}

// NewTextLogger returns a logger writing one key=value line per event to w,
// filtered at level.
func NewTextLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	tw := &textWriter{w: w}
	return logiface.New[*textEvent](
		logiface.WithEventFactory[*textEvent](logiface.EventFactoryFunc[*textEvent](newTextEvent)),
		logiface.WithWriter[*textEvent](tw),
		logiface.WithLevel[*textEvent](level),
	).Logger()
}

// textEvent 實作 logiface.Event，把欄位暫存後由 textWriter 一次輸出
type textEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	err    error
	fields map[string]string
}

func newTextEvent(level logiface.Level) *textEvent {
	return &textEvent{level: level}
}

func (e *textEvent) Level() logiface.Level {
	if e == nil {
		return logiface.LevelDisabled
	}
	return e.level
}

func (e *textEvent) AddField(key string, val any) {
	e.set(key, fmt.Sprint(val))
}

func (e *textEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *textEvent) AddError(err error) bool {
	e.err = err
	return true
}

func (e *textEvent) AddString(key string, val string) bool {
	e.set(key, val)
	return true
}

func (e *textEvent) AddDuration(key string, val time.Duration) bool {
	e.set(key, val.String())
	return true
}

func (e *textEvent) set(key, val string) {
	if e.fields == nil {
		e.fields = make(map[string]string, 4)
	}
	e.fields[key] = val
}

// textWriter 序列化寫入，避免多個核心同時記錄時行內容交錯
type textWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (x *textWriter) Write(e *textEvent) error {
	var sb strings.Builder
	sb.WriteString("level=")
	sb.WriteString(e.level.String())
	if e.msg != "" {
		sb.WriteString(" msg=")
		sb.WriteString(quoteIfNeeded(e.msg))
	}

	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(quoteIfNeeded(e.fields[k]))
	}

	if e.err != nil {
		sb.WriteString(" err=")
		sb.WriteString(quoteIfNeeded(e.err.Error()))
	}
	sb.WriteByte('\n')

	x.mu.Lock()
	defer x.mu.Unlock()
	_, err := io.WriteString(x.w, sb.String())
	return err
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
