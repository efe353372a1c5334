package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Emit 写入事件，写入失败只记录日志，不影响调用方流程。
func Emit(ctx context.Context, rec Recorder, logger *zap.Logger, event Event) {
	if rec == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := rec.Record(ctx, event); err != nil && logger != nil {
		logger.Warn("记录监控事件失败",
			zap.String("type", string(event.Type)),
			zap.String("symbol", event.Symbol),
			zap.Error(err),
		)
	}
}

// MemoryRecorder 将事件保存在内存中，用于模拟运行与测试。
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// Record 追加事件。
func (m *MemoryRecorder) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events 返回指定类型的事件副本，类型为空时返回全部。
func (m *MemoryRecorder) Events(eventType EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
