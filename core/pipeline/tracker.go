package pipeline

import (
	"sync"

	"AirbandBridge/model"
)

// Observer 接收每一次状态迁移。会被多个 goroutine 并发调用，实现必须很快返回。
type Observer interface {
	Observe(t model.Transition)
}

// ObserverFunc 函数适配器
type ObserverFunc func(t model.Transition)

func (f ObserverFunc) Observe(t model.Transition) { f(t) }

const defaultTrackerSize = 200

// Tracker 内存中的最近迁移记录与各文件当前状态，供状态接口查询
type Tracker struct {
	mu      sync.RWMutex
	size    int
	recent  []model.Transition // 环形缓冲
	next    int
	full    bool
	current map[string]model.RecordingState
	totals  map[model.RecordingState]int64
}

// NewTracker size<=0 时使用默认容量
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = defaultTrackerSize
	}
	return &Tracker{
		size:    size,
		recent:  make([]model.Transition, size),
		current: make(map[string]model.RecordingState),
		totals:  make(map[model.RecordingState]int64),
	}
}

// Observe 实现 Observer
func (t *Tracker) Observe(tr model.Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent[t.next] = tr
	t.next = (t.next + 1) % t.size
	if t.next == 0 {
		t.full = true
	}

	t.totals[tr.To]++
	cur, tracked := t.current[tr.Path]
	switch {
	case tracked && cur == model.RecordingProcessing && tr.From != model.RecordingProcessing:
		// 同一路径在处理中再次写完，不覆盖进行中任务的状态
	case tr.To.Terminal():
		delete(t.current, tr.Path)
	default:
		t.current[tr.Path] = tr.To
	}
}

// Recent 最近的迁移，新的在前；limit<=0 返回全部
func (t *Tracker) Recent(limit int) []model.Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.next
	if t.full {
		n = t.size
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Transition, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (t.next - 1 - i + t.size) % t.size
		out = append(out, t.recent[idx])
	}
	return out
}

// InFlight 尚未进入终态的文件及其状态
func (t *Tracker) InFlight() map[string]model.RecordingState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]model.RecordingState, len(t.current))
	for k, v := range t.current {
		out[k] = v
	}
	return out
}

// Totals 每个目标状态累计出现的次数
func (t *Tracker) Totals() map[model.RecordingState]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.RecordingState]int64, len(t.totals))
	for k, v := range t.totals {
		out[k] = v
	}
	return out
}
