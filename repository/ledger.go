package repository

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"AirbandBridge/logger"
	"AirbandBridge/model"
)

const (
	defaultLedgerBuffer = 256
	ledgerWriteTimeout  = 5 * time.Second
)

// Ledger 把终态迁移异步写入发布台账。只做审计，不影响文件是否被重新接纳。
type Ledger struct {
	repo    PublishRecordRepository
	queue   chan *model.PublishRecord
	done    chan struct{}
	once    sync.Once
	dropped int64
	mu      sync.Mutex
}

// NewLedger 创建台账写入器，需要调用 Run 开始写入
func NewLedger(repo PublishRecordRepository, buffer int) *Ledger {
	if buffer <= 0 {
		buffer = defaultLedgerBuffer
	}
	return &Ledger{
		repo:  repo,
		queue: make(chan *model.PublishRecord, buffer),
		done:  make(chan struct{}),
	}
}

// Observe 只记录终态；队列满时丢弃并告警，不阻塞流水线
func (l *Ledger) Observe(t model.Transition) {
	if !t.To.Terminal() {
		return
	}
	record := model.NewPublishRecord(filepath.Base(t.Path), t)
	select {
	case l.queue <- record:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		logger.Warn("台账队列已满，丢弃记录",
			logger.Path(t.Path),
			logger.Int64("dropped", dropped))
	}
}

// Run 持续写入直到 Close 被调用，返回前写完队列中剩余的记录
func (l *Ledger) Run() {
	for {
		select {
		case record := <-l.queue:
			l.write(record)
		case <-l.done:
			for {
				select {
				case record := <-l.queue:
					l.write(record)
				default:
					return
				}
			}
		}
	}
}

// Close 通知 Run 写完剩余记录后退出
func (l *Ledger) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Ledger) write(record *model.PublishRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if err := l.repo.Create(ctx, record); err != nil {
		logger.Warn("写入发布台账失败",
			logger.Path(record.Path),
			logger.Frequency(record.FrequencyHz),
			logger.String("state", record.State),
			logger.ErrorField(err))
	}
}
