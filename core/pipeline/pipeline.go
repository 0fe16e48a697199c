// Package pipeline 把写完的录音发布为频点房间中的语音消息。
//
// 每个文件的状态：discovered → settling → settled → processing →
// published | skipped | failed，处理前文件消失则为 cancelled。
// 发布成功后才删除文件；失败的文件留在原地，重启后重新接纳。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"AirbandBridge/core/matrix"
	"AirbandBridge/core/retry"
	"AirbandBridge/logger"
	"AirbandBridge/model"
)

// ChannelLookup 频点查询，由 *channel.Registry 实现
type ChannelLookup interface {
	Lookup(frequencyHz int64) (model.Channel, bool)
}

// EnvelopeExtractor 由 *envelope.Extractor 实现
type EnvelopeExtractor interface {
	Extract(path string) (*model.Envelope, error)
	MimeType(path string) string
}

// DestinationResolver 由 *destination.Resolver 实现
type DestinationResolver interface {
	Resolve(ctx context.Context, ch model.Channel) (*model.Destination, error)
}

// Publisher 由 *matrix.Client 实现
type Publisher interface {
	UploadMedia(ctx context.Context, data []byte, contentType, filename string) (string, error)
	SendVoiceMessage(ctx context.Context, roomID string, msg matrix.VoiceMessage) (string, error)
}

// Archiver 发布成功后、删除前复制一份录音，可选
type Archiver interface {
	Archive(ctx context.Context, frequencyHz int64, path string) error
}

// Config 流水线行为
type Config struct {
	MaxConcurrent     int
	MinDuration       time.Duration // 低于该时长的录音跳过，0 表示不限制
	SkipDisabled      bool
	DeleteAfterUpload bool
	DeleteSkipped     bool
	Retry             retry.Policy // 发布（解析房间+上传+发送）整体重试策略
}

// Deps 流水线协作者；Archiver 可以为 nil
type Deps struct {
	Channels  ChannelLookup
	Extractor EnvelopeExtractor
	Resolver  DestinationResolver
	Publisher Publisher
	Archiver  Archiver
}

type fileSignature struct {
	size    int64
	modTime time.Time
}

// Pipeline 并发处理已写完的录音，每个路径同一时间最多一个任务
type Pipeline struct {
	cfg  Config
	deps Deps

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
	failed   map[string]fileSignature // 本次运行中失败的文件，未变化前不再接纳

	obsMu     sync.RWMutex
	observers []Observer
}

// New 创建流水线
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.NumCPU()
	}
	if cfg.Retry.IsRetryable == nil {
		cfg.Retry.IsRetryable = matrix.IsTransient
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[string]struct{}),
		failed:   make(map[string]fileSignature),
	}
}

// AddObserver 注册状态迁移观察者
func (p *Pipeline) AddObserver(o Observer) {
	p.obsMu.Lock()
	p.observers = append(p.observers, o)
	p.obsMu.Unlock()
}

// Report 分发一次状态迁移并记录日志。监听器的迁移也经由这里。
func (p *Pipeline) Report(t model.Transition) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if t.FrequencyHz == 0 {
		if name, err := ParseFilename(t.Path); err == nil {
			t.FrequencyHz = name.FrequencyHz
		}
	}

	fields := []zap.Field{
		logger.Path(t.Path),
		logger.Frequency(t.FrequencyHz),
		logger.String("from", string(t.From)),
		logger.String("to", string(t.To)),
	}
	if t.Reason != "" {
		fields = append(fields, logger.String("reason", t.Reason))
	}
	switch t.To {
	case model.RecordingFailed:
		fields = append(fields,
			logger.String("errorKind", t.ErrorKind),
			logger.String("error", t.Error),
			logger.Int("attempts", t.Attempts))
		logger.Error("录音处理失败", fields...)
	case model.RecordingPublished:
		fields = append(fields,
			logger.String("roomId", t.RoomID),
			logger.String("eventId", t.EventID),
			logger.Int64("durationMs", t.DurationMs),
			logger.Int("attempts", t.Attempts))
		logger.Info("录音已发布", fields...)
	case model.RecordingSkipped, model.RecordingCancelled:
		logger.Info("录音未发布", fields...)
	default:
		logger.Debug("录音状态变化", fields...)
	}

	p.obsMu.RLock()
	observers := p.observers
	p.obsMu.RUnlock()
	for _, o := range observers {
		o.Observe(t)
	}
}

// Run 消费 settled 序列，直到通道关闭或 ctx 结束。不等待进行中的任务，见 Wait。
func (p *Pipeline) Run(ctx context.Context, settled <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case path, ok := <-settled:
			if !ok {
				return nil
			}
			p.Submit(ctx, path)
		}
	}
}

// Wait 等待所有已接纳的任务结束
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Submit 接纳一个已写完的文件。同一路径已有任务，或本次运行中失败且未变化时
// 记录一次 skipped 迁移并返回 false。
func (p *Pipeline) Submit(ctx context.Context, path string) bool {
	if reason := p.admit(ctx, path); reason != "" {
		logger.Debug("文件未被接纳", logger.Path(path), logger.String("reason", reason))
		p.Report(model.Transition{Path: path, From: model.RecordingSettled, To: model.RecordingSkipped, Reason: reason})
		return false
	}
	return true
}

// admit 接纳时启动任务并返回空串，否则返回原因
func (p *Pipeline) admit(ctx context.Context, path string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.inflight[path]; busy {
		return "already in flight"
	}
	if sig, ok := p.failed[path]; ok {
		if cur, err := statSignature(path); err == nil && cur == sig {
			return "failed earlier and unchanged"
		}
		delete(p.failed, path)
	}

	p.inflight[path] = struct{}{}
	p.wg.Add(1)
	go p.run(ctx, path)
	return ""
}

func statSignature(path string) (fileSignature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileSignature{}, err
	}
	return fileSignature{size: info.Size(), modTime: info.ModTime().UTC()}, nil
}

// task 一个文件的处理过程
type task struct {
	path    string
	channel model.Channel
	state   model.RecordingState
}

func (p *Pipeline) run(ctx context.Context, path string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, path)
		p.mu.Unlock()
	}()

	t := &task{path: path, state: model.RecordingSettled}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.transition(t, model.RecordingCancelled, model.Transition{Reason: "shutdown before processing"})
		return
	}
	defer func() { <-p.sem }()

	// 开始处理后不再响应关闭信号，关闭流程等待任务结束
	p.process(context.WithoutCancel(ctx), t)
}

func (p *Pipeline) process(ctx context.Context, t *task) {
	name, err := ParseFilename(t.path)
	if err != nil {
		p.fail(t, err, 0)
		return
	}
	t.channel.FrequencyHz = name.FrequencyHz

	ch, ok := p.deps.Channels.Lookup(name.FrequencyHz)
	if !ok {
		p.fail(t, fmt.Errorf("%w: %d Hz", ErrUnknownChannel, name.FrequencyHz), 0)
		return
	}
	t.channel = ch

	if !ch.Enabled && p.cfg.SkipDisabled {
		p.skip(t, "channel disabled", 0)
		return
	}
	if _, err := os.Stat(t.path); errors.Is(err, os.ErrNotExist) {
		p.transition(t, model.RecordingCancelled, model.Transition{Reason: "file disappeared before processing"})
		return
	}

	p.transition(t, model.RecordingProcessing, model.Transition{})

	env, err := p.deps.Extractor.Extract(t.path)
	if err != nil {
		p.fail(t, err, 0)
		return
	}
	if p.cfg.MinDuration > 0 && env.DurationMs < p.cfg.MinDuration.Milliseconds() {
		p.skip(t, fmt.Sprintf("duration %dms below minimum %dms", env.DurationMs, p.cfg.MinDuration.Milliseconds()), env.DurationMs)
		return
	}

	data, err := os.ReadFile(t.path)
	if err != nil {
		p.fail(t, fmt.Errorf("read recording: %w", err), 0)
		return
	}

	res, err := p.publish(ctx, t, env, data)
	if err != nil {
		p.fail(t, err, res.attempts)
		return
	}

	if p.deps.Archiver != nil {
		if err := p.deps.Archiver.Archive(ctx, ch.FrequencyHz, t.path); err != nil {
			logger.Warn("录音归档失败",
				logger.Path(t.path),
				logger.Frequency(ch.FrequencyHz),
				logger.String("errorKind", ErrorKind(err)),
				logger.ErrorField(err))
		}
	}
	if p.cfg.DeleteAfterUpload {
		p.remove(t)
	}

	p.transition(t, model.RecordingPublished, model.Transition{
		RoomID:     res.roomID,
		EventID:    res.eventID,
		MediaURI:   res.mediaURI,
		DurationMs: env.DurationMs,
		Attempts:   res.attempts,
	})
}

type publishResult struct {
	roomID   string
	eventID  string
	mediaURI string
	attempts int
}

// publish 解析房间、上传、发送作为一个整体重试。上传成功后重试只重发消息；
// 整个过程复用同一个事务 ID，响应丢失时服务端可以去重。
func (p *Pipeline) publish(ctx context.Context, t *task, env *model.Envelope, data []byte) (publishResult, error) {
	var res publishResult
	txnID := matrix.NewTxnID()
	filename := filepath.Base(t.path)
	mimeType := p.deps.Extractor.MimeType(t.path)

	err := retry.Do(ctx, p.cfg.Retry, func(attempt int) error {
		res.attempts = attempt
		dest, err := p.deps.Resolver.Resolve(ctx, t.channel)
		if err != nil {
			return err
		}
		res.roomID = dest.RemoteID

		if res.mediaURI == "" {
			uri, err := p.deps.Publisher.UploadMedia(ctx, data, mimeType, filename)
			if err != nil {
				return err
			}
			res.mediaURI = uri
		}

		eventID, err := p.deps.Publisher.SendVoiceMessage(ctx, dest.RemoteID, matrix.VoiceMessage{
			Body:       filename,
			MediaURI:   res.mediaURI,
			MimeType:   mimeType,
			Size:       int64(len(data)),
			DurationMs: env.DurationMs,
			Waveform:   env.Samples,
			TxnID:      txnID,
		})
		if err != nil {
			if matrix.IsTransient(err) {
				logger.Warn("发布失败，准备重试",
					logger.Path(t.path),
					logger.Frequency(t.channel.FrequencyHz),
					logger.Int("attempt", attempt),
					logger.String("errorKind", ErrorKind(err)),
					logger.ErrorField(err))
			}
			return err
		}
		res.eventID = eventID
		return nil
	})
	return res, err
}

func (p *Pipeline) remove(t *task) {
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("删除录音失败",
			logger.Path(t.path),
			logger.Frequency(t.channel.FrequencyHz),
			logger.ErrorField(err))
	}
}

func (p *Pipeline) skip(t *task, reason string, durationMs int64) {
	if p.cfg.DeleteSkipped {
		p.remove(t)
	}
	p.transition(t, model.RecordingSkipped, model.Transition{Reason: reason, DurationMs: durationMs})
}

func (p *Pipeline) fail(t *task, err error, attempts int) {
	if sig, statErr := statSignature(t.path); statErr == nil {
		p.mu.Lock()
		p.failed[t.path] = sig
		p.mu.Unlock()
	}
	p.transition(t, model.RecordingFailed, model.Transition{
		ErrorKind: ErrorKind(err),
		Error:     err.Error(),
		Attempts:  attempts,
	})
}

func (p *Pipeline) transition(t *task, to model.RecordingState, detail model.Transition) {
	detail.Path = t.path
	detail.FrequencyHz = t.channel.FrequencyHz
	detail.From = t.state
	detail.To = to
	t.state = to
	p.Report(detail)
}
