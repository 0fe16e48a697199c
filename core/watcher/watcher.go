// Package watcher 监听录音目录，判断文件何时写入完成（settled）。
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"AirbandBridge/logger"
	"AirbandBridge/model"
)

const (
	DefaultQuietPeriod  = 2 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	defaultBuffer       = 64
)

// Config 监听参数
type Config struct {
	Dir          string
	Extensions   []string      // 带点的小写扩展名，例如 .mp3
	QuietPeriod  time.Duration // 大小与修改时间保持不变多久视为写完
	PollInterval time.Duration
	Buffer       int // Settled 通道缓冲
}

// signature 文件的大小与修改时间，变化即视为仍在写入或是新录音
type signature struct {
	size    int64
	modTime time.Time
}

func (s signature) same(o signature) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

type pendingFile struct {
	sig         signature
	stableSince time.Time
}

// Watcher 把目录中的文件事件转换为已写完文件的路径序列
type Watcher struct {
	cfg          Config
	exts         map[string]struct{}
	out          chan string
	onTransition func(model.Transition)
	now          func() time.Time

	pending map[string]*pendingFile
	settled map[string]signature
}

// New 创建监听器；Run 之前不会访问文件系统
func New(cfg Config) *Watcher {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Watcher{
		cfg:     cfg,
		exts:    exts,
		out:     make(chan string, cfg.Buffer),
		now:     time.Now,
		pending: make(map[string]*pendingFile),
		settled: make(map[string]signature),
	}
}

// OnTransition 注册状态迁移回调（discovered→settling、settling→settled、settling→cancelled），
// 在 Run 所在的 goroutine 中调用，必须在 Run 之前设置。
func (w *Watcher) OnTransition(fn func(model.Transition)) {
	w.onTransition = fn
}

// Settled 已写完文件的路径，每个文件（同一大小与修改时间）只出现一次。Run 返回时关闭。
func (w *Watcher) Settled() <-chan string {
	return w.out
}

func (w *Watcher) matches(path string) bool {
	if len(w.exts) == 0 {
		return true
	}
	_, ok := w.exts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Run 监听目录直到 ctx 结束
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.out)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	defer fsw.Close()

	// 先注册监听再扫描，避免两者之间出现的文件被漏掉
	if err := fsw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("监听目录失败 %s: %w", w.cfg.Dir, err)
	}
	if err := w.scan(); err != nil {
		return err
	}

	logger.Info("开始监听录音目录",
		logger.String("dir", w.cfg.Dir),
		logger.Strings("extensions", w.cfg.Extensions),
		logger.Duration("quietPeriod", w.cfg.QuietPeriod),
		logger.Int("pending", len(w.pending)))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("停止监听录音目录", logger.Int("pending", len(w.pending)))
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case <-ticker.C:
			w.poll()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("文件监听错误", logger.ErrorField(err))
		}
	}
}

// scan 启动时接纳目录中已有的文件（重启恢复）
func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("扫描录音目录失败 %s: %w", w.cfg.Dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.cfg.Dir, e.Name())
		if w.matches(path) {
			w.observe(path)
		}
	}
	return nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.matches(event.Name) {
		return
	}
	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.settled, event.Name)
		if _, ok := w.pending[event.Name]; ok {
			delete(w.pending, event.Name)
			w.report(event.Name, model.RecordingSettling, model.RecordingCancelled, "file removed before settling")
		}
	case event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
		w.observe(event.Name)
	}
}

// observe 把文件加入待定集合；已在集合中的文件由 poll 检测变化
func (w *Watcher) observe(path string) {
	if _, ok := w.pending[path]; ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	sig := signature{size: info.Size(), modTime: info.ModTime()}
	if prev, ok := w.settled[path]; ok && prev.same(sig) {
		return
	}
	delete(w.settled, path)
	w.pending[path] = &pendingFile{sig: sig, stableSince: w.now()}
	w.report(path, model.RecordingDiscovered, model.RecordingSettling, "")
}

// poll 检查每个待定文件；安静期内无变化且非空的文件发出
func (w *Watcher) poll() {
	now := w.now()
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			w.report(path, model.RecordingSettling, model.RecordingCancelled, "file disappeared before settling")
			continue
		}
		sig := signature{size: info.Size(), modTime: info.ModTime()}
		if !sig.same(p.sig) {
			p.sig = sig
			p.stableSince = now
			continue
		}
		if sig.size == 0 || now.Sub(p.stableSince) < w.cfg.QuietPeriod {
			continue
		}

		select {
		case w.out <- path:
		default:
			// 下游已满，留在待定集合中下个周期再试
			continue
		}
		delete(w.pending, path)
		w.settled[path] = sig
		w.report(path, model.RecordingSettling, model.RecordingSettled, "")
		logger.Debug("录音写入完成",
			logger.Path(path),
			logger.Int64("size", sig.size))
	}
}

func (w *Watcher) report(path string, from, to model.RecordingState, reason string) {
	if w.onTransition == nil {
		return
	}
	w.onTransition(model.Transition{
		Path:   path,
		From:   from,
		To:     to,
		Reason: reason,
		At:     w.now(),
	})
}
