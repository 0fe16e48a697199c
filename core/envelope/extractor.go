// Package envelope 计算录音的时长与振幅包络，用于语音消息的波形展示。
package envelope

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"AirbandBridge/logger"
	"AirbandBridge/model"
)

const (
	DefaultBuckets      = 100
	MaxBuckets          = 1024
	DefaultWindowFrames = 1152 // 一个 MPEG-1 Layer III 帧的采样数
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyStream       = errors.New("audio stream is empty")
	ErrTruncated         = errors.New("audio stream is truncated")
)

// AudioDecodeError 文件无法解码：格式不支持、容器损坏、空流或被截断。
type AudioDecodeError struct {
	Path string
	Err  error
}

func (e *AudioDecodeError) Error() string {
	return fmt.Sprintf("audio decode error: %s: %v", e.Path, e.Err)
}

func (e *AudioDecodeError) Unwrap() error { return e.Err }

// Config 包络参数
type Config struct {
	Buckets      int  // 包络桶数，限制在 1..1024
	WindowFrames int  // mp3 每个桶解码的采样帧数
	Normalize    bool // true: 相对最响的桶归一化；false: 相对满幅
}

func (c Config) withDefaults() Config {
	if c.Buckets <= 0 {
		c.Buckets = DefaultBuckets
	}
	if c.Buckets > MaxBuckets {
		c.Buckets = MaxBuckets
	}
	if c.WindowFrames <= 0 {
		c.WindowFrames = DefaultWindowFrames
	}
	return c
}

// decodeFunc 从已打开的文件计算时长（毫秒）与未归一化的每桶峰值（相对满幅）
type decodeFunc func(f *os.File, cfg Config) (durationMs int64, peaks []float64, err error)

type format struct {
	mimeType string
	decode   decodeFunc
}

// Extractor 按扩展名选择解码器。无状态，可并发使用。
type Extractor struct {
	cfg     Config
	formats map[string]format
}

// NewExtractor 创建包络提取器，注册 mp3 与 wav 解码器
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{
		cfg: cfg.withDefaults(),
		formats: map[string]format{
			".mp3": {mimeType: "audio/mpeg", decode: decodeMP3},
			".wav": {mimeType: "audio/wav", decode: decodeWAV},
		},
	}
}

// Buckets 实际使用的桶数
func (e *Extractor) Buckets() int { return e.cfg.Buckets }

// Supports 是否能处理该扩展名（带点，大小写不敏感）
func (e *Extractor) Supports(ext string) bool {
	_, ok := e.formats[strings.ToLower(ext)]
	return ok
}

// MimeType 返回文件的 MIME 类型，未知格式返回 application/octet-stream
func (e *Extractor) MimeType(path string) string {
	if f, ok := e.formats[strings.ToLower(filepath.Ext(path))]; ok {
		return f.mimeType
	}
	return "application/octet-stream"
}

// Extract 计算文件的时长与包络。每个样本都在 [0,1] 内，样本数等于桶数。
func (e *Extractor) Extract(path string) (env *model.Envelope, err error) {
	f, ok := e.formats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, &AudioDecodeError{Path: path, Err: ErrUnsupportedFormat}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, &AudioDecodeError{Path: path, Err: err}
	}
	defer file.Close()

	// 第三方解码器在部分损坏的帧上会 panic
	defer func() {
		if r := recover(); r != nil {
			env = nil
			err = &AudioDecodeError{Path: path, Err: fmt.Errorf("decoder panic: %v", r)}
		}
	}()

	durationMs, peaks, err := f.decode(file, e.cfg)
	if err != nil {
		return nil, &AudioDecodeError{Path: path, Err: err}
	}

	env = &model.Envelope{
		DurationMs: durationMs,
		Samples:    normalize(peaks, e.cfg.Normalize),
	}
	logger.Debug("包络计算完成",
		logger.Path(path),
		logger.Int64("durationMs", durationMs),
		logger.Int("buckets", len(env.Samples)))
	return env, nil
}

func normalize(peaks []float64, relative bool) []float64 {
	out := make([]float64, len(peaks))
	max := 0.0
	for _, p := range peaks {
		if p > max {
			max = p
		}
	}
	for i, p := range peaks {
		v := p
		if relative && max > 0 {
			v = p / max
		}
		out[i] = clamp01(v)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// bucketOf 第 frame 帧所属的桶
func bucketOf(frame, totalFrames int64, buckets int) int {
	b := int(frame * int64(buckets) / totalFrames)
	if b >= buckets {
		b = buckets - 1
	}
	return b
}
