// Package channel 解析 rtl_airband 配置中的频点定义。
package channel

import (
	"fmt"
	"os"

	"AirbandBridge/logger"
	"AirbandBridge/model"
)

// ConfigParseError 频点配置无法解析，启动阶段致命。
type ConfigParseError struct {
	Path   string
	Block  int // 1-based 频道块序号，0 表示与具体块无关
	Reason string
	Err    error
}

func (e *ConfigParseError) Error() string {
	msg := "config parse error"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Block > 0 {
		msg += fmt.Sprintf(" (channel block %d)", e.Block)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

// Registry 启动时加载的频点表，加载后只读，可并发访问。
type Registry struct {
	channels []model.Channel
	byFreq   map[int64]int
}

// Load 读取并解析配置文件
func Load(path string) (*Registry, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigParseError{Path: path, Reason: "cannot read config", Err: err}
	}
	reg, err := Parse(string(content))
	if err != nil {
		if pe, ok := err.(*ConfigParseError); ok {
			pe.Path = path
		}
		return nil, err
	}

	enabled := 0
	for _, ch := range reg.channels {
		if ch.Enabled {
			enabled++
		}
	}
	logger.Info("频点配置加载完成",
		logger.String("config", path),
		logger.Int("channels", len(reg.channels)),
		logger.Int("enabled", enabled))
	return reg, nil
}

// Parse 解析配置内容，按声明顺序返回每个频道块对应的 Channel。
func Parse(content string) (*Registry, error) {
	blocks, err := channelBlocks(stripComments(content))
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, &ConfigParseError{Reason: "no channel blocks declared"}
	}

	reg := &Registry{
		channels: make([]model.Channel, 0, len(blocks)),
		byFreq:   make(map[int64]int, len(blocks)),
	}
	// 频点文本同时是房间别名，精度 1 kHz
	byLabel := make(map[string]int, len(blocks))
	for i, body := range blocks {
		ch, err := parseBlock(body)
		if err != nil {
			err.Block = i + 1
			return nil, err
		}
		if prev, dup := reg.byFreq[ch.FrequencyHz]; dup {
			return nil, &ConfigParseError{
				Block:  i + 1,
				Reason: fmt.Sprintf("frequency %d already declared by channel block %d", ch.FrequencyHz, prev+1),
			}
		}
		label := model.FrequencyLabel(ch.FrequencyHz)
		if prev, dup := byLabel[label]; dup {
			return nil, &ConfigParseError{
				Block:  i + 1,
				Reason: fmt.Sprintf("frequency %d maps to the same room alias %s as channel block %d", ch.FrequencyHz, label, prev+1),
			}
		}
		byLabel[label] = len(reg.channels)
		reg.byFreq[ch.FrequencyHz] = len(reg.channels)
		reg.channels = append(reg.channels, ch)
	}
	return reg, nil
}

// NewRegistry 直接由 Channel 列表构造，主要用于测试和工具命令。
func NewRegistry(channels []model.Channel) *Registry {
	reg := &Registry{
		channels: append([]model.Channel(nil), channels...),
		byFreq:   make(map[int64]int, len(channels)),
	}
	for i, ch := range reg.channels {
		reg.byFreq[ch.FrequencyHz] = i
	}
	return reg
}

// Channels 按声明顺序返回全部频点（包含已禁用的）
func (r *Registry) Channels() []model.Channel {
	return append([]model.Channel(nil), r.channels...)
}

// Lookup 按频点查找
func (r *Registry) Lookup(frequencyHz int64) (model.Channel, bool) {
	i, ok := r.byFreq[frequencyHz]
	if !ok {
		return model.Channel{}, false
	}
	return r.channels[i], true
}

// Eligible 返回需要绑定房间的频点：启用的频点，以及在不跳过禁用频点时的全部频点。
func (r *Registry) Eligible(skipDisabled bool) []model.Channel {
	out := make([]model.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		if ch.Enabled || !skipDisabled {
			out = append(out, ch)
		}
	}
	return out
}

func parseBlock(body string) (model.Channel, *ConfigParseError) {
	settings, err := topLevelSettings(body)
	if err != nil {
		return model.Channel{}, &ConfigParseError{Reason: "malformed channel block", Err: err}
	}

	rawFreq, ok := settings["freq"]
	if !ok {
		if _, scan := settings["freqs"]; scan {
			return model.Channel{}, &ConfigParseError{Reason: "scan-mode channels (freqs) are not supported"}
		}
		return model.Channel{}, &ConfigParseError{Reason: "channel block has no freq setting"}
	}
	freq, err := ParseFrequency(rawFreq)
	if err != nil {
		return model.Channel{}, &ConfigParseError{Reason: fmt.Sprintf("invalid freq %q", rawFreq), Err: err}
	}

	ch := model.Channel{
		FrequencyHz: freq,
		Enabled:     true,
		Label:       model.FrequencyLabel(freq),
	}
	if v, ok := settings["disable"]; ok && isTrue(v) {
		ch.Enabled = false
	}
	if v, ok := settings["label"]; ok {
		if label := unquote(v); label != "" {
			ch.Label = label
		}
	}
	return ch, nil
}
