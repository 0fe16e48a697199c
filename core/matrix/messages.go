package matrix

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MaxWaveformValue MSC1767 波形取值上限
const MaxWaveformValue = 1024

// VoiceMessage 一条语音消息
type VoiceMessage struct {
	Body       string // 展示名，通常是文件名
	MediaURI   string // mxc://...
	MimeType   string
	Size       int64
	DurationMs int64
	Waveform   []float64 // [0,1]，发送时缩放到 0..1024
	TxnID      string    // 为空时自动生成；重试时复用以便服务端去重
}

// NewTxnID 生成事务 ID
func NewTxnID() string {
	return uuid.NewString()
}

// UploadMedia 上传文件内容，返回 mxc:// URI
func (c *Client) UploadMedia(ctx context.Context, data []byte, contentType, filename string) (string, error) {
	var uri id.ContentURI
	err := c.call(ctx, "upload media", func(ctx context.Context, api *mautrix.Client) error {
		resp, err := api.UploadBytesWithName(ctx, data, contentType, filename)
		if err != nil {
			return err
		}
		uri = resp.ContentURI
		return nil
	})
	if err != nil {
		return "", err
	}
	if uri.FileID == "" {
		return "", &RemoteUnavailableError{Op: "upload media", Err: fmt.Errorf("upload response has no content_uri")}
	}
	return uri.String(), nil
}

// Waveform 把 [0,1] 的包络缩放为 MSC1767 的 0..1024 整数
func Waveform(samples []float64) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		v := int(math.Round(s * MaxWaveformValue))
		if v < 0 {
			v = 0
		}
		if v > MaxWaveformValue {
			v = MaxWaveformValue
		}
		out[i] = v
	}
	return out
}

// voiceContent 构造 m.audio 事件内容，带 MSC1767 音频与 MSC3245 语音标记
func voiceContent(msg VoiceMessage) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: event.MsgAudio,
		Body:    msg.Body,
		URL:     id.ContentURIString(msg.MediaURI),
		Info: &event.FileInfo{
			MimeType: msg.MimeType,
			Size:     int(msg.Size),
			Duration: int(msg.DurationMs),
		},
		MSC1767Audio: &event.MSC1767Audio{
			Duration: int(msg.DurationMs),
			Waveform: Waveform(msg.Waveform),
		},
		MSC3245Voice: &event.MSC3245Voice{},
	}
}

// SendVoiceMessage 发送语音消息，返回事件 ID。重试时复用 TxnID，服务端据此去重。
func (c *Client) SendVoiceMessage(ctx context.Context, roomID string, msg VoiceMessage) (string, error) {
	if msg.TxnID == "" {
		msg.TxnID = NewTxnID()
	}
	var eventID id.EventID
	err := c.call(ctx, "send message", func(ctx context.Context, api *mautrix.Client) error {
		resp, err := api.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, voiceContent(msg),
			mautrix.ReqSendEvent{TransactionID: msg.TxnID})
		if err != nil {
			return err
		}
		eventID = resp.EventID
		return nil
	})
	if err != nil {
		return "", err
	}
	return eventID.String(), nil
}
