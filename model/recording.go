package model

import "time"

// RecordingState 录音文件在摄取流水线中的状态
type RecordingState string

const (
	RecordingDiscovered RecordingState = "discovered"
	RecordingSettling   RecordingState = "settling"
	RecordingSettled    RecordingState = "settled"
	RecordingProcessing RecordingState = "processing"
	RecordingPublished  RecordingState = "published"
	RecordingSkipped    RecordingState = "skipped"
	RecordingFailed     RecordingState = "failed"
	// 文件在进入 processing 之前消失，任务被静默取消
	RecordingCancelled RecordingState = "cancelled"
)

// Terminal 是否为终态
func (s RecordingState) Terminal() bool {
	switch s {
	case RecordingPublished, RecordingSkipped, RecordingFailed, RecordingCancelled:
		return true
	default:
		return false
	}
}

// Transition 一次状态迁移，推送给指标、台账、WebSocket 等观察者。
type Transition struct {
	Path        string         `json:"path"`
	FrequencyHz int64          `json:"frequencyHz,omitempty"`
	From        RecordingState `json:"from"`
	To          RecordingState `json:"to"`
	Reason      string         `json:"reason,omitempty"`
	RoomID      string         `json:"roomId,omitempty"`
	EventID     string         `json:"eventId,omitempty"`
	MediaURI    string         `json:"mediaUri,omitempty"`
	DurationMs  int64          `json:"durationMs,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	ErrorKind   string         `json:"errorKind,omitempty"`
	Error       string         `json:"error,omitempty"`
	At          time.Time      `json:"at"`
}
