package model

import "time"

// PublishRecord 发布台账（MySQL），每个进入终态的录音写一行，仅供运维审计。
type PublishRecord struct {
	ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Path        string    `json:"path" gorm:"size:767;not null"`
	FileName    string    `json:"fileName" gorm:"size:255;index;not null"`
	FrequencyHz int64     `json:"frequencyHz" gorm:"index"`
	State       string    `json:"state" gorm:"size:20;index;not null"`
	Reason      string    `json:"reason,omitempty" gorm:"size:255"`
	RoomID      string    `json:"roomId,omitempty" gorm:"size:255"`
	EventID     string    `json:"eventId,omitempty" gorm:"size:255"`
	MediaURI    string    `json:"mediaUri,omitempty" gorm:"size:255"`
	DurationMs  int64     `json:"durationMs"`
	Attempts    int       `json:"attempts"`
	ErrorKind   string    `json:"errorKind,omitempty" gorm:"size:50"`
	Error       string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt" gorm:"index"`
}

// TableName 指定表名
func (PublishRecord) TableName() string {
	return "publish_records"
}

// NewPublishRecord 由终态迁移构造台账记录
func NewPublishRecord(fileName string, t Transition) *PublishRecord {
	return &PublishRecord{
		Path:        t.Path,
		FileName:    fileName,
		FrequencyHz: t.FrequencyHz,
		State:       string(t.To),
		Reason:      t.Reason,
		RoomID:      t.RoomID,
		EventID:     t.EventID,
		MediaURI:    t.MediaURI,
		DurationMs:  t.DurationMs,
		Attempts:    t.Attempts,
		ErrorKind:   t.ErrorKind,
		Error:       t.Error,
		CreatedAt:   t.At,
	}
}
