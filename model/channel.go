package model

import (
	"fmt"
	"time"
)

// Channel 接收机上的一个监听频点，启动时从 rtl_airband 配置中解析，之后只读。
// 频点（Hz）即身份。
type Channel struct {
	FrequencyHz int64  `json:"frequencyHz"`
	Label       string `json:"label"`
	Enabled     bool   `json:"enabled"`
}

// FrequencyLabel 返回形如 "146.145MHz" 的频点文本，同时用作房间别名的 localpart。
func FrequencyLabel(frequencyHz int64) string {
	return fmt.Sprintf("%.3fMHz", float64(frequencyHz)/1e6)
}

// Destination 频点绑定的聊天房间。
type Destination struct {
	Channel   Channel   `json:"channel"`
	RemoteID  string    `json:"remoteId"` // Matrix room id, e.g. !abc:example.org
	Alias     string    `json:"alias"`    // #146.145MHz:example.org
	CreatedAt time.Time `json:"createdAt"`
}
