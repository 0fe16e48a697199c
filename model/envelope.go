package model

// Envelope 录音的时长与振幅包络（波形），每个文件处理时重新计算，不落库。
type Envelope struct {
	DurationMs int64     `json:"durationMs"`
	Samples    []float64 `json:"samples"` // 固定桶数，每个值归一化到 [0,1]
}
