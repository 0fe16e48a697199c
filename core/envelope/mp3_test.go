package envelope

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// testdata/speech_after_silence.mp3: MPEG-2 Layer III, 22050Hz 单声道 48kbps CBR，
// 共 80 帧（每帧 576 个采样）：前 30 帧为数字静音，后 50 帧为语音。
const (
	fixtureMP3        = "testdata/speech_after_silence.mp3"
	fixtureFrames     = 80
	fixtureSilent     = 30
	fixtureFrameBytes = 156 // 静音帧不带 padding
)

func readFixture(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(fixtureMP3)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractMP3(t *testing.T) {
	env, err := NewExtractor(Config{Buckets: 4, Normalize: false}).Extract(fixtureMP3)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	// 80 * 576 / 22050 s
	if env.DurationMs != 2089 {
		t.Errorf("DurationMs = %d, want 2089", env.DurationMs)
	}
	if len(env.Samples) != 4 {
		t.Fatalf("len(Samples) = %d, want 4", len(env.Samples))
	}
	for i, s := range env.Samples {
		if s < 0 || s > 1 {
			t.Errorf("Samples[%d] = %v, out of [0,1]", i, s)
		}
	}
	// 桶 0、1 起点落在静音段，桶 2、3 落在语音段
	if env.Samples[0] != 0 || env.Samples[1] != 0 {
		t.Errorf("silent buckets = %v, want 0", env.Samples[:2])
	}
	for i := 2; i < 4; i++ {
		if env.Samples[i] <= env.Samples[1] {
			t.Errorf("Samples[%d] = %v, want louder than silence", i, env.Samples[i])
		}
	}
}

func TestExtractMP3DefaultBuckets(t *testing.T) {
	env, err := NewExtractor(Config{Normalize: true}).Extract(fixtureMP3)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(env.Samples) != DefaultBuckets {
		t.Fatalf("len(Samples) = %d, want %d", len(env.Samples), DefaultBuckets)
	}

	max := 0.0
	for i, s := range env.Samples {
		if s < 0 || s > 1 {
			t.Errorf("Samples[%d] = %v, out of [0,1]", i, s)
		}
		if s > max {
			max = s
		}
	}
	if max != 1 {
		t.Errorf("loudest bucket = %v, want 1 after normalization", max)
	}
	// 每桶 0.8 帧，前 36 个桶完全落在静音段
	for i := 0; i < 36; i++ {
		if env.Samples[i] != 0 {
			t.Errorf("Samples[%d] = %v, want 0", i, env.Samples[i])
		}
	}
}

func TestExtractTruncatedMP3(t *testing.T) {
	data := readFixture(t)

	tests := []struct {
		name string
		size int
	}{
		{"last frame cut", len(data) - 50},
		{"cut at two thirds", len(data) * 2 / 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, "cut.mp3", data[:tt.size])
			_, err := NewExtractor(Config{}).Extract(path)
			var de *AudioDecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Extract() error = %v, want *AudioDecodeError", err)
			}
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("Extract() error = %v, want ErrTruncated", err)
			}
		})
	}
}

// infoFrame 用一个静音帧承载 Info 头，声明 frames 个音频帧
func infoFrame(t *testing.T, data []byte, frames uint32) []byte {
	t.Helper()
	frame := append([]byte(nil), data[:fixtureFrameBytes]...)
	// 4 字节帧头 + 9 字节 MPEG-2 单声道 side info
	copy(frame[13:], "Info")
	binary.BigEndian.PutUint32(frame[17:], 0x01)
	binary.BigEndian.PutUint32(frame[21:], frames)
	return frame
}

func TestExtractMP3InfoFrameCount(t *testing.T) {
	data := readFixture(t)

	intact := append(infoFrame(t, data, fixtureFrames), data...)
	if _, err := NewExtractor(Config{}).Extract(writeTemp(t, "intact.mp3", intact)); err != nil {
		t.Errorf("Extract(intact) error = %v", err)
	}

	// 恰好在帧边界截断，只能靠 Info 头发现
	cut := append(infoFrame(t, data, fixtureFrames), data[:fixtureFrameBytes*(fixtureSilent-10)]...)
	_, err := NewExtractor(Config{}).Extract(writeTemp(t, "cut.mp3", cut))
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Extract(cut) error = %v, want ErrTruncated", err)
	}
}
