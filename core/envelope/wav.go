package envelope

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
	wavChunkFrames      = 4096
)

// decodeWAV 时长取自文件头，包络通过一次顺序读取原始 PCM 得到。
func decodeWAV(f *os.File, cfg Config) (int64, []float64, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, nil, errors.New("not a valid wav file")
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return 0, nil, fmt.Errorf("%w: wav format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, nil, fmt.Errorf("locate pcm chunk: %w", err)
	}

	channels := int(dec.NumChans)
	bitDepth := int(dec.BitDepth)
	rate := int64(dec.SampleRate)
	bytesPerFrame := channels * bitDepth / 8
	if channels <= 0 || bitDepth <= 0 || rate <= 0 || bytesPerFrame <= 0 {
		return 0, nil, fmt.Errorf("invalid wav header: channels=%d bitDepth=%d rate=%d", channels, bitDepth, rate)
	}
	totalFrames := int64(dec.PCMSize) / int64(bytesPerFrame)
	if totalFrames == 0 {
		return 0, nil, ErrEmptyStream
	}
	durationMs := totalFrames * 1000 / rate

	fullScale := float64(int64(1) << (bitDepth - 1))
	buckets := cfg.Buckets
	peaks := make([]float64, buckets)

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  int(rate),
		},
		Data:           make([]int, wavChunkFrames*channels),
		SourceBitDepth: bitDepth,
	}

	var samples int64
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("read pcm: %w", err)
		}
		if n == 0 {
			break
		}
		for _, v := range buf.Data[:n] {
			frame := samples / int64(channels)
			samples++
			if frame >= totalFrames {
				continue
			}
			if bitDepth == 8 {
				// 8-bit WAV 为无符号样本
				v -= 128
			}
			if v < 0 {
				v = -v
			}
			b := bucketOf(frame, totalFrames, buckets)
			if p := float64(v) / fullScale; p > peaks[b] {
				peaks[b] = p
			}
		}
		if err != nil {
			break
		}
	}

	if got := samples / int64(channels); got < totalFrames {
		return 0, nil, fmt.Errorf("%w: %d of %d frames", ErrTruncated, got, totalFrames)
	}
	return durationMs, peaks, nil
}
