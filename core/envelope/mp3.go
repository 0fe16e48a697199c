package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
)

const (
	// go-mp3 始终输出 16-bit 小端双声道 PCM
	mp3BytesPerFrame = 4
	// 一个 MPEG 帧解码后的 PCM 字节数：MPEG-1 1152 个采样，MPEG-2 576 个
	mpeg1FrameBytes = 1152 * mp3BytesPerFrame
	mpeg2FrameBytes = 576 * mp3BytesPerFrame
)

// decodeMP3 时长来自解码器在可 seek 文件上建立的帧索引，不做全量解码；
// 每个桶只 seek 到起点解码一个短窗口取峰值，最后单独把末帧解码到 EOF。
func decodeMP3(f *os.File, cfg Config) (int64, []float64, error) {
	xingFrames, hasXing := readXingFrames(f)

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return 0, nil, fmt.Errorf("open mp3 stream: %w", err)
	}

	length := dec.Length()
	rate := int64(dec.SampleRate())
	if length <= 0 || rate <= 0 {
		return 0, nil, ErrEmptyStream
	}
	totalFrames := length / mp3BytesPerFrame
	if totalFrames == 0 {
		return 0, nil, ErrEmptyStream
	}

	frameBytes := int64(mpeg1FrameBytes)
	if rate < 32000 {
		frameBytes = mpeg2FrameBytes
	}
	if hasXing && length/frameBytes < xingFrames {
		return 0, nil, fmt.Errorf("%w: %d of %d mpeg frames", ErrTruncated, length/frameBytes, xingFrames)
	}
	durationMs := totalFrames * 1000 / rate

	buckets := cfg.Buckets
	peaks := make([]float64, buckets)
	window := make([]byte, cfg.WindowFrames*mp3BytesPerFrame)

	for i := 0; i < buckets; i++ {
		start := totalFrames * int64(i) / int64(buckets)
		end := totalFrames * int64(i+1) / int64(buckets)
		span := end - start
		if span <= 0 {
			span = 1
		}
		n := int64(cfg.WindowFrames)
		if span < n {
			n = span
		}
		if start+n > totalFrames {
			n = totalFrames - start
		}

		if _, err := dec.Seek(start*mp3BytesPerFrame, io.SeekStart); err != nil {
			return 0, nil, mp3ReadError(fmt.Sprintf("seek to frame %d", start), err)
		}
		read, err := io.ReadFull(dec, window[:n*mp3BytesPerFrame])
		if err != nil {
			return 0, nil, mp3ReadError(fmt.Sprintf("decode bucket %d", i), err)
		}
		peaks[i] = peak16(window[:read])
	}

	if err := checkLastFrame(dec, length, frameBytes); err != nil {
		return 0, nil, err
	}
	return durationMs, peaks, nil
}

// checkLastFrame 帧索引会把被截断的末帧也算进去，只有真正解码它才能发现
func checkLastFrame(dec *mp3.Decoder, length, frameBytes int64) error {
	start := length - frameBytes
	if start < 0 {
		start = 0
	}
	if _, err := dec.Seek(start, io.SeekStart); err != nil {
		return mp3ReadError("seek to last frame", err)
	}
	tail, err := io.ReadAll(dec)
	if err != nil {
		return mp3ReadError("decode last frame", err)
	}
	if got := int64(len(tail)); got < length-start {
		return fmt.Errorf("%w: last frame decoded %d of %d bytes", ErrTruncated, got, length-start)
	}
	return nil
}

// mp3ReadError 索引范围内读到 EOF 说明文件比帧头声明的短
func mp3ReadError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: %v", ErrTruncated, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// readXingFrames 读取首帧中 Xing/Info 头记录的帧数（不含该头所在帧）。
// 用 ReadAt 读取，不影响解码器的读位置。
func readXingFrames(f *os.File) (int64, bool) {
	head := make([]byte, 10)
	if _, err := f.ReadAt(head, 0); err != nil {
		return 0, false
	}

	var offset int64
	if string(head[:3]) == "ID3" {
		size := int64(head[6])<<21 | int64(head[7])<<14 | int64(head[8])<<7 | int64(head[9])
		offset = 10 + size
		if head[5]&0x10 != 0 {
			offset += 10
		}
	}

	frame := make([]byte, 64)
	n, err := f.ReadAt(frame, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, false
	}
	frame = frame[:n]
	if len(frame) < 4 || frame[0] != 0xFF || frame[1]&0xE0 != 0xE0 {
		return 0, false
	}

	version := (frame[1] >> 3) & 0x03
	mono := frame[3]>>6 == 0x03
	pos := 4
	if frame[1]&0x01 == 0 {
		pos += 2 // CRC
	}
	switch {
	case version == 0x03 && mono:
		pos += 17
	case version == 0x03:
		pos += 32
	case mono:
		pos += 9
	default:
		pos += 17
	}

	if len(frame) < pos+12 {
		return 0, false
	}
	tag := frame[pos : pos+4]
	if !bytes.Equal(tag, []byte("Xing")) && !bytes.Equal(tag, []byte("Info")) {
		return 0, false
	}
	flags := binary.BigEndian.Uint32(frame[pos+4:])
	if flags&0x01 == 0 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint32(frame[pos+8:])), true
}

// peak16 16-bit 小端样本的峰值，相对满幅
func peak16(pcm []byte) float64 {
	var max int32
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return float64(max) / 32768
}
