package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FilenameParseError 文件名中找不到频点
type FilenameParseError struct {
	Path   string
	Reason string
}

func (e *FilenameParseError) Error() string {
	return fmt.Sprintf("cannot parse recording filename %s: %s", filepath.Base(e.Path), e.Reason)
}

// RecordingName 从文件名解析出的信息
type RecordingName struct {
	FrequencyHz int64
	RecordedAt  time.Time // 文件名不含时间戳时为零值
}

// ParseFilename 解析录音文件名。去掉扩展名后按 "_" 切分，相邻的 YYYYMMDD、HHMMSS
// 两段视为时间戳，其余全数字段中最后一个即频点（Hz）。
//
//	146145000_20240101_120000.mp3
//	tower_20240101_120000_146145000.mp3
func ParseFilename(path string) (RecordingName, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	tokens := strings.Split(name, "_")

	var out RecordingName
	timestamp := make([]bool, len(tokens))
	for i := 0; i+1 < len(tokens); i++ {
		if isDigits(tokens[i], 8) && isDigits(tokens[i+1], 6) {
			if t, err := time.ParseInLocation("20060102150405", tokens[i]+tokens[i+1], time.UTC); err == nil {
				out.RecordedAt = t
				timestamp[i], timestamp[i+1] = true, true
				i++
			}
		}
	}

	for i := len(tokens) - 1; i >= 0; i-- {
		if timestamp[i] || !isDigits(tokens[i], 0) {
			continue
		}
		freq, err := strconv.ParseInt(tokens[i], 10, 64)
		if err != nil || freq <= 0 {
			return out, &FilenameParseError{Path: path, Reason: fmt.Sprintf("invalid frequency token %q", tokens[i])}
		}
		out.FrequencyHz = freq
		return out, nil
	}
	return out, &FilenameParseError{Path: path, Reason: "no frequency token"}
}

// isDigits s 全为数字；n>0 时还要求长度恰为 n
func isDigits(s string, n int) bool {
	if s == "" || (n > 0 && len(s) != n) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
