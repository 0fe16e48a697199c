package pipeline

import (
	"context"
	"errors"
	"os"

	"AirbandBridge/core/channel"
	"AirbandBridge/core/envelope"
	"AirbandBridge/core/matrix"
)

// ErrUnknownChannel 文件名中的频点不在频点配置里
var ErrUnknownChannel = errors.New("frequency is not a configured channel")

// ErrorKind 返回用于日志和指标的稳定错误分类
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		configErr   *channel.ConfigParseError
		nameErr     *FilenameParseError
		decodeErr   *envelope.AudioDecodeError
		limited     *matrix.RateLimitedError
		unavailable *matrix.RemoteUnavailableError
		rejected    *matrix.RemoteError
	)
	switch {
	case errors.As(err, &configErr):
		return "config_parse"
	case errors.As(err, &nameErr):
		return "filename_parse"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.As(err, &decodeErr):
		return "audio_decode"
	case errors.As(err, &limited):
		return "rate_limited"
	case errors.As(err, &unavailable):
		return "remote_unavailable"
	case errors.As(err, &rejected):
		return "remote_rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, os.ErrNotExist):
		return "not_found"
	default:
		return "internal"
	}
}
