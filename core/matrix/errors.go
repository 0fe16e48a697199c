package matrix

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix"
)

// ErrSessionExpired 访问令牌失效（401 M_UNKNOWN_TOKEN）。
// 客户端内部会重新认证一次，调用方一般看不到它。
var ErrSessionExpired = errors.New("matrix session expired")

// RemoteUnavailableError 网络错误、超时或 5xx，可重试
type RemoteUnavailableError struct {
	Op     string
	Status int // 0 表示请求未得到响应
	Err    error
}

func (e *RemoteUnavailableError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("matrix %s: server unavailable (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("matrix %s: server unavailable: %v", e.Op, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() error { return e.Err }

// RateLimitedError 429 或 M_LIMIT_EXCEEDED，携带服务端建议的等待时间
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("matrix %s: rate limited, retry after %s: %s", e.Op, e.RetryAfter, e.Message)
}

// RetryAfterHint 供 retry 包读取等待时间
func (e *RateLimitedError) RetryAfterHint() time.Duration { return e.RetryAfter }

// RemoteError 服务端拒绝了请求（其余 4xx），不可重试
type RemoteError struct {
	Op      string
	Status  int
	Code    string // Matrix errcode，例如 M_FORBIDDEN
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("matrix %s: HTTP %d %s: %s", e.Op, e.Status, e.Code, e.Message)
}

// Is 让 errors.Is(err, ErrSessionExpired) 匹配令牌失效
func (e *RemoteError) Is(target error) bool {
	return target == ErrSessionExpired && e.Status == http.StatusUnauthorized && e.Code == mautrix.MUnknownToken.ErrCode
}

// IsTransient 错误是否值得重试
func IsTransient(err error) bool {
	var unavailable *RemoteUnavailableError
	var limited *RateLimitedError
	return errors.As(err, &unavailable) || errors.As(err, &limited)
}

// IsNotFound 资源不存在（例如别名未注册）
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && (re.Status == http.StatusNotFound || re.Code == mautrix.MNotFound.ErrCode)
}

// IsRoomInUse 创建房间时别名已被占用
func IsRoomInUse(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == "M_ROOM_IN_USE"
}

// mapError 把 mautrix 返回的错误映射为上面的类型。
// 没有 HTTP 响应的（连接失败、超时）都视为服务不可用。
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Response == nil {
		return &RemoteUnavailableError{Op: op, Err: err}
	}

	status := httpErr.Response.StatusCode
	var code, msg string
	var retryAfterMs int64
	if re := httpErr.RespError; re != nil {
		code = re.ErrCode
		msg = re.Err
		if v, ok := re.ExtraData["retry_after_ms"].(float64); ok {
			retryAfterMs = int64(v)
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests || code == mautrix.MLimitExceeded.ErrCode:
		return &RateLimitedError{Op: op, RetryAfter: retryAfter(retryAfterMs, httpErr.Response.Header.Get("Retry-After")), Message: msg}
	case status >= 500:
		return &RemoteUnavailableError{Op: op, Status: status, Err: errors.New(msg)}
	case status < 400:
		// 2xx 但响应体无法解析
		return &RemoteUnavailableError{Op: op, Status: status, Err: err}
	default:
		return &RemoteError{Op: op, Status: status, Code: code, Message: msg}
	}
}

// retryAfter 优先使用 retry_after_ms，其次是 Retry-After 头（秒或 HTTP 日期）
func retryAfter(ms int64, header string) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
