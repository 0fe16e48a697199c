// Package matrix 在 mautrix 之上封装桥接所需的 Matrix 操作：
// 登录与重新认证、房间别名解析与创建、媒体上传、发送语音消息。
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"AirbandBridge/logger"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "airband-bridge"
)

// Config 客户端配置
type Config struct {
	HomeserverURL string
	User          string // localpart 或完整 user id
	Password      string
	JWTSecret     string // 非空时使用 org.matrix.login.jwt 登录
	Domain        string
	DeviceName    string
	Timeout       time.Duration // 单次请求超时
}

// Client Matrix 客户端，可并发使用。
// 每次登录都创建新的 mautrix.Client，会话内不修改它的字段。
type Client struct {
	cfg        Config
	httpClient *http.Client

	mu         sync.RWMutex
	api        *mautrix.Client // nil 表示尚未登录
	deviceID   id.DeviceID
	generation uint64 // 每次成功认证递增

	authMu sync.Mutex // 串行化重新认证
}

// NewClient 创建客户端，不发起网络请求；首次调用 API 时自动登录
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "airband-bridge"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// UserID 当前登录的用户
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.api == nil {
		return ""
	}
	return c.api.UserID.String()
}

func (c *Client) session() (*mautrix.Client, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.api, c.generation
}

// newAPI 创建绑定到一个访问令牌的 mautrix 客户端；重试由调用方负责
func (c *Client) newAPI(userID id.UserID, accessToken string) (*mautrix.Client, error) {
	api, err := mautrix.NewClient(c.cfg.HomeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver url %q: %w", c.cfg.HomeserverURL, err)
	}
	api.Client = c.httpClient
	api.UserAgent = userAgent
	api.DefaultHTTPRetries = 0
	return api, nil
}

// call 执行需要认证的操作。令牌失效时重新认证一次并重试一次。
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context, api *mautrix.Client) error) error {
	api, gen := c.session()
	if api == nil {
		if err := c.reauthenticate(ctx, gen); err != nil {
			return err
		}
		api, gen = c.session()
	}

	err := c.do(ctx, op, api, fn)
	if !errors.Is(err, ErrSessionExpired) {
		return err
	}

	logger.Warn("Matrix 会话失效，重新认证", logger.String("op", op))
	if err := c.reauthenticate(ctx, gen); err != nil {
		return err
	}
	api, _ = c.session()
	return c.do(ctx, op, api, fn)
}

// do 单次调用：独立的超时，错误映射为本包的类型化错误
func (c *Client) do(ctx context.Context, op string, api *mautrix.Client, fn func(ctx context.Context, api *mautrix.Client) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return mapError(op, fn(ctx, api))
}
