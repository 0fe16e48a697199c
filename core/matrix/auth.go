package matrix

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"maunium.net/go/mautrix"

	"AirbandBridge/logger"
)

const (
	jwtLifetime = 5 * time.Minute
	authTypeJWT = mautrix.AuthType("org.matrix.login.jwt")
)

// localpart 从 @user:domain 或 user 中取出 user
func (c *Client) localpart() string {
	u := strings.TrimPrefix(c.cfg.User, "@")
	if i := strings.IndexByte(u, ':'); i >= 0 {
		u = u[:i]
	}
	return u
}

// loginToken 为 org.matrix.login.jwt 签发 HS256 令牌，sub 为 localpart
func (c *Client) loginToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.localpart(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.JWTSecret))
}

// Login 使用密码或 JWT 登录，成功后替换当前会话
func (c *Client) Login(ctx context.Context) error {
	anon, err := c.newAPI("", "")
	if err != nil {
		return err
	}

	c.mu.RLock()
	req := &mautrix.ReqLogin{
		DeviceID:                 c.deviceID,
		InitialDeviceDisplayName: c.cfg.DeviceName,
	}
	c.mu.RUnlock()

	if c.cfg.JWTSecret != "" {
		token, err := c.loginToken()
		if err != nil {
			return fmt.Errorf("matrix login: sign jwt: %w", err)
		}
		req.Type = authTypeJWT
		req.Token = token
	} else {
		req.Type = mautrix.AuthTypePassword
		req.Identifier = mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: c.localpart()}
		req.Password = c.cfg.Password
	}

	var resp *mautrix.RespLogin
	err = c.do(ctx, "login", anon, func(ctx context.Context, api *mautrix.Client) error {
		var err error
		resp, err = api.Login(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return &RemoteUnavailableError{Op: "login", Err: fmt.Errorf("login response has no access_token")}
	}

	api, err := c.newAPI(resp.UserID, resp.AccessToken)
	if err != nil {
		return err
	}
	api.DeviceID = resp.DeviceID

	c.mu.Lock()
	c.api = api
	if resp.DeviceID != "" {
		c.deviceID = resp.DeviceID
	}
	c.generation++
	c.mu.Unlock()

	logger.Info("Matrix 登录成功",
		logger.String("userId", resp.UserID.String()),
		logger.String("deviceId", string(resp.DeviceID)))
	return nil
}

// RefreshSession 重新登录换取新的访问令牌，沿用上次的设备 ID
func (c *Client) RefreshSession(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		logger.Warn("刷新 Matrix 会话失败", logger.ErrorField(err))
		return err
	}
	return nil
}

// reauthenticate 只有在 seen 仍是当前会话代数时才刷新；并发失效只会认证一次
func (c *Client) reauthenticate(ctx context.Context, seen uint64) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	api, gen := c.session()
	if gen != seen && api != nil {
		return nil
	}
	return c.RefreshSession(ctx)
}
