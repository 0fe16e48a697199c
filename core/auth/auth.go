package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword generates a bcrypt hash of the password.
// 用于生成 STATUS_PASSWORD_HASH。
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}

// CheckPasswordHash compares a password with a bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// BasicAuth 状态接口的 HTTP Basic 认证
type BasicAuth struct {
	User         string
	PasswordHash string
	Realm        string
}

// Enabled 未配置密码哈希时不做认证
func (b BasicAuth) Enabled() bool { return b.PasswordHash != "" }

// Check 校验请求携带的用户名和密码
func (b BasicAuth) Check(r *http.Request) bool {
	user, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(b.User)) != 1 {
		return false
	}
	return CheckPasswordHash(password, b.PasswordHash)
}

// Middleware 认证失败返回 401
func (b BasicAuth) Middleware(next http.Handler) http.Handler {
	if !b.Enabled() {
		return next
	}
	realm := b.Realm
	if realm == "" {
		realm = "airband"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.Check(r) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
