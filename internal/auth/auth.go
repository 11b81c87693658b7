// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TokenConfig 签发会话令牌所需的密钥与有效期
type TokenConfig struct {
	Secret     []byte
	Expiration time.Duration
}

// Token 一次冒险会话的身份令牌
// 匿名读者同样可以持有令牌，UserID 为客户端生成的标识
type Token struct {
	UserID    string            `json:"user_id"`
	ExpiresAt int64             `json:"expires_at"`
	IssuedAt  int64             `json:"issued_at"`
	Claims    map[string]string `json:"claims,omitempty"`
}

var (
	ErrMissingSecret    = errors.New("缺少令牌签名密钥")
	ErrMalformedToken   = errors.New("令牌格式无效")
	ErrBadSignature     = errors.New("令牌签名校验失败")
	ErrTokenExpired     = errors.New("令牌已过期")
)

// sign 计算载荷的HMAC-SHA256签名
func sign(payload []byte, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// GenerateToken 为指定归属标识签发令牌
// 令牌形如 base64(json载荷).base64(签名)
func GenerateToken(userID string, config *TokenConfig) (string, error) {
	if config == nil || len(config.Secret) == 0 {
		return "", ErrMissingSecret
	}

	now := time.Now()
	token := Token{
		UserID:    userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(config.Expiration).Unix(),
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s.%s",
		base64.RawURLEncoding.EncodeToString(payload),
		base64.RawURLEncoding.EncodeToString(sign(payload, config.Secret)),
	), nil
}

// ParseToken 校验签名与有效期并还原令牌
func ParseToken(tokenString string, config *TokenConfig) (*Token, error) {
	if config == nil || len(config.Secret) == 0 {
		return nil, ErrMissingSecret
	}

	encodedPayload, encodedSignature, found := strings.Cut(tokenString, ".")
	if !found {
		return nil, ErrMalformedToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, ErrMalformedToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return nil, ErrMalformedToken
	}

	if !hmac.Equal(signature, sign(payload, config.Secret)) {
		return nil, ErrBadSignature
	}

	var token Token
	if err := json.Unmarshal(payload, &token); err != nil {
		return nil, ErrMalformedToken
	}
	if token.UserID == "" {
		return nil, ErrMalformedToken
	}
	if time.Now().Unix() > token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// GenerateSecureKey 生成指定长度的随机签名密钥
func GenerateSecureKey(length int) ([]byte, error) {
	if length <= 0 {
		length = 32
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
