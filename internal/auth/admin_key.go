package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// AdminKeyVerifier 校验管理员 API 密钥，只保存 bcrypt 哈希
type AdminKeyVerifier struct {
	hash []byte
}

// NewAdminKeyVerifier 创建管理员密钥校验器
func NewAdminKeyVerifier(hash string) *AdminKeyVerifier {
	return &AdminKeyVerifier{hash: []byte(hash)}
}

// Enabled 是否配置了管理员密钥
func (v *AdminKeyVerifier) Enabled() bool {
	return len(v.hash) > 0
}

// Verify 校验明文密钥
func (v *AdminKeyVerifier) Verify(key string) error {
	if !v.Enabled() {
		return errors.New("admin key not configured")
	}
	if key == "" {
		return errors.New("admin key required")
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
		return errors.New("admin key mismatch")
	}
	return nil
}

// HashAdminKey 生成配置用的 bcrypt 哈希
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
