package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSignatureMissing 签名头缺失或格式错误
	ErrSignatureMissing = errors.New("signature header malformed")
	// ErrSignatureMismatch 签名不匹配
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrSignatureExpired 时间戳超出容忍范围
	ErrSignatureExpired = errors.New("signature timestamp outside tolerance")
)

// WebhookSignatureVerifier 支付回调签名验证器
//
// 签名头格式为 "t=<unix秒>,v1=<hex>"，签名内容为 "<t>.<body>" 的 HMAC-SHA256。
type WebhookSignatureVerifier struct {
	secret    []byte
	tolerance time.Duration // 允许的时钟偏差
	now       func() time.Time
}

// NewWebhookSignatureVerifier 创建回调签名验证器
func NewWebhookSignatureVerifier(secret string, tolerance time.Duration, now func() time.Time) *WebhookSignatureVerifier {
	if now == nil {
		now = time.Now
	}
	return &WebhookSignatureVerifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       now,
	}
}

// Verify 校验签名头与请求体
func (v *WebhookSignatureVerifier) Verify(body []byte, header string) error {
	if len(v.secret) == 0 {
		return errors.New("webhook secret not configured")
	}

	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	// 防止重放
	diff := v.now().Sub(time.Unix(timestamp, 0))
	if diff < 0 {
		diff = -diff
	}
	if diff > v.tolerance {
		return ErrSignatureExpired
	}

	expected := v.compute(timestamp, body)
	for _, sig := range signatures {
		if hmac.Equal(expected, sig) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// Sign 生成签名头，测试和本地调试使用
func (v *WebhookSignatureVerifier) Sign(body []byte, timestamp time.Time) string {
	t := timestamp.Unix()
	return fmt.Sprintf("t=%d,v1=%s", t, hex.EncodeToString(v.compute(t, body)))
}

func (v *WebhookSignatureVerifier) compute(timestamp int64, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, error) {
	var (
		timestamp  int64
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			t, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, ErrSignatureMissing
			}
			timestamp = t
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, ErrSignatureMissing
	}
	return timestamp, signatures, nil
}
