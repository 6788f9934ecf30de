package service

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidActivationCode 激活码不存在、格式错误或已被使用
	ErrInvalidActivationCode = errors.New("activation code invalid")
	// ErrAlreadyActivated 设备已激活或属于其他用户
	ErrAlreadyActivated = errors.New("device already activated or owned by another user")
	// ErrDeviceNotFound 设备不存在
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidSignature 回调签名校验失败
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidationError 请求参数错误，在访问存储前返回
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError 判断是否为参数错误
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// deviceIDPattern 设备标识：字母数字、下划线、连字符，最长64
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidDeviceID 校验设备标识格式
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// userIDPattern 用户标识会进入主题路径，不允许 / + # * 等通配字符
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@:-]{1,128}$`)

// ValidUserID 校验用户标识格式
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func validatePlanDays(field string, days *int) error {
	if days == nil {
		return nil
	}
	if *days < 1 || *days > 365 {
		return invalid(field, "must be between 1 and 365")
	}
	return nil
}
