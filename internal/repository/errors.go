package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConditionFailed 条件写入的前置条件不成立（记录存在但状态不匹配，或插入时已存在）
	ErrConditionFailed = errors.New("conditional check failed")
)

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
