package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// pageCursor 键集分页游标，对调用方不透明
type pageCursor struct {
	ExpiresAt int64  `json:"e,omitempty"`
	DeviceID  string `json:"k"`
}

func encodeCursor(c pageCursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (*pageCursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid page token: %w", err)
	}
	var c pageCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid page token: %w", err)
	}
	if c.DeviceID == "" {
		return nil, fmt.Errorf("invalid page token: missing key")
	}
	return &c, nil
}
