package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/repository"
	"go.uber.org/zap"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var activationCodePattern = regexp.MustCompile(`^AKM-[A-Z0-9]{10}$`)

// ValidActivationCode 校验激活码格式
func ValidActivationCode(code string) bool {
	return activationCodePattern.MatchString(code)
}

// GenerateActivationCode 生成 AKM- 前缀加10位大写字母数字的激活码
func GenerateActivationCode() (string, error) {
	buf := make([]byte, domain.ActivationCodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate activation code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return domain.ActivationCodePrefix + string(buf), nil
}

// codeIssuer 以“不存在才写入”的方式保存激活码，冲突时换新码重试
type codeIssuer struct {
	codes       repository.ActivationCodeRepository
	generate    func() (string, error)
	maxAttempts int
	logger      *zap.Logger
}

func (c *codeIssuer) issue(ctx context.Context, record domain.ActivationCode) (string, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		code, err := c.generate()
		if err != nil {
			return "", err
		}

		record.Code = code
		err = c.codes.Create(ctx, &record)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, repository.ErrConditionFailed) {
			return "", fmt.Errorf("store activation code: %w", err)
		}
		c.logger.Info("Activation code collision, retrying",
			zap.Int("attempt", attempt),
			zap.String("device_id", record.DeviceID),
		)
	}
	return "", fmt.Errorf("activation code generation exhausted after %d attempts", c.maxAttempts)
}
