package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/crypto"
	"github.com/edgelink/fleet/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const arnPrefix = "arn:fleet:iot:local:cert/"

// LocalIssuer 基于本地CA的凭证服务，身份、证书和绑定关系保存在数据库
type LocalIssuer struct {
	db      *gorm.DB
	ca      *crypto.CA
	certTTL time.Duration
	logger  *zap.Logger
}

// NewLocalIssuer 创建本地凭证服务
func NewLocalIssuer(db *gorm.DB, ca *crypto.CA, certTTL time.Duration, logger *zap.Logger) *LocalIssuer {
	return &LocalIssuer{
		db:      db,
		ca:      ca,
		certTTL: certTTL,
		logger:  logger.Named("credential"),
	}
}

// NewIssuer 按配置加载CA并创建凭证服务（Fx兼容）
func NewIssuer(db *gorm.DB, cfg *config.Config, logger *zap.Logger) (Issuer, error) {
	ca, err := crypto.LoadOrCreateCA(cfg.Credential.CACertFile, cfg.Credential.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}
	return NewLocalIssuer(db, ca, cfg.Credential.CertTTL, logger), nil
}

func (i *LocalIssuer) CreateThing(ctx context.Context, name, thingType string, attributes map[string]string) error {
	attrs, err := json.Marshal(attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	thing := &domain.Thing{Name: name, ThingType: thingType, Attributes: string(attrs)}
	if err := i.db.WithContext(ctx).Create(thing).Error; err != nil {
		return fmt.Errorf("failed to create thing %s: %w", name, err)
	}
	return nil
}

// UpdateThingAttributes 合并属性，已有键被覆盖
func (i *LocalIssuer) UpdateThingAttributes(ctx context.Context, name string, attributes map[string]string) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thing domain.Thing
		err := tx.Where("name = ?", name).First(&thing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		merged := map[string]string{}
		if thing.Attributes != "" {
			if err := json.Unmarshal([]byte(thing.Attributes), &merged); err != nil {
				return fmt.Errorf("failed to decode attributes: %w", err)
			}
		}
		for k, v := range attributes {
			merged[k] = v
		}

		encoded, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		return tx.Model(&domain.Thing{}).Where("name = ?", name).Update("attributes", string(encoded)).Error
	})
}

func (i *LocalIssuer) DeleteThing(ctx context.Context, name string) error {
	var count int64
	if err := i.db.WithContext(ctx).Model(&domain.CertificateAttachment{}).
		Where("kind = ? AND target = ?", domain.AttachmentPrincipal, name).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("thing %s still has %d attached principals", name, count)
	}

	tx := i.db.WithContext(ctx).Delete(&domain.Thing{}, "name = ?", name)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (i *LocalIssuer) CreateKeysAndCertificate(ctx context.Context, commonName string, active bool) (*KeysAndCertificate, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	cert, err := i.ca.IssueClientCert(kp.PublicKey, commonName, i.certTTL)
	if err != nil {
		return nil, err
	}
	keys, err := kp.ToPEM()
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(cert.Raw)
	certID := hex.EncodeToString(sum[:])
	status := domain.CertificateInactive
	if active {
		status = domain.CertificateActive
	}

	record := &domain.Certificate{
		ID:           certID,
		Arn:          arnPrefix + certID,
		SerialNumber: cert.SerialNumber.Text(16),
		Status:       status,
		PEM:          crypto.EncodeCertificatePEM(cert.Raw),
		NotAfter:     cert.NotAfter,
	}
	if err := i.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to store certificate: %w", err)
	}

	i.logger.Debug("Certificate issued",
		zap.String("certificate_id", certID),
		zap.String("common_name", commonName),
	)

	return &KeysAndCertificate{
		CertificateID:  certID,
		CertificateArn: record.Arn,
		CertificatePem: record.PEM,
		PublicKey:      keys.PublicKey,
		PrivateKey:     keys.PrivateKey,
	}, nil
}

func (i *LocalIssuer) DescribeCertificate(ctx context.Context, certificateID string) (*CertificateDescription, error) {
	var cert domain.Certificate
	err := i.db.WithContext(ctx).Where("id = ?", certificateID).First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &CertificateDescription{
		CertificateID:  cert.ID,
		CertificateArn: cert.Arn,
		Status:         cert.Status,
	}, nil
}

func (i *LocalIssuer) UpdateCertificateStatus(ctx context.Context, certificateID string, status domain.CertificateStatus) error {
	switch status {
	case domain.CertificateActive, domain.CertificateInactive, domain.CertificateRevoked:
	default:
		return fmt.Errorf("unsupported certificate status %q", status)
	}

	tx := i.db.WithContext(ctx).Model(&domain.Certificate{}).
		Where("id = ?", certificateID).
		Update("status", status)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCertificate 仅允许删除非激活且无绑定的证书
func (i *LocalIssuer) DeleteCertificate(ctx context.Context, certificateID string) error {
	cert, err := i.DescribeCertificate(ctx, certificateID)
	if err != nil {
		return err
	}
	if cert.Status == domain.CertificateActive {
		return fmt.Errorf("certificate %s is still active", certificateID)
	}

	var count int64
	if err := i.db.WithContext(ctx).Model(&domain.CertificateAttachment{}).
		Where("certificate_arn = ?", cert.CertificateArn).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("certificate %s still has %d attachments", certificateID, count)
	}

	return i.db.WithContext(ctx).Delete(&domain.Certificate{}, "id = ?", certificateID).Error
}

func (i *LocalIssuer) AttachPolicy(ctx context.Context, policyName, certificateArn string) error {
	return i.attach(ctx, domain.AttachmentPolicy, policyName, certificateArn)
}

func (i *LocalIssuer) DetachPolicy(ctx context.Context, policyName, certificateArn string) error {
	return i.detach(ctx, domain.AttachmentPolicy, policyName, certificateArn)
}

func (i *LocalIssuer) AttachThingPrincipal(ctx context.Context, thingName, certificateArn string) error {
	var count int64
	if err := i.db.WithContext(ctx).Model(&domain.Thing{}).Where("name = ?", thingName).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return i.attach(ctx, domain.AttachmentPrincipal, thingName, certificateArn)
}

func (i *LocalIssuer) DetachThingPrincipal(ctx context.Context, thingName, certificateArn string) error {
	return i.detach(ctx, domain.AttachmentPrincipal, thingName, certificateArn)
}

func (i *LocalIssuer) attach(ctx context.Context, kind domain.AttachmentKind, target, certificateArn string) error {
	var count int64
	if err := i.db.WithContext(ctx).Model(&domain.Certificate{}).Where("arn = ?", certificateArn).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}

	att := &domain.CertificateAttachment{CertificateArn: certificateArn, Kind: kind, Target: target}
	return i.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(att).Error
}

func (i *LocalIssuer) detach(ctx context.Context, kind domain.AttachmentKind, target, certificateArn string) error {
	return i.db.WithContext(ctx).
		Where("certificate_arn = ? AND kind = ? AND target = ?", certificateArn, kind, target).
		Delete(&domain.CertificateAttachment{}).Error
}
