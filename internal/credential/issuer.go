// Package credential 设备身份与证书签发
package credential

import (
	"context"
	"errors"

	"github.com/edgelink/fleet/internal/domain"
)

// ErrNotFound 身份或证书不存在
var ErrNotFound = errors.New("credential resource not found")

// KeysAndCertificate 新签发的证书和密钥，私钥只返回一次
type KeysAndCertificate struct {
	CertificateID  string
	CertificateArn string
	CertificatePem string
	PublicKey      string
	PrivateKey     string
}

// CertificateDescription 证书描述
type CertificateDescription struct {
	CertificateID  string
	CertificateArn string
	Status         domain.CertificateStatus
}

// Issuer 凭证签发服务
type Issuer interface {
	CreateThing(ctx context.Context, name, thingType string, attributes map[string]string) error
	UpdateThingAttributes(ctx context.Context, name string, attributes map[string]string) error
	DeleteThing(ctx context.Context, name string) error

	CreateKeysAndCertificate(ctx context.Context, commonName string, active bool) (*KeysAndCertificate, error)
	DescribeCertificate(ctx context.Context, certificateID string) (*CertificateDescription, error)
	UpdateCertificateStatus(ctx context.Context, certificateID string, status domain.CertificateStatus) error
	DeleteCertificate(ctx context.Context, certificateID string) error

	AttachPolicy(ctx context.Context, policyName, certificateArn string) error
	DetachPolicy(ctx context.Context, policyName, certificateArn string) error
	AttachThingPrincipal(ctx context.Context, thingName, certificateArn string) error
	DetachThingPrincipal(ctx context.Context, thingName, certificateArn string) error
}
