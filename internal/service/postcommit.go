package service

import (
	"context"
	"errors"
	"time"

	"github.com/edgelink/fleet/internal/credential"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/events"
	"github.com/edgelink/fleet/internal/metrics"
	"go.uber.org/zap"
)

const postCommitTimeout = 5 * time.Second

// postCommitAction 元数据提交之后尝试的非关键副作用
type postCommitAction struct {
	name string
	run  func(ctx context.Context) error
}

// runPostCommit 依次执行每个动作，失败只记录，不影响主结果
func runPostCommit(ctx context.Context, logger *zap.Logger, m *metrics.Metrics, deviceID string, actions ...postCommitAction) {
	base := context.WithoutCancel(ctx)
	for _, action := range actions {
		actionCtx, cancel := context.WithTimeout(base, postCommitTimeout)
		err := action.run(actionCtx)
		cancel()
		if err != nil {
			logger.Warn("Post-commit action failed",
				zap.String("action", action.name),
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			m.RecordPostCommitFailure(action.name)
		}
	}
}

// setCertificateStatus 证书状态不一致时才更新
func setCertificateStatus(issuer credential.Issuer, certificateID string, status domain.CertificateStatus) postCommitAction {
	name := "certificate_inactive"
	if status == domain.CertificateActive {
		name = "certificate_active"
	}
	return postCommitAction{
		name: name,
		run: func(ctx context.Context) error {
			if certificateID == "" {
				return nil
			}
			desc, err := issuer.DescribeCertificate(ctx, certificateID)
			if err != nil {
				if errors.Is(err, credential.ErrNotFound) {
					return nil
				}
				return err
			}
			if desc.Status == status {
				return nil
			}
			return issuer.UpdateCertificateStatus(ctx, certificateID, status)
		},
	}
}

func mergeThingAttributes(issuer credential.Issuer, thingName string, attrs map[string]string) postCommitAction {
	return postCommitAction{
		name: "thing_attributes",
		run: func(ctx context.Context) error {
			return issuer.UpdateThingAttributes(ctx, thingName, attrs)
		},
	}
}

func publishEvent(publisher events.Publisher, event events.Event) postCommitAction {
	return postCommitAction{
		name: "publish_" + event.Type,
		run: func(ctx context.Context) error {
			return publisher.Publish(ctx, event)
		},
	}
}
