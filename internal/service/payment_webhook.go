package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgelink/fleet/internal/auth"
	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/repository"
	"go.uber.org/zap"
)

const (
	paymentSource          = "stripe"
	eventCheckoutCompleted = "checkout.session.completed"
	paymentStatusPaid      = "paid"
)

// PlanCatalog 支付计划对应的续期天数
var PlanCatalog = map[string]int{
	"weekly":     7,
	"monthly":    30,
	"prepaid_90": 90,
	"annual":     365,
}

// 回调处理结果
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate ignored"
	WebhookIgnored   = "event ignored"
	WebhookNotPaid   = "not paid"
)

// paymentEvent 支付回调中用到的字段
type paymentEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// renewalApplier 续期入口，便于测试替换
type renewalApplier interface {
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
}

// PaymentWebhook 支付完成回调，校验签名后为用户的全部设备续期
type PaymentWebhook struct {
	verifier    *auth.WebhookSignatureVerifier
	idempotency repository.IdempotencyRepository
	renewal     renewalApplier
	clock       clock.Clock
	logger      *zap.Logger
	ttl         time.Duration
}

// NewPaymentWebhook 创建支付回调服务
func NewPaymentWebhook(
	cfg *config.Config,
	idempotency repository.IdempotencyRepository,
	renewal *RenewalService,
	clk clock.Clock,
	logger *zap.Logger,
) *PaymentWebhook {
	return newPaymentWebhook(cfg, idempotency, renewal, clk, logger)
}

func newPaymentWebhook(
	cfg *config.Config,
	idempotency repository.IdempotencyRepository,
	renewal renewalApplier,
	clk clock.Clock,
	logger *zap.Logger,
) *PaymentWebhook {
	return &PaymentWebhook{
		verifier:    auth.NewWebhookSignatureVerifier(cfg.Payment.WebhookSecret, cfg.Payment.SignatureTolerance, clk.Now),
		idempotency: idempotency,
		renewal:     renewal,
		clock:       clk,
		logger:      logger.Named("payment-webhook"),
		ttl:         cfg.Payment.IdempotencyTTL,
	}
}

// Handle 处理一次回调，返回处理结果描述
//
// 事件 id 先占位再处理；处理失败时释放占位，让支付方重试。
// 续期以事件 id 为引用写入设备，重试时已续期的设备会被跳过。
func (w *PaymentWebhook) Handle(ctx context.Context, body []byte, signature string) (string, error) {
	if err := w.verifier.Verify(body, signature); err != nil {
		w.logger.Warn("Rejected payment webhook", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var event paymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return "", invalid("body", "malformed event")
	}
	if event.ID == "" {
		return "", invalid("id", "event id required")
	}

	log := w.logger.With(zap.String("event_id", event.ID), zap.String("type", event.Type))

	now := w.clock.Now()
	err := w.idempotency.Claim(ctx, &domain.IdempotencyRecord{
		EventID:     event.ID,
		Source:      paymentSource,
		ProcessedAt: now,
		ExpiresAt:   now.Add(w.ttl),
	})
	if errors.Is(err, repository.ErrConditionFailed) {
		log.Info("Duplicate payment event ignored")
		return WebhookDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim event: %w", err)
	}

	outcome, err := w.process(ctx, &event, log)
	if err != nil {
		if relErr := w.idempotency.Release(context.WithoutCancel(ctx), event.ID); relErr != nil {
			log.Warn("Failed to release idempotency record", zap.Error(relErr))
		}
		log.Error("Payment event processing failed", zap.Error(err))
		return "", err
	}

	log.Info("Payment event handled", zap.String("outcome", outcome))
	return outcome, nil
}

func (w *PaymentWebhook) process(ctx context.Context, event *paymentEvent, log *zap.Logger) (string, error) {
	if event.Type != eventCheckoutCompleted {
		return WebhookIgnored, nil
	}
	session := event.Data.Object
	if session.PaymentStatus != paymentStatusPaid {
		return WebhookNotPaid, nil
	}

	userID := session.Metadata["userId"]
	planID := session.Metadata["planId"]
	if userID == "" || planID == "" {
		return "", invalid("metadata", "missing userId or planId")
	}
	days, ok := PlanCatalog[planID]
	if !ok {
		return "", invalid("planId", "unknown plan %q", planID)
	}

	result, err := w.renewal.Apply(ctx, ApplyRequest{
		Scope:     ScopeUser,
		Action:    ActionRenew,
		UserID:    userID,
		PlanDays:  &days,
		Source:    SourcePayment,
		Reference: event.ID,
	})
	if err != nil {
		return "", err
	}

	log.Info("Renewed devices after payment",
		zap.String("user_id", userID),
		zap.String("plan_id", planID),
		zap.Int("renewed", len(result.OK)),
		zap.Int("skipped", len(result.Skipped)),
	)
	return WebhookProcessed, nil
}
