package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/edgelink/fleet/internal/auth"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRenewal struct {
	mock.Mock
}

func (m *mockRenewal) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*ApplyResult)
	return res, args.Error(1)
}

// flakyDevices 对指定设备的续期返回一次存储错误
type flakyDevices struct {
	repository.DeviceRepository
	mu        sync.Mutex
	failRenew map[string]int
}

func (f *flakyDevices) Renew(ctx context.Context, deviceID string, u repository.RenewUpdate) error {
	f.mu.Lock()
	if f.failRenew[deviceID] > 0 {
		f.failRenew[deviceID]--
		f.mu.Unlock()
		return assertErr
	}
	f.mu.Unlock()
	return f.DeviceRepository.Renew(ctx, deviceID, u)
}

func checkoutEvent(t *testing.T, id, eventType, status string, metadata map[string]string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":   id,
		"type": eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"payment_status": status,
				"metadata":       metadata,
			},
		},
	})
	require.NoError(t, err)
	return body
}

func (f *fixture) sign(body []byte) string {
	v := auth.NewWebhookSignatureVerifier(f.cfg.Payment.WebhookSecret, f.cfg.Payment.SignatureTolerance, f.clock.Now)
	return v.Sign(body, f.clock.Now())
}

func TestPaymentWebhookRenewsUserDevices(t *testing.T) {
	f := newFixture(t)
	device := f.activate("user-1")
	w := NewPaymentWebhook(f.cfg, repository.NewIdempotencyRepository(f.db), f.renewal(), f.clock, f.logger)

	body := checkoutEvent(t, "evt_1", "checkout.session.completed", "paid",
		map[string]string{"userId": "user-1", "planId": "prepaid_90"})

	outcome, err := w.Handle(context.Background(), body, f.sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, outcome)

	renewed := f.device(device.DeviceID)
	assert.Equal(t, device.ExpiresAt+90*secondsPerDay, renewed.ExpiresAt)
	assert.Equal(t, SourcePayment, renewed.RenewalSource)

	// 重复投递不会再次续期
	outcome, err = w.Handle(context.Background(), body, f.sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)
	assert.Equal(t, renewed.ExpiresAt, f.device(device.DeviceID).ExpiresAt)
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	renewal := &mockRenewal{}
	w := newPaymentWebhook(f.cfg, repository.NewIdempotencyRepository(f.db), renewal, f.clock, f.logger)

	body := checkoutEvent(t, "evt_1", "checkout.session.completed", "paid",
		map[string]string{"userId": "user-1", "planId": "monthly"})

	_, err := w.Handle(context.Background(), body, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	tampered := checkoutEvent(t, "evt_1", "checkout.session.completed", "paid",
		map[string]string{"userId": "user-2", "planId": "annual"})
	_, err = w.Handle(context.Background(), tampered, f.sign(body))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	assert.Zero(t, f.count(&domain.IdempotencyRecord{}))
	renewal.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestPaymentWebhookIgnoresIrrelevantEvents(t *testing.T) {
	f := newFixture(t)
	renewal := &mockRenewal{}
	w := newPaymentWebhook(f.cfg, repository.NewIdempotencyRepository(f.db), renewal, f.clock, f.logger)
	ctx := context.Background()

	body := checkoutEvent(t, "evt_1", "invoice.created", "paid", nil)
	outcome, err := w.Handle(ctx, body, f.sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, outcome)

	body = checkoutEvent(t, "evt_2", "checkout.session.completed", "unpaid",
		map[string]string{"userId": "user-1", "planId": "monthly"})
	outcome, err = w.Handle(ctx, body, f.sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookNotPaid, outcome)

	renewal.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}

func TestPaymentWebhookReleasesClaimOnFailure(t *testing.T) {
	f := newFixture(t)
	renewal := &mockRenewal{}
	w := newPaymentWebhook(f.cfg, repository.NewIdempotencyRepository(f.db), renewal, f.clock, f.logger)
	ctx := context.Background()

	body := checkoutEvent(t, "evt_1", "checkout.session.completed", "paid",
		map[string]string{"userId": "user-1", "planId": "gold"})
	_, err := w.Handle(ctx, body, f.sign(body))
	assert.True(t, IsValidationError(err))
	assert.Zero(t, f.count(&domain.IdempotencyRecord{}))

	body = checkoutEvent(t, "evt_2", "checkout.session.completed", "paid",
		map[string]string{"userId": "user-1", "planId": "weekly"})
	renewal.On("Apply", mock.Anything, mock.Anything).Return(nil, assertErr).Once()
	_, err = w.Handle(ctx, body, f.sign(body))
	assert.ErrorIs(t, err, assertErr)
	assert.Zero(t, f.count(&domain.IdempotencyRecord{}))

	// 重试成功后记录保留
	renewal.On("Apply", mock.Anything, mock.MatchedBy(func(req ApplyRequest) bool {
		return req.Scope == ScopeUser && req.Action == ActionRenew && req.UserID == "user-1" &&
			req.PlanDays != nil && *req.PlanDays == 7 && req.Source == SourcePayment
	})).Return(&ApplyResult{}, nil).Once()
	outcome, err := w.Handle(ctx, body, f.sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, outcome)
	assert.Equal(t, int64(1), f.count(&domain.IdempotencyRecord{}))
	renewal.AssertExpectations(t)
}

func TestPaymentWebhookRetryAfterPartialRenewal(t *testing.T) {
	f := newFixture(t)
	first := f.activate("user-1")
	second := f.activate("user-1")

	// 按用户索引的顺序，让排在后面的设备失败
	ids := []string{first.DeviceID, second.DeviceID}
	sort.Strings(ids)
	before := map[string]int64{
		first.DeviceID:  first.ExpiresAt,
		second.DeviceID: second.ExpiresAt,
	}

	devices := &flakyDevices{DeviceRepository: f.devices, failRenew: map[string]int{ids[1]: 1}}
	renewal := NewRenewalService(f.cfg, devices, f.issuer, f.publisher, f.clock, f.metrics, f.logger)
	w := NewPaymentWebhook(f.cfg, repository.NewIdempotencyRepository(f.db), renewal, f.clock, f.logger)
	ctx := context.Background()

	body := checkoutEvent(t, "evt_partial", "checkout.session.completed", "paid",
		map[string]string{"userId": "user-1", "planId": "monthly"})

	_, err := w.Handle(ctx, body, f.sign(body))
	require.ErrorIs(t, err, assertErr)
	assert.Equal(t, before[ids[0]]+30*secondsPerDay, f.device(ids[0]).ExpiresAt)
	assert.Equal(t, before[ids[1]], f.device(ids[1]).ExpiresAt)
	assert.Zero(t, f.count(&domain.IdempotencyRecord{}))

	// 支付方重试：只补齐失败的设备
	outcome, err := w.Handle(ctx, body, f.sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, outcome)

	for _, id := range ids {
		device := f.device(id)
		assert.Equal(t, before[id]+30*secondsPerDay, device.ExpiresAt, id)
		assert.Equal(t, "evt_partial", device.RenewalRef)
	}

	outcome, err = w.Handle(ctx, body, f.sign(body))
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)
}
