package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/edgelink/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivatorConsume(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()
	f.clock.Advance(day)

	res, err := f.activator().Consume(context.Background(), ActivationRequest{
		Code:        prov.ActivationCode,
		UserID:      "user-1",
		DisplayName: "greenhouse",
	})
	require.NoError(t, err)
	assert.Equal(t, prov.DeviceID, res.DeviceID)
	assert.Equal(t, f.clock.Now().Add(30*day).Unix(), res.ExpiresAt)

	device := f.device(prov.DeviceID)
	assert.Equal(t, "user-1", device.UserID)
	assert.Equal(t, "greenhouse", device.DisplayName)
	assert.Equal(t, domain.LifecycleActive, device.LifecycleStatus)
	assert.Equal(t, res.ExpiresAt, device.ExpiresAt)
	assert.Nil(t, device.ActivationCode)
	require.NotNil(t, device.ActivatedAt)
	assert.Equal(t, f.clock.Now().Unix(), *device.ActivatedAt)
	assert.True(t, domain.BucketConsistent(device))

	_, err = f.codes.Get(context.Background(), prov.ActivationCode)
	assert.Error(t, err, "code deleted after use")

	var thing domain.Thing
	require.NoError(t, f.db.First(&thing, "name = ?", prov.DeviceID).Error)
	attrs := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(thing.Attributes), &attrs))
	assert.Equal(t, "user-1", attrs["userId"])
	assert.Equal(t, domain.DefaultRole, attrs["role"])

	assert.Equal(t, domain.CertificateActive, f.certStatus(prov.CertificateID))
	assert.Equal(t, []string{"device.provisioned", "device.activated"}, f.publisher.eventTypes())
}

func TestActivatorDisplayNameDefaultsToDeviceID(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()

	_, err := f.activator().Consume(context.Background(), ActivationRequest{Code: prov.ActivationCode, UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, prov.DeviceID, f.device(prov.DeviceID).DisplayName)
}

func TestActivatorCodeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()
	a := f.activator()

	_, err := a.Consume(context.Background(), ActivationRequest{Code: prov.ActivationCode, UserID: "user-1"})
	require.NoError(t, err)

	_, err = a.Consume(context.Background(), ActivationRequest{Code: prov.ActivationCode, UserID: "user-2"})
	assert.ErrorIs(t, err, ErrInvalidActivationCode)
	assert.Equal(t, "user-1", f.device(prov.DeviceID).UserID)
}

func TestActivatorConcurrentConsumeHasOneWinner(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()
	a := f.activator()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i)
			_, err := a.Consume(context.Background(), ActivationRequest{Code: prov.ActivationCode, UserID: user})
			if err == nil {
				mu.Lock()
				winners = append(winners, user)
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrAlreadyActivated) || errors.Is(err, ErrInvalidActivationCode), err)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], f.device(prov.DeviceID).UserID)
}

func TestActivatorRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()
	a := f.activator()
	ctx := context.Background()

	_, err := a.Consume(ctx, ActivationRequest{Code: "not-a-code", UserID: "user-1"})
	assert.ErrorIs(t, err, ErrInvalidActivationCode)

	_, err = a.Consume(ctx, ActivationRequest{Code: "AKM-0000000000", UserID: "user-1"})
	assert.ErrorIs(t, err, ErrInvalidActivationCode)

	_, err = a.Consume(ctx, ActivationRequest{Code: prov.ActivationCode, UserID: ""})
	assert.True(t, IsValidationError(err))

	_, err = a.Consume(ctx, ActivationRequest{Code: prov.ActivationCode, UserID: "user/+"})
	assert.True(t, IsValidationError(err))

	assert.True(t, f.device(prov.DeviceID).IsUnassigned())
}

func TestActivatorAcceptsExpiredTrial(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()

	f.clock.Advance(4 * day)
	_, err := f.sweeper().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.LifecycleExpired, f.device(prov.DeviceID).LifecycleStatus)

	res, err := f.activator().Consume(context.Background(), ActivationRequest{Code: prov.ActivationCode, UserID: "user-1"})
	require.NoError(t, err)

	device := f.device(prov.DeviceID)
	assert.Equal(t, domain.LifecycleActive, device.LifecycleStatus)
	assert.Equal(t, res.ExpiresAt, device.ExpiresAt)
	assert.Equal(t, domain.CertificateActive, f.certStatus(prov.CertificateID))
}

func TestActivatorIssueCode(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()
	a := f.activator()
	ctx := context.Background()

	res, err := a.IssueCode(ctx, IssueCodeRequest{DeviceID: prov.DeviceID, PlanDays: intPtr(90), AdminID: "admin"})
	require.NoError(t, err)
	assert.NotEqual(t, prov.ActivationCode, res.ActivationCode)
	assert.Equal(t, int64(90*secondsPerDay), res.PlanSeconds)

	act, err := a.Consume(ctx, ActivationRequest{Code: res.ActivationCode, UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(90*day).Unix(), act.ExpiresAt)

	_, err = a.IssueCode(ctx, IssueCodeRequest{DeviceID: prov.DeviceID})
	assert.ErrorIs(t, err, ErrAlreadyActivated)

	_, err = a.IssueCode(ctx, IssueCodeRequest{DeviceID: "gw-missing"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = a.IssueCode(ctx, IssueCodeRequest{DeviceID: prov.DeviceID, PlanDays: intPtr(0)})
	assert.True(t, IsValidationError(err))
}

func TestActivatorReissueRevokesPreviousCode(t *testing.T) {
	f := newFixture(t)
	prov := f.provision()
	a := f.activator()
	ctx := context.Background()

	res, err := a.IssueCode(ctx, IssueCodeRequest{DeviceID: prov.DeviceID, AdminID: "admin"})
	require.NoError(t, err)

	_, err = a.Consume(ctx, ActivationRequest{Code: prov.ActivationCode, UserID: "user-1"})
	assert.ErrorIs(t, err, ErrInvalidActivationCode)
	assert.Equal(t, res.ActivationCode, *f.device(prov.DeviceID).ActivationCode)

	// 并发签发时可能残留的另一条激活码
	stray := "AKM-STRAY00001"
	require.NoError(t, f.codes.Create(ctx, &domain.ActivationCode{
		Code: stray, DeviceID: prov.DeviceID, CreatedAt: f.clock.Now().Unix(), PlanSeconds: 60,
	}))

	_, err = a.Consume(ctx, ActivationRequest{Code: res.ActivationCode, UserID: "user-1"})
	require.NoError(t, err)
	assert.Zero(t, f.count(&domain.ActivationCode{}))

	_, err = a.Consume(ctx, ActivationRequest{Code: stray, UserID: "user-2"})
	assert.ErrorIs(t, err, ErrInvalidActivationCode)
	assert.Equal(t, "user-1", f.device(prov.DeviceID).UserID)
}
