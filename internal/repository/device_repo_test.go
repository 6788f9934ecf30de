package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseTime int64 = 1_767_225_600 // 2026-01-01T00:00:00Z

func newDevice(id string, status domain.LifecycleStatus, expiresAt int64) *domain.Device {
	return &domain.Device{
		DeviceID:        id,
		UserID:          domain.UnassignedUser,
		DisplayName:     domain.UnassignedUser,
		Role:            domain.DefaultRole,
		Status:          domain.DeviceStatusActive,
		LifecycleStatus: status,
		CreatedAt:       baseTime,
		ExpiresAt:       expiresAt,
	}
}

func TestDeviceInsertGuardsExistingID(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()

	d := newDevice("gw-1", domain.LifecycleTrial, baseTime+3600)
	require.NoError(t, repo.Insert(ctx, d))
	assert.Equal(t, "TRIAL#2026010101", d.LifecycleBucket)

	err := repo.Insert(ctx, newDevice("gw-1", domain.LifecycleActive, baseTime))
	assert.ErrorIs(t, err, ErrConditionFailed)

	got, err := repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleTrial, got.LifecycleStatus)
}

func TestDeviceGetNotFound(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceActivateFirstWins(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()
	code := "AKM-ABCDEFGHIJ"

	d := newDevice("gw-1", domain.LifecycleTrial, baseTime+100)
	d.ActivationCode = &code
	require.NoError(t, repo.Insert(ctx, d))

	err := repo.Activate(ctx, "gw-1", ActivateUpdate{UserID: "u1", DisplayName: "kitchen", Now: baseTime, ExpiresAt: baseTime + 86400})
	require.NoError(t, err)

	err = repo.Activate(ctx, "gw-1", ActivateUpdate{UserID: "u2", Now: baseTime, ExpiresAt: baseTime + 86400})
	assert.ErrorIs(t, err, ErrConditionFailed)

	got, err := repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "kitchen", got.DisplayName)
	assert.Equal(t, domain.LifecycleActive, got.LifecycleStatus)
	assert.Nil(t, got.ActivationCode)
	require.NotNil(t, got.ActivatedAt)
	assert.Equal(t, baseTime, *got.ActivatedAt)
	assert.True(t, domain.BucketConsistent(got))
}

func TestDeviceActivateMissing(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))

	err := repo.Activate(context.Background(), "nope", ActivateUpdate{UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeviceRenewCompareAndSwap(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newDevice("gw-1", domain.LifecycleTrial, baseTime)))

	err := repo.Renew(ctx, "gw-1", RenewUpdate{PreviousExpiresAt: baseTime - 1, ExpiresAt: baseTime + 10, Now: baseTime})
	assert.ErrorIs(t, err, ErrConditionFailed, "stale read must not apply")

	err = repo.Renew(ctx, "gw-1", RenewUpdate{PreviousExpiresAt: baseTime, ExpiresAt: baseTime + 7200, Now: baseTime, Source: "admin"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, baseTime+7200, got.ExpiresAt)
	assert.Equal(t, "ACTIVE#2026010102", got.LifecycleBucket)
	assert.Equal(t, "admin", got.RenewalSource)
}

func TestDeviceRenewOncePerReference(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newDevice("gw-1", domain.LifecycleActive, baseTime)))

	update := RenewUpdate{PreviousExpiresAt: baseTime, ExpiresAt: baseTime + 3600, Now: baseTime, Source: "payment", Reference: "evt_1"}
	require.NoError(t, repo.Renew(ctx, "gw-1", update))

	// 同一引用即使读到最新的过期时间也不会再次生效
	update = RenewUpdate{PreviousExpiresAt: baseTime + 3600, ExpiresAt: baseTime + 7200, Now: baseTime, Source: "payment", Reference: "evt_1"}
	assert.ErrorIs(t, repo.Renew(ctx, "gw-1", update), ErrConditionFailed)

	update.Reference = "evt_2"
	require.NoError(t, repo.Renew(ctx, "gw-1", update))

	got, err := repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, baseTime+7200, got.ExpiresAt)
	assert.Equal(t, "evt_2", got.RenewalRef)

	// 管理员续期不带引用，也不清除已有引用
	require.NoError(t, repo.Renew(ctx, "gw-1", RenewUpdate{PreviousExpiresAt: baseTime + 7200, ExpiresAt: baseTime + 9000, Now: baseTime, Source: "admin"}))
	got, err = repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, "evt_2", got.RenewalRef)
}

func TestDeviceRevokeAndRehabilitate(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newDevice("gw-1", domain.LifecycleActive, baseTime)))

	require.NoError(t, repo.Revoke(ctx, "gw-1", baseTime))
	assert.ErrorIs(t, repo.Revoke(ctx, "gw-1", baseTime+1), ErrConditionFailed)

	err := repo.Renew(ctx, "gw-1", RenewUpdate{PreviousExpiresAt: baseTime, ExpiresAt: baseTime + 10, Now: baseTime})
	assert.ErrorIs(t, err, ErrConditionFailed, "revoked devices cannot be renewed")

	got, err := repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, baseTime, *got.RevokedAt)

	require.NoError(t, repo.Rehabilitate(ctx, "gw-1", RehabilitateUpdate{PreviousExpiresAt: baseTime, ExpiresAt: baseTime + 3600, Now: baseTime}))
	assert.ErrorIs(t, repo.Rehabilitate(ctx, "gw-1", RehabilitateUpdate{PreviousExpiresAt: baseTime + 3600, ExpiresAt: baseTime + 7200, Now: baseTime}), ErrConditionFailed)

	got, err = repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusActive, got.Status)
	assert.Equal(t, baseTime+3600, got.ExpiresAt)
	assert.True(t, domain.BucketConsistent(got))
}

func TestDeviceExpireRequiresPassedExpiry(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, newDevice("gw-1", domain.LifecycleTrial, baseTime)))
	bucket := domain.LifecycleBucket(domain.LifecycleTrial, baseTime)

	err := repo.Expire(ctx, "gw-1", ExpireUpdate{Expected: domain.LifecycleTrial, Bucket: bucket, ExpiresAt: baseTime, Now: baseTime - 1})
	assert.ErrorIs(t, err, ErrConditionFailed)

	err = repo.Expire(ctx, "gw-1", ExpireUpdate{Expected: domain.LifecycleActive, Bucket: bucket, ExpiresAt: baseTime, Now: baseTime})
	assert.ErrorIs(t, err, ErrConditionFailed)

	// 分桶与扫描时不一致
	err = repo.Expire(ctx, "gw-1", ExpireUpdate{Expected: domain.LifecycleTrial, Bucket: "TRIAL#2025123123", ExpiresAt: baseTime, Now: baseTime + 5})
	assert.ErrorIs(t, err, ErrConditionFailed)

	require.NoError(t, repo.Expire(ctx, "gw-1", ExpireUpdate{Expected: domain.LifecycleTrial, Bucket: bucket, ExpiresAt: baseTime, Now: baseTime + 5}))
	assert.ErrorIs(t, repo.Expire(ctx, "gw-1", ExpireUpdate{Expected: domain.LifecycleTrial, Bucket: bucket, ExpiresAt: baseTime, Now: baseTime + 5}), ErrConditionFailed)

	got, err := repo.Get(ctx, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LifecycleExpired, got.LifecycleStatus)
	assert.Equal(t, "EXPIRED#2026010100", got.LifecycleBucket)
	require.NotNil(t, got.ExpiredAt)
	assert.Equal(t, baseTime+5, *got.ExpiredAt)
}

func TestDeviceListByUserPaginates(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := newDevice(fmt.Sprintf("gw-%d", i), domain.LifecycleActive, baseTime)
		d.UserID = "u1"
		require.NoError(t, repo.Insert(ctx, d))
	}
	require.NoError(t, repo.Insert(ctx, newDevice("gw-other", domain.LifecycleActive, baseTime)))

	var ids []string
	token := ""
	pages := 0
	for {
		page, err := repo.ListByUser(ctx, "u1", token, 2)
		require.NoError(t, err)
		for _, d := range page.Items {
			ids = append(ids, d.DeviceID)
		}
		pages++
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	assert.Equal(t, []string{"gw-0", "gw-1", "gw-2", "gw-3", "gw-4"}, ids)
	assert.Equal(t, 3, pages)
}

func TestDeviceListByBucket(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))
	ctx := context.Background()

	// 同一小时桶内的三个设备，其中一个尚未到期
	require.NoError(t, repo.Insert(ctx, newDevice("gw-a", domain.LifecycleTrial, baseTime+10)))
	require.NoError(t, repo.Insert(ctx, newDevice("gw-b", domain.LifecycleTrial, baseTime+10)))
	require.NoError(t, repo.Insert(ctx, newDevice("gw-c", domain.LifecycleTrial, baseTime+20)))
	require.NoError(t, repo.Insert(ctx, newDevice("gw-d", domain.LifecycleTrial, baseTime+3000)))
	require.NoError(t, repo.Insert(ctx, newDevice("gw-e", domain.LifecycleActive, baseTime+10)))

	bucket := domain.LifecycleBucket(domain.LifecycleTrial, baseTime)

	page, err := repo.ListByBucket(ctx, bucket, baseTime+100, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "gw-a", page.Items[0].DeviceID)
	assert.Equal(t, "gw-b", page.Items[1].DeviceID)
	require.NotEmpty(t, page.NextToken)

	page, err = repo.ListByBucket(ctx, bucket, baseTime+100, page.NextToken, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "gw-c", page.Items[0].DeviceID)
	assert.Empty(t, page.NextToken)
}

func TestDeviceListRejectsBadToken(t *testing.T) {
	repo := NewDeviceRepository(testutil.NewDB(t))

	_, err := repo.ListByUser(context.Background(), "u1", "%%%", 10)
	assert.Error(t, err)
}
