package service

import (
	"context"
	"testing"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/credential"
	"github.com/edgelink/fleet/internal/crypto"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/events"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/notify"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/edgelink/fleet/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 2026-01-01T00:00:00Z
var baseTime = time.Unix(1_767_225_600, 0).UTC()

const day = 24 * time.Hour

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event events.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *mockPublisher) eventTypes() []string {
	var types []string
	for _, call := range m.Calls {
		if call.Method == "Publish" {
			types = append(types, call.Arguments.Get(1).(events.Event).Type)
		}
	}
	return types
}

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, msg *notify.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// failingIssuer 在指定步骤返回错误，其余委托给真实实现
type failingIssuer struct {
	credential.Issuer
	failOn string
}

func (f *failingIssuer) AttachThingPrincipal(ctx context.Context, thingName, certificateArn string) error {
	if f.failOn == "AttachThingPrincipal" {
		return assertErr
	}
	return f.Issuer.AttachThingPrincipal(ctx, thingName, certificateArn)
}

func (f *failingIssuer) UpdateCertificateStatus(ctx context.Context, certificateID string, status domain.CertificateStatus) error {
	if f.failOn == "UpdateCertificateStatus" {
		return assertErr
	}
	return f.Issuer.UpdateCertificateStatus(ctx, certificateID, status)
}

var assertErr = &testError{"injected failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type fixture struct {
	t         *testing.T
	db        *gorm.DB
	cfg       *config.Config
	clock     *clock.FakeClock
	devices   repository.DeviceRepository
	codes     repository.ActivationCodeRepository
	issuer    *credential.LocalIssuer
	publisher *mockPublisher
	mailer    *mockMailer
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func testConfig() *config.Config {
	return &config.Config{
		Lifecycle: config.LifecycleConfig{
			TrialDays:                 3,
			ActivationPlanDays:        30,
			RenewalPeriodDays:         30,
			ActivationCodeMaxAttempts: 5,
			AuthorizerTimeout:         2 * time.Second,
			SweepLookback:             24 * time.Hour,
			SweepBackfill:             30 * day,
			SweepPageSize:             2,
		},
		Credential: config.CredentialConfig{
			CertTTL:    365 * day,
			PolicyName: "GatewayPolicy",
		},
		Payment: config.PaymentConfig{
			WebhookSecret:      "whsec_test",
			SignatureTolerance: 5 * time.Minute,
			IdempotencyTTL:     7 * day,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	ca, err := crypto.NewCA("fleet-test")
	require.NoError(t, err)

	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)
	mailer := &mockMailer{}
	mailer.On("Send", mock.Anything, mock.Anything).Return(nil)

	return &fixture{
		t:         t,
		db:        db,
		cfg:       testConfig(),
		clock:     clock.NewFakeClock(baseTime),
		devices:   repository.NewDeviceRepository(db),
		codes:     repository.NewActivationCodeRepository(db),
		issuer:    credential.NewLocalIssuer(db, ca, 365*day, zap.NewNop()),
		publisher: publisher,
		mailer:    mailer,
		metrics:   metrics.New(prometheus.NewRegistry()),
		logger:    zap.NewNop(),
	}
}

func (f *fixture) provisioner() *Provisioner {
	return NewProvisioner(f.cfg, f.devices, f.codes, f.issuer, f.publisher, f.clock, f.metrics, f.logger)
}

func (f *fixture) activator() *Activator {
	return NewActivator(f.cfg, f.devices, f.codes, f.issuer, f.publisher, f.clock, f.metrics, f.logger)
}

func (f *fixture) authorizer() *Authorizer {
	return NewAuthorizer(f.cfg, f.devices, f.clock, f.metrics, f.logger)
}

func (f *fixture) sweeper() *Sweeper {
	return NewSweeper(f.cfg, f.devices, f.issuer, f.publisher, f.mailer, f.clock, f.metrics, f.logger)
}

func (f *fixture) renewal() *RenewalService {
	return NewRenewalService(f.cfg, f.devices, f.issuer, f.publisher, f.clock, f.metrics, f.logger)
}

// provision 创建一台 TRIAL 设备
func (f *fixture) provision() *ProvisionResult {
	f.t.Helper()
	res, err := f.provisioner().Create(context.Background(), ProvisionRequest{})
	require.NoError(f.t, err)
	return res
}

// activate 创建并激活一台设备
func (f *fixture) activate(userID string) *domain.Device {
	f.t.Helper()
	res := f.provision()
	_, err := f.activator().Consume(context.Background(), ActivationRequest{Code: res.ActivationCode, UserID: userID})
	require.NoError(f.t, err)
	return f.device(res.DeviceID)
}

func (f *fixture) device(id string) *domain.Device {
	f.t.Helper()
	d, err := f.devices.Get(context.Background(), id)
	require.NoError(f.t, err)
	return d
}

func (f *fixture) certStatus(certificateID string) domain.CertificateStatus {
	f.t.Helper()
	desc, err := f.issuer.DescribeCertificate(context.Background(), certificateID)
	require.NoError(f.t, err)
	return desc.Status
}

func (f *fixture) count(model interface{}) int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Model(model).Count(&n).Error)
	return n
}

func intPtr(v int) *int {
	return &v
}
