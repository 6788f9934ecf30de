package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) telemetry() *TelemetryService {
	return NewTelemetryService(f.devices, repository.NewTelemetryRepository(f.db), f.clock, f.metrics, f.logger)
}

func TestTelemetryIngest(t *testing.T) {
	f := newFixture(t)
	device := f.activate("user-1")
	s := f.telemetry()
	ctx := context.Background()

	payload := fmt.Sprintf(`{"deviceId":%q,"ts":%d,"metrics":{"soil_moisture":41.5,"battery_level":88,"label":"north","bad-name":1}}`,
		device.DeviceID, baseTime.Add(time.Hour).UnixMilli())
	n, err := s.Ingest(ctx, "user-1", []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var points []domain.TelemetryPoint
	require.NoError(t, f.db.Order("metric").Find(&points).Error)
	require.Len(t, points, 2)
	assert.Equal(t, "battery_level", points[0].Metric)
	assert.Equal(t, 88.0, points[0].Value)
	assert.Equal(t, baseTime.Add(time.Hour).Unix(), points[0].Timestamp, "milliseconds normalised")
	assert.Equal(t, "user-1", points[0].UserID)
}

func TestTelemetryIngestRejections(t *testing.T) {
	f := newFixture(t)
	active := f.activate("user-1")
	trial := f.provision()
	revoked := f.activate("user-1")
	_, err := f.renewal().Apply(context.Background(), ApplyRequest{Scope: ScopeDevice, Action: ActionRevoke, DeviceID: revoked.DeviceID})
	require.NoError(t, err)

	msg := func(id string) []byte {
		return []byte(fmt.Sprintf(`{"deviceId":%q,"metrics":{"humidity":50}}`, id))
	}

	cases := []struct {
		name    string
		owner   string
		payload []byte
	}{
		{"malformed", "user-1", []byte(`{not json`)},
		{"no device", "user-1", []byte(`{"metrics":{"humidity":1}}`)},
		{"unregistered", "user-1", msg("gw-unknown")},
		{"foreign owner", "user-2", msg(active.DeviceID)},
		{"trial under user owner", "user-1", msg(trial.DeviceID)},
		{"revoked", "user-1", msg(revoked.DeviceID)},
		{"no numeric metrics", "user-1", []byte(fmt.Sprintf(`{"deviceId":%q,"metrics":{"label":"x"}}`, active.DeviceID))},
	}

	s := f.telemetry()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Ingest(context.Background(), tc.owner, tc.payload)
			assert.ErrorIs(t, err, ErrTelemetryRejected)
		})
	}

	_, err = s.Ingest(context.Background(), "unassigned/"+trial.DeviceID, msg(trial.DeviceID))
	assert.NoError(t, err, "trial device publishes under its own unassigned segment")

	f.clock.Advance(31 * day)
	_, err = s.Ingest(context.Background(), "user-1", msg(active.DeviceID))
	assert.ErrorIs(t, err, ErrTelemetryRejected, "expired")
}

func (f *fixture) seedPoints(deviceID, userID, metric string, values map[time.Time]float64) {
	f.t.Helper()
	var points []domain.TelemetryPoint
	for ts, v := range values {
		points = append(points, domain.TelemetryPoint{DeviceID: deviceID, UserID: userID, Metric: metric, Value: v, Timestamp: ts.Unix()})
	}
	require.NoError(f.t, repository.NewTelemetryRepository(f.db).CreateBatch(context.Background(), points))
}

func TestTelemetryQueryScopedToOwner(t *testing.T) {
	f := newFixture(t)
	mine := f.activate("user-1")
	theirs := f.activate("user-2")
	f.seedPoints(mine.DeviceID, "user-1", "humidity", map[time.Time]float64{
		baseTime.Add(time.Hour):     10,
		baseTime.Add(2 * time.Hour): 20,
	})
	f.seedPoints(mine.DeviceID, "user-1", "rainfall", map[time.Time]float64{baseTime.Add(time.Hour): 1})
	f.seedPoints(theirs.DeviceID, "user-2", "humidity", map[time.Time]float64{baseTime.Add(time.Hour): 99})

	s := f.telemetry()
	ctx := context.Background()
	from, to := baseTime.Unix(), baseTime.Add(day).Unix()

	res, err := s.Query(ctx, TelemetryQuery{UserID: "user-1", Metric: "humidity", FromTs: &from, ToTs: &to})
	require.NoError(t, err)
	require.Equal(t, 2, res.Count)
	assert.Equal(t, 20.0, res.Items[0].Value, "newest first")
	for _, p := range res.Items {
		assert.Equal(t, mine.DeviceID, p.DeviceID)
	}

	res, err = s.Query(ctx, TelemetryQuery{UserID: "user-1", FromTs: &from, ToTs: &to})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)

	_, err = s.Query(ctx, TelemetryQuery{UserID: "user-1", DeviceID: theirs.DeviceID, FromTs: &from, ToTs: &to})
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = s.Query(ctx, TelemetryQuery{UserID: "user-1", FromTs: &from})
	assert.True(t, IsValidationError(err))

	_, err = s.Query(ctx, TelemetryQuery{UserID: "user-1", Metric: "x' OR 1=1", FromTs: &from, ToTs: &to})
	assert.True(t, IsValidationError(err))

	res, err = s.Query(ctx, TelemetryQuery{UserID: "user-3", FromTs: &from, ToTs: &to})
	require.NoError(t, err)
	assert.Zero(t, res.Count)
}

func TestTelemetryAggregate(t *testing.T) {
	f := newFixture(t)
	device := f.activate("user-1")
	f.seedPoints(device.DeviceID, "user-1", "air_temperature", map[time.Time]float64{
		baseTime.Add(1 * time.Hour):   10,
		baseTime.Add(2 * time.Hour):   20,
		baseTime.Add(day + time.Hour): 5,
		baseTime.Add(40 * day):        7,
	})

	s := f.telemetry()
	res, err := s.Aggregate(context.Background(), AggregateRequest{
		UserID:   "user-1",
		Devices:  []string{device.DeviceID},
		Metrics:  []string{"air_temperature", "humidity"},
		Interval: IntervalDay,
		From:     baseTime.Unix(),
		To:       baseTime.Add(10 * day).Unix(),
	})
	require.NoError(t, err)

	series := res.Series["air_temperature"]
	require.Len(t, series, 2)
	assert.Equal(t, baseTime, series[0].Bucket)
	assert.Equal(t, 15.0, series[0].Avg)
	assert.Equal(t, 10.0, series[0].Min)
	assert.Equal(t, 20.0, series[0].Max)
	assert.Equal(t, 2, series[0].Count)
	assert.Equal(t, baseTime.Add(day), series[1].Bucket)
	assert.Empty(t, res.Series["humidity"])

	monthly, err := s.Aggregate(context.Background(), AggregateRequest{
		UserID:   "user-1",
		Devices:  []string{device.DeviceID},
		Metrics:  []string{"air_temperature"},
		Interval: IntervalMonth,
		From:     baseTime.Unix(),
		To:       baseTime.Add(60 * day).Unix(),
	})
	require.NoError(t, err)
	require.Len(t, monthly.Series["air_temperature"], 2)
	assert.Equal(t, 3, monthly.Series["air_temperature"][0].Count)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), monthly.Series["air_temperature"][1].Bucket)
}

// rawReadsForbidden 聚合路径不允许读取原始采样
type rawReadsForbidden struct {
	repository.TelemetryRepository
	t *testing.T
}

func (r rawReadsForbidden) Find(context.Context, repository.TelemetryFilters) ([]domain.TelemetryPoint, error) {
	r.t.Error("aggregate loaded raw telemetry points")
	return nil, nil
}

func TestTelemetryAggregateGroupsInDatabase(t *testing.T) {
	f := newFixture(t)
	device := f.activate("user-1")

	// 2026-01-01 起每小时一个点，共 14 天
	hourly := make(map[time.Time]float64)
	for i := 0; i < 14*24; i++ {
		hourly[baseTime.Add(time.Duration(i)*time.Hour)] = float64(i % 24)
	}
	f.seedPoints(device.DeviceID, "user-1", "soil_moisture", hourly)

	repo := rawReadsForbidden{TelemetryRepository: repository.NewTelemetryRepository(f.db), t: t}
	s := NewTelemetryService(f.devices, repo, f.clock, f.metrics, f.logger)
	res, err := s.Aggregate(context.Background(), AggregateRequest{
		UserID:   "user-1",
		Devices:  []string{device.DeviceID},
		Metrics:  []string{"soil_moisture"},
		Interval: IntervalWeek,
		From:     baseTime.Unix(),
		To:       baseTime.Add(30 * day).Unix(),
	})
	require.NoError(t, err)

	weeks := res.Series["soil_moisture"]
	require.Len(t, weeks, 3)
	wantStarts := []time.Time{
		time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC),
	}
	wantCounts := []int{4 * 24, 7 * 24, 3 * 24}
	for i, w := range weeks {
		assert.Equal(t, wantStarts[i], w.Bucket, "week %d", i)
		assert.Equal(t, wantCounts[i], w.Count, "week %d", i)
		assert.InDelta(t, 11.5, w.Avg, 1e-9, "week %d", i)
		assert.Equal(t, 0.0, w.Min, "week %d", i)
		assert.Equal(t, 23.0, w.Max, "week %d", i)
	}
}

func TestTelemetryAggregateValidation(t *testing.T) {
	f := newFixture(t)
	device := f.activate("user-1")
	other := f.activate("user-2")
	s := f.telemetry()
	ctx := context.Background()

	valid := AggregateRequest{
		UserID:   "user-1",
		Devices:  []string{device.DeviceID},
		Metrics:  []string{"humidity"},
		Interval: IntervalWeek,
		From:     baseTime.Unix(),
		To:       baseTime.Add(7 * day).Unix(),
	}

	bad := []func(r *AggregateRequest){
		func(r *AggregateRequest) { r.Devices = nil },
		func(r *AggregateRequest) { r.Metrics = nil },
		func(r *AggregateRequest) { r.Metrics = []string{"humidity", "raw", "pm1", "pm10", "voc", "rainfall"} },
		func(r *AggregateRequest) { r.Metrics = []string{"password"} },
		func(r *AggregateRequest) { r.Interval = "hour" },
		func(r *AggregateRequest) { r.To = r.From + 366*secondsPerDay },
		func(r *AggregateRequest) { r.From = 0 },
	}
	for i, mutate := range bad {
		req := valid
		mutate(&req)
		_, err := s.Aggregate(ctx, req)
		assert.True(t, IsValidationError(err), "case %d", i)
	}

	req := valid
	req.Devices = []string{device.DeviceID, other.DeviceID}
	_, err := s.Aggregate(ctx, req)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = s.Aggregate(ctx, valid)
	assert.NoError(t, err)
}

func TestTruncateWeekStartsMonday(t *testing.T) {
	// 2026-01-01 是周四
	got := truncate(time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC), IntervalWeek)
	assert.Equal(t, time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), got)

	got = truncate(time.Date(2026, 1, 4, 23, 0, 0, 0, time.UTC), IntervalWeek)
	assert.Equal(t, time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), got)

	got = truncate(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), IntervalWeek)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), got)

	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		truncate(time.Date(2026, 7, 9, 3, 0, 0, 0, time.UTC), IntervalYear))
}
