package repository

import (
	"context"
	"testing"

	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryFind(t *testing.T) {
	repo := NewTelemetryRepository(testutil.NewDB(t))
	ctx := context.Background()

	require.NoError(t, repo.CreateBatch(ctx, []domain.TelemetryPoint{
		{DeviceID: "gw-1", UserID: "u1", Metric: "humidity", Value: 40, Timestamp: 100},
		{DeviceID: "gw-1", UserID: "u1", Metric: "humidity", Value: 42, Timestamp: 200},
		{DeviceID: "gw-1", UserID: "u1", Metric: "pm10", Value: 7, Timestamp: 150},
		{DeviceID: "gw-2", UserID: "u2", Metric: "humidity", Value: 90, Timestamp: 150},
	}))

	points, err := repo.Find(ctx, TelemetryFilters{UserID: "u1", Metrics: []string{"humidity"}, FromTs: 0, ToTs: 1000})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, int64(200), points[0].Timestamp, "newest first")
	assert.Equal(t, int64(100), points[1].Timestamp)

	points, err = repo.Find(ctx, TelemetryFilters{DeviceIDs: []string{"gw-1", "gw-2"}, FromTs: 120, ToTs: 180, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, points, 2)

	points, err = repo.Find(ctx, TelemetryFilters{UserID: "u1", FromTs: 0, ToTs: 1000, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestTelemetryAggregateDaily(t *testing.T) {
	repo := NewTelemetryRepository(testutil.NewDB(t))
	ctx := context.Background()

	const day = int64(86400)
	require.NoError(t, repo.CreateBatch(ctx, []domain.TelemetryPoint{
		{DeviceID: "gw-1", UserID: "u1", Metric: "humidity", Value: 40, Timestamp: 10 * day},
		{DeviceID: "gw-1", UserID: "u1", Metric: "humidity", Value: 44, Timestamp: 10*day + 3600},
		{DeviceID: "gw-2", UserID: "u1", Metric: "humidity", Value: 30, Timestamp: 11*day - 1},
		{DeviceID: "gw-1", UserID: "u1", Metric: "humidity", Value: 50, Timestamp: 11 * day},
		{DeviceID: "gw-1", UserID: "u1", Metric: "pm10", Value: 7, Timestamp: 10 * day},
		{DeviceID: "gw-3", UserID: "u2", Metric: "humidity", Value: 99, Timestamp: 10 * day},
	}))

	rows, err := repo.AggregateDaily(ctx, TelemetryFilters{
		DeviceIDs: []string{"gw-1", "gw-2"},
		Metrics:   []string{"humidity"},
		FromTs:    0,
		ToTs:      20 * day,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, DailyAggregate{Metric: "humidity", Day: 10 * day, Count: 3, Sum: 114, Min: 30, Max: 44}, rows[0])
	assert.Equal(t, DailyAggregate{Metric: "humidity", Day: 11 * day, Count: 1, Sum: 50, Min: 50, Max: 50}, rows[1])

	rows, err = repo.AggregateDaily(ctx, TelemetryFilters{DeviceIDs: []string{"gw-1"}, FromTs: 11 * day, ToTs: 20 * day})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(11*day), rows[0].Day)
}
