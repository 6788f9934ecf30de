package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"time"

	"github.com/edgelink/fleet/internal/clock"
	"github.com/edgelink/fleet/internal/domain"
	"github.com/edgelink/fleet/internal/metrics"
	"github.com/edgelink/fleet/internal/repository"
	"go.uber.org/zap"
)

const (
	telemetryQueryLimit = 1000
	maxAggregateMetrics = 5
	maxAggregateRange   = 365 * 24 * time.Hour

	// 超过该值的时间戳按毫秒处理
	millisecondThreshold = 1_000_000_000_000
)

// ErrTelemetryRejected 遥测消息不满足接入条件，丢弃且不重试
var ErrTelemetryRejected = errors.New("telemetry rejected")

var metricNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// AllowedAggregateMetrics 可聚合的指标
var AllowedAggregateMetrics = map[string]bool{
	"humidity": true, "raw": true,
	"soil_moisture": true, "soil_temperature": true, "soil_ph": true, "soil_ec": true,
	"soil_nitrogen": true, "soil_phosphorus": true, "soil_potassium": true, "soil_salinity": true,
	"air_temperature": true, "air_humidity": true, "air_pressure": true,
	"wind_speed": true, "rainfall": true, "solar_radiation": true, "co2_level": true, "leaf_wetness": true,
	"pm1": true, "pm2_5": true, "pm10": true, "voc": true, "o3_level": true, "no2_level": true, "so2_level": true,
	"battery_voltage": true, "battery_level": true, "battery_health": true, "signal_strength": true,
	"device_temperature": true,
}

// 聚合粒度
const (
	IntervalDay   = "day"
	IntervalWeek  = "week"
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// TelemetryQuery 用户遥测查询
type TelemetryQuery struct {
	UserID   string
	DeviceID string
	Metric   string
	FromTs   *int64
	ToTs     *int64
}

// TelemetryQueryResult 查询结果，按时间倒序
type TelemetryQueryResult struct {
	Count int                     `json:"count"`
	Items []domain.TelemetryPoint `json:"items"`
}

// AggregateRequest 聚合请求
type AggregateRequest struct {
	UserID   string   `json:"-"`
	Devices  []string `json:"things"`
	Metrics  []string `json:"metrics"`
	Interval string   `json:"interval"`
	From     int64    `json:"from"`
	To       int64    `json:"to"`
}

// AggregateBucket 单个时间桶的统计
type AggregateBucket struct {
	Bucket time.Time `json:"bucket"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Count  int       `json:"count"`
}

// AggregateResult 按指标分组的时间序列
type AggregateResult struct {
	Interval string                       `json:"interval"`
	From     int64                        `json:"from"`
	To       int64                        `json:"to"`
	Series   map[string][]AggregateBucket `json:"series"`
}

// TelemetryMessage 设备上报的遥测消息
type TelemetryMessage struct {
	DeviceID  string                     `json:"deviceId"`
	Timestamp int64                      `json:"ts"`
	Metrics   map[string]json.RawMessage `json:"metrics"`
}

// TelemetryService 遥测接入与查询
type TelemetryService struct {
	devices repository.DeviceRepository
	points  repository.TelemetryRepository
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewTelemetryService 创建遥测服务
func NewTelemetryService(
	devices repository.DeviceRepository,
	points repository.TelemetryRepository,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TelemetryService {
	return &TelemetryService{
		devices: devices,
		points:  points,
		clock:   clk,
		metrics: m,
		logger:  logger.Named("telemetry"),
	}
}

// Query 返回用户名下设备的遥测数据
func (s *TelemetryService) Query(ctx context.Context, q TelemetryQuery) (*TelemetryQueryResult, error) {
	if !ValidUserID(q.UserID) {
		return nil, invalid("userId", "authenticated user required")
	}
	if q.FromTs == nil || q.ToTs == nil {
		return nil, invalid("fromTs", "fromTs and toTs are required")
	}
	if *q.FromTs > *q.ToTs {
		return nil, invalid("fromTs", "must not be after toTs")
	}
	if q.Metric != "" && !metricNamePattern.MatchString(q.Metric) {
		return nil, invalid("metric", "invalid metric format")
	}
	if q.DeviceID != "" && !ValidDeviceID(q.DeviceID) {
		return nil, invalid("deviceId", "invalid device id")
	}

	owned, err := s.ownedDevices(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	deviceIDs := owned
	if q.DeviceID != "" {
		if !slices.Contains(owned, q.DeviceID) {
			return nil, ErrDeviceNotFound
		}
		deviceIDs = []string{q.DeviceID}
	}
	if len(deviceIDs) == 0 {
		return &TelemetryQueryResult{Items: []domain.TelemetryPoint{}}, nil
	}

	filters := repository.TelemetryFilters{
		DeviceIDs: deviceIDs,
		FromTs:    *q.FromTs,
		ToTs:      *q.ToTs,
		Limit:     telemetryQueryLimit,
	}
	if q.Metric != "" {
		filters.Metrics = []string{q.Metric}
	}

	points, err := s.points.Find(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	return &TelemetryQueryResult{Count: len(points), Items: points}, nil
}

// Aggregate 按时间粒度计算 avg/min/max/count
func (s *TelemetryService) Aggregate(ctx context.Context, req AggregateRequest) (*AggregateResult, error) {
	if err := validateAggregate(&req); err != nil {
		return nil, err
	}

	owned, err := s.ownedDevices(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	for _, id := range req.Devices {
		if !slices.Contains(owned, id) {
			return nil, ErrDeviceNotFound
		}
	}

	days, err := s.points.AggregateDaily(ctx, repository.TelemetryFilters{
		DeviceIDs: req.Devices,
		Metrics:   req.Metrics,
		FromTs:    req.From,
		ToTs:      req.To,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate telemetry: %w", err)
	}

	return &AggregateResult{
		Interval: req.Interval,
		From:     req.From,
		To:       req.To,
		Series:   rollup(days, req.Metrics, req.Interval),
	}, nil
}

func validateAggregate(req *AggregateRequest) error {
	if !ValidUserID(req.UserID) {
		return invalid("userId", "authenticated user required")
	}
	if len(req.Devices) == 0 {
		return invalid("things", "things is required")
	}
	for _, id := range req.Devices {
		if !ValidDeviceID(id) {
			return invalid("things", "invalid device id %q", id)
		}
	}
	if len(req.Metrics) == 0 || len(req.Metrics) > maxAggregateMetrics {
		return invalid("metrics", "metrics must be 1..%d", maxAggregateMetrics)
	}
	for _, m := range req.Metrics {
		if !AllowedAggregateMetrics[m] {
			return invalid("metrics", "one or more metrics not allowed")
		}
	}
	switch req.Interval {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
	default:
		return invalid("interval", "invalid interval")
	}
	if req.From <= 0 || req.To <= 0 {
		return invalid("from", "from and to are required")
	}
	if req.From > req.To {
		return invalid("from", "must not be after to")
	}
	if time.Unix(req.To, 0).Sub(time.Unix(req.From, 0)) > maxAggregateRange {
		return invalid("to", "max range is 365 days")
	}
	return nil
}

// rollup 将按日统计合并到目标粒度，周、月、年桶均由整日组成
func rollup(days []repository.DailyAggregate, metricNames []string, interval string) map[string][]AggregateBucket {
	type key struct {
		metric string
		bucket int64
	}
	acc := make(map[key]*AggregateBucket)
	sums := make(map[key]float64)

	for _, d := range days {
		if d.Count == 0 {
			continue
		}
		b := truncate(time.Unix(d.Day, 0).UTC(), interval)
		k := key{metric: d.Metric, bucket: b.Unix()}
		agg, ok := acc[k]
		if !ok {
			agg = &AggregateBucket{Bucket: b, Min: d.Min, Max: d.Max}
			acc[k] = agg
		}
		agg.Count += d.Count
		sums[k] += d.Sum
		if d.Min < agg.Min {
			agg.Min = d.Min
		}
		if d.Max > agg.Max {
			agg.Max = d.Max
		}
	}

	series := make(map[string][]AggregateBucket, len(metricNames))
	for _, m := range metricNames {
		series[m] = []AggregateBucket{}
	}
	for k, agg := range acc {
		agg.Avg = sums[k] / float64(agg.Count)
		series[k.metric] = append(series[k.metric], *agg)
	}
	for m := range series {
		sort.Slice(series[m], func(i, j int) bool {
			return series[m][i].Bucket.Before(series[m][j].Bucket)
		})
	}
	return series
}

// truncate 按 UTC 截断，周从周一开始
func truncate(t time.Time, interval string) time.Time {
	switch interval {
	case IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case IntervalYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Ingest 校验一条遥测消息并写入
//
// owner 为主题中的归属段，必须与设备当前归属一致；设备须已注册、处于 active 且未过期。
func (s *TelemetryService) Ingest(ctx context.Context, owner string, payload []byte) (int, error) {
	n, err := s.ingest(ctx, owner, payload)
	switch {
	case err == nil:
		s.metrics.RecordTelemetry("accepted")
	case errors.Is(err, ErrTelemetryRejected):
		s.metrics.RecordTelemetry("rejected")
	default:
		s.metrics.RecordTelemetry("error")
	}
	return n, err
}

func (s *TelemetryService) ingest(ctx context.Context, owner string, payload []byte) (int, error) {
	var msg TelemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("%w: malformed payload", ErrTelemetryRejected)
	}
	if !ValidDeviceID(msg.DeviceID) {
		return 0, fmt.Errorf("%w: no device id", ErrTelemetryRejected)
	}

	log := s.logger.With(zap.String("device_id", msg.DeviceID))

	device, err := s.devices.Get(ctx, msg.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("Dropping telemetry from unregistered device")
		return 0, fmt.Errorf("%w: device not registered", ErrTelemetryRejected)
	}
	if err != nil {
		return 0, fmt.Errorf("load device: %w", err)
	}

	now := s.clock.Now()
	if device.Status != domain.DeviceStatusActive || device.Expired(now.Unix()) {
		log.Debug("Dropping telemetry from expired or inactive device",
			zap.String("status", string(device.Status)),
			zap.Int64("expires_at", device.ExpiresAt),
		)
		return 0, fmt.Errorf("%w: expired or inactive", ErrTelemetryRejected)
	}
	if OwnerSegment(device) != owner {
		log.Warn("Dropping telemetry published under foreign owner", zap.String("owner", owner))
		return 0, fmt.Errorf("%w: owner mismatch", ErrTelemetryRejected)
	}

	ts := msg.Timestamp
	switch {
	case ts <= 0:
		ts = now.Unix()
	case ts > millisecondThreshold:
		ts /= 1000
	}

	points := make([]domain.TelemetryPoint, 0, len(msg.Metrics))
	for name, raw := range msg.Metrics {
		if !metricNamePattern.MatchString(name) {
			continue
		}
		var value float64
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		points = append(points, domain.TelemetryPoint{
			DeviceID:  device.DeviceID,
			UserID:    device.UserID,
			Metric:    name,
			Value:     value,
			Timestamp: ts,
		})
	}
	if len(points) == 0 {
		return 0, fmt.Errorf("%w: no numeric metrics", ErrTelemetryRejected)
	}

	if err := s.points.CreateBatch(ctx, points); err != nil {
		return 0, fmt.Errorf("store telemetry: %w", err)
	}
	return len(points), nil
}

func (s *TelemetryService) ownedDevices(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	token := ""
	for {
		page, err := s.devices.ListByUser(ctx, userID, token, 0)
		if err != nil {
			return nil, fmt.Errorf("list user devices: %w", err)
		}
		for _, d := range page.Items {
			ids = append(ids, d.DeviceID)
		}
		if page.NextToken == "" {
			return ids, nil
		}
		token = page.NextToken
	}
}
