package domain

import (
	"strings"
	"time"
)

// BucketLayout 生命周期分桶的时间格式（UTC小时）
const BucketLayout = "2006010215"

// LifecycleBucket 计算 {STATUS}#{yyyyMMddHH}，所有修改 lifecycleStatus 或 expiresAt 的写入都必须同时写入该值
func LifecycleBucket(status LifecycleStatus, expiresAt int64) string {
	return string(status) + "#" + time.Unix(expiresAt, 0).UTC().Format(BucketLayout)
}

// ParseLifecycleBucket 拆分分桶键
func ParseLifecycleBucket(bucket string) (LifecycleStatus, time.Time, bool) {
	prefix, suffix, ok := strings.Cut(bucket, "#")
	if !ok {
		return "", time.Time{}, false
	}
	hour, err := time.ParseInLocation(BucketLayout, suffix, time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return LifecycleStatus(prefix), hour, true
}

// BucketConsistent 检查分桶与状态、过期时间是否一致
func BucketConsistent(d *Device) bool {
	return d.LifecycleBucket == LifecycleBucket(d.LifecycleStatus, d.ExpiresAt)
}

// HourlyBuckets 生成 [from, to] 范围内按小时的分桶键，按时间升序
func HourlyBuckets(status LifecycleStatus, from, to time.Time) []string {
	start := from.UTC().Truncate(time.Hour)
	end := to.UTC().Truncate(time.Hour)
	if start.After(end) {
		return nil
	}

	buckets := make([]string, 0, int(end.Sub(start)/time.Hour)+1)
	for h := start; !h.After(end); h = h.Add(time.Hour) {
		buckets = append(buckets, string(status)+"#"+h.Format(BucketLayout))
	}
	return buckets
}
