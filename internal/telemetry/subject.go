// Package telemetry 从 JetStream 拉取设备遥测并写入存储
package telemetry

import "strings"

const (
	subjectPrefix = "gateway"
	subjectSuffix = "data.telemetry"
)

// UnassignedSubject 未绑定设备的遥测主题
const UnassignedSubject = "gateway.unassigned.*.data.telemetry"

// OwnerFromSubject 从 gateway.{owner}.data.telemetry 中取出归属段
//
// 未绑定设备的主题为 gateway.unassigned.{deviceId}.data.telemetry，归属段还原为 unassigned/{deviceId}。
func OwnerFromSubject(subject string) (string, bool) {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 4 || tokens[0] != subjectPrefix {
		return "", false
	}
	n := len(tokens)
	if tokens[n-2]+"."+tokens[n-1] != subjectSuffix {
		return "", false
	}

	owner := tokens[1 : n-2]
	for _, t := range owner {
		if t == "" {
			return "", false
		}
	}
	return strings.Join(owner, "/"), true
}
