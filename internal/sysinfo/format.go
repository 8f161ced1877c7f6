// 本文件用于系统面板的数值格式化
package sysinfo

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

const placeholder = "--"

var byteUnits = []string{"B", "KB", "MB", "GB", "TB"}

// toneThresholds 按从高到低排列，命中第一个即返回
var toneThresholds = []struct {
	min  float64
	tone string
}{
	{min: 85, tone: "critical"},
	{min: 70, tone: "warn"},
}

// firstIPv4 返回第一个非回环的 IPv4 地址
func firstIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return placeholder
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return placeholder
}

func formatBytes(value float64) string {
	if value <= 0 {
		return "0 B"
	}
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%.0f B", value)
	}
	return fmt.Sprintf("%.1f %s", value, byteUnits[unit])
}

// formatDurationCN 精确到分钟，不足一分钟按一分钟显示
func formatDurationCN(d time.Duration) string {
	if d <= 0 {
		return placeholder
	}
	minutes := int(d / time.Minute)
	if minutes == 0 {
		minutes = 1
	}
	days, hours, mins := minutes/1440, minutes/60%24, minutes%60
	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d天", days))
	}
	if days > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%d小时", hours))
	}
	parts = append(parts, fmt.Sprintf("%d分", mins))
	return strings.Join(parts, " ")
}

func clampPct(value float64) float64 {
	return math.Min(100, math.Max(0, value))
}

func usageTone(pct float64) string {
	for _, threshold := range toneThresholds {
		if pct >= threshold.min {
			return threshold.tone
		}
	}
	return "normal"
}

func fallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
