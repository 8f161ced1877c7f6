// 本文件用于阈值告警的判定
package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sensor-gateway/internal/models"
)

// DefaultCooldown 两次告警的最小间隔
const DefaultCooldown = 10 * time.Second

// Evaluator 告警判定接口，便于在路由测试中替换
type Evaluator interface {
	Evaluate(reading models.SensorReading, cfg models.AlertConfig, now, lastAlert time.Time) Decision
}

// ThresholdEvaluator 按配置阈值和冷却窗口判定
type ThresholdEvaluator struct {
	Cooldown time.Duration
}

// NewThresholdEvaluator 创建判定器，非正数冷却回退默认值
func NewThresholdEvaluator(cooldown time.Duration) *ThresholdEvaluator {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &ThresholdEvaluator{Cooldown: cooldown}
}

// Evaluate 实现 Evaluator
func (e *ThresholdEvaluator) Evaluate(reading models.SensorReading, cfg models.AlertConfig, now, lastAlert time.Time) Decision {
	return Evaluate(reading, cfg, now, lastAlert, e.Cooldown)
}

// Evaluate 纯函数判定，lastAlert 为零值表示此前没有告警
// 告警关闭或处于冷却窗口时直接返回，不重试也不排队
func Evaluate(reading models.SensorReading, cfg models.AlertConfig, now, lastAlert time.Time, cooldown time.Duration) Decision {
	decision := Decision{
		LastAlert:  lastAlert,
		At:         now,
		Conditions: conditions(reading, cfg),
	}
	if !cfg.IsActive {
		decision.Status = StatusInactive
		return decision
	}
	if !lastAlert.IsZero() && now.Sub(lastAlert) <= cooldown {
		decision.Status = StatusSuppressed
		return decision
	}
	if len(decision.Conditions) == 0 {
		decision.Status = StatusClear
		return decision
	}
	decision.Status = StatusSent
	decision.Text = composeText(reading, cfg, decision.Conditions)
	decision.LastAlert = now
	return decision
}

func conditions(reading models.SensorReading, cfg models.AlertConfig) []Condition {
	var out []Condition
	if reading.Temperature > cfg.TempMax {
		out = append(out, ConditionHighTemperature)
	}
	if reading.Humidity < cfg.HumMin {
		out = append(out, ConditionLowHumidity)
	}
	return out
}

func composeText(reading models.SensorReading, cfg models.AlertConfig, fired []Condition) string {
	var b strings.Builder
	for _, c := range fired {
		switch c {
		case ConditionHighTemperature:
			fmt.Fprintf(&b, "High Temperature detected: %sC (Limit: %sC)\n", formatNumber(reading.Temperature), formatNumber(cfg.TempMax))
		case ConditionLowHumidity:
			fmt.Fprintf(&b, "Low Humidity detected: %s%% (Limit: %s%%)\n", formatNumber(reading.Humidity), formatNumber(cfg.HumMin))
		}
	}
	return b.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
