// 本文件用于定义告警相关的数据结构
package alert

import "time"

// DecisionStatus 表示告警决策状态
type DecisionStatus string

const (
	// StatusSent 表示已触发并发送
	StatusSent DecisionStatus = "sent"
	// StatusSuppressed 表示处于冷却窗口内
	StatusSuppressed DecisionStatus = "suppressed"
	// StatusInactive 表示告警已关闭
	StatusInactive DecisionStatus = "inactive"
	// StatusClear 表示未越限
	StatusClear DecisionStatus = "clear"
)

// Condition 表示越限条件
type Condition string

const (
	// ConditionHighTemperature 温度高于上限
	ConditionHighTemperature Condition = "high_temperature"
	// ConditionLowHumidity 湿度低于下限
	ConditionLowHumidity Condition = "low_humidity"
)

// Decision 一次评估的结果
type Decision struct {
	Status     DecisionStatus
	Text       string      // 仅 StatusSent 时非空
	Conditions []Condition // 读数本身越限的条件，与冷却和开关无关
	LastAlert  time.Time   // 评估后的最近告警时间
	At         time.Time
}

// Breached 判断读数是否越限
func (d Decision) Breached() bool {
	return len(d.Conditions) > 0
}
