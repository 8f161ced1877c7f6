// 本文件用于传感器读数的解析与序列化
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ReceivedAtKey 网关补充的接收时间字段
const ReceivedAtKey = "received_at"

// ErrMalformedReading 读数无法解析
var ErrMalformedReading = errors.New("malformed sensor reading")

// ReadingKeys 读数中温湿度字段的键名
type ReadingKeys struct {
	Temperature string
	Humidity    string
}

// DefaultReadingKeys 现网传感器使用的键名
func DefaultReadingKeys() ReadingKeys {
	return ReadingKeys{Temperature: "temperatura", Humidity: "umidade"}
}

var readingAliases = map[string]string{
	"temperatura": "temperature",
	"umidade":     "humidity",
	"temperature": "temperatura",
	"humidity":    "umidade",
}

// SensorReading 一条通过校验的读数，构造后不再修改
type SensorReading struct {
	Temperature float64
	Humidity    float64
	ReceivedAt  time.Time
	Fields      map[string]json.RawMessage // 原始字段，落盘时原样透传
}

// ParseReading 解析入站读数，温湿度缺失视为 0，存在但非数值则拒绝
func ParseReading(payload []byte, keys ReadingKeys, now time.Time) (SensorReading, error) {
	if keys.Temperature == "" || keys.Humidity == "" {
		keys = DefaultReadingKeys()
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return SensorReading{}, fmt.Errorf("%w: payload is not a json object", ErrMalformedReading)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return SensorReading{}, fmt.Errorf("%w: %v", ErrMalformedReading, err)
	}
	temp, err := lookupNumber(fields, keys.Temperature)
	if err != nil {
		return SensorReading{}, fmt.Errorf("%w: temperature: %v", ErrMalformedReading, err)
	}
	hum, err := lookupNumber(fields, keys.Humidity)
	if err != nil {
		return SensorReading{}, fmt.Errorf("%w: humidity: %v", ErrMalformedReading, err)
	}
	return SensorReading{
		Temperature: temp,
		Humidity:    hum,
		ReceivedAt:  now,
		Fields:      fields,
	}, nil
}

func lookupNumber(fields map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok {
		alias, hasAlias := readingAliases[key]
		if hasAlias {
			raw, ok = fields[alias]
		}
	}
	if !ok {
		return 0, nil
	}
	return ParseNumber(raw)
}

// ParseNumber 接受 JSON 数字或数字字符串
func ParseNumber(raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	var value float64
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return 0, err
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", text)
		}
		value = parsed
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("not numeric: %s", string(trimmed))
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("not finite: %v", value)
	}
	return value, nil
}

// MarshalJSON 输出透传字段，缺少接收时间时补上 received_at
func (r SensorReading) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Fields)+1)
	for key, value := range r.Fields {
		out[key] = value
	}
	if _, ok := out[ReceivedAtKey]; !ok && !r.ReceivedAt.IsZero() {
		ts, err := json.Marshal(r.ReceivedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return nil, err
		}
		out[ReceivedAtKey] = ts
	}
	return json.Marshal(out)
}
