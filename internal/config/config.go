package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"sensor-gateway/internal/models"
)

const (
	defaultAlertStateFile  = "gateway_config.json"
	defaultHistoryFile     = "sensor_history.json"
	defaultHistoryCapacity = 2000
	defaultBrokerURL       = "tcp://localhost:1883"
	defaultTopicSensor     = "projeto_redes/sensor/dados"
	defaultTopicConfig     = "projeto_redes/config/alertas"
	defaultTopicStatus     = "projeto_redes/sensor/status"
	defaultQueueSize       = 256
	defaultAlertCooldown   = 10 * time.Second
	defaultNotifyTimeout   = 10 * time.Second
	defaultTelegramAPIBase = "https://api.telegram.org"
	defaultNotifyPrefix    = "[SYSTEM ALERT]\n\n"
	defaultUplinkTopic     = "sensor-readings"
	defaultArchivePrefix   = "sensor-history/"
	defaultAPIBind         = ":8080"

	// TelegramTokenEnv 环境变量中的机器人 token，优先于配置文件
	TelegramTokenEnv = "TELEGRAM_TOKEN"
)

var numRe = regexp.MustCompile(`\d+`)

// LoadConfig 加载配置文件
func LoadConfig(configFile string) (*models.Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config models.Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)
	return &config, nil
}

// DefaultConfig 返回仅包含默认值的配置，未提供配置文件时使用
func DefaultConfig() *models.Config {
	config := &models.Config{}
	applyEnvOverrides(config)
	applyDefaults(config)
	return config
}

func applyEnvOverrides(config *models.Config) {
	if token := strings.TrimSpace(os.Getenv(TelegramTokenEnv)); token != "" {
		config.TelegramToken = token
	}
	config.APIAuthToken = expandPlaceholder(config.APIAuthToken)
}

// expandPlaceholder 把 ${VAR} 替换为环境变量，变量为空时保留占位符
func expandPlaceholder(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "${") || !strings.HasSuffix(trimmed, "}") {
		return raw
	}
	name := strings.TrimSuffix(strings.TrimPrefix(trimmed, "${"), "}")
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return raw
}

func applyDefaults(config *models.Config) {
	config.DataDir = strings.TrimSpace(config.DataDir)
	if config.DataDir == "" {
		config.DataDir = "."
	}
	if strings.TrimSpace(config.AlertStateFile) == "" {
		config.AlertStateFile = defaultAlertStateFile
	}
	if strings.TrimSpace(config.HistoryFile) == "" {
		config.HistoryFile = defaultHistoryFile
	}
	config.HistoryBackend = strings.ToLower(strings.TrimSpace(config.HistoryBackend))
	if config.HistoryBackend == "" {
		config.HistoryBackend = "json"
	}
	if config.HistoryCapacity == 0 {
		config.HistoryCapacity = defaultHistoryCapacity
	}
	if config.ConfigWatch == nil {
		enabled := true
		config.ConfigWatch = &enabled
	}

	config.BrokerKind = strings.ToLower(strings.TrimSpace(config.BrokerKind))
	if config.BrokerKind == "" {
		config.BrokerKind = "mqtt"
	}
	if strings.TrimSpace(config.BrokerURL) == "" {
		config.BrokerURL = defaultBrokerURL
	}
	if strings.TrimSpace(config.TopicSensor) == "" {
		config.TopicSensor = defaultTopicSensor
	}
	if strings.TrimSpace(config.TopicConfig) == "" {
		config.TopicConfig = defaultTopicConfig
	}
	if strings.TrimSpace(config.TopicStatus) == "" {
		config.TopicStatus = defaultTopicStatus
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}

	keys := models.DefaultReadingKeys()
	if strings.TrimSpace(config.TemperatureKey) == "" {
		config.TemperatureKey = keys.Temperature
	}
	if strings.TrimSpace(config.HumidityKey) == "" {
		config.HumidityKey = keys.Humidity
	}

	if strings.TrimSpace(config.AlertCooldown) == "" {
		config.AlertCooldown = defaultAlertCooldown.String()
	}
	if strings.TrimSpace(config.NotifyTimeout) == "" {
		config.NotifyTimeout = defaultNotifyTimeout.String()
	}
	if strings.TrimSpace(config.TelegramAPIBase) == "" {
		config.TelegramAPIBase = defaultTelegramAPIBase
	}
	if config.NotifyPrefix == "" {
		config.NotifyPrefix = defaultNotifyPrefix
	}
	if strings.TrimSpace(config.UplinkKafkaBrokers) != "" && strings.TrimSpace(config.UplinkKafkaTopic) == "" {
		config.UplinkKafkaTopic = defaultUplinkTopic
	}
	if strings.TrimSpace(config.SMTPHost) != "" && config.SMTPPort <= 0 {
		config.SMTPPort = 25
		if config.SMTPTLS {
			config.SMTPPort = 465
		}
	}
	if strings.TrimSpace(config.ArchivePrefix) == "" {
		config.ArchivePrefix = defaultArchivePrefix
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if strings.TrimSpace(config.APIBind) == "" {
		config.APIBind = defaultAPIBind
	}
}

// ValidateConfig 验证配置
func ValidateConfig(config *models.Config) error {
	if config == nil {
		return fmt.Errorf("配置不能为空")
	}
	switch config.BrokerKind {
	case "mqtt", "nats":
	default:
		return fmt.Errorf("不支持的消息中间件类型: %s", config.BrokerKind)
	}
	if strings.TrimSpace(config.BrokerURL) == "" {
		return fmt.Errorf("消息中间件地址不能为空")
	}
	switch config.HistoryBackend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("不支持的历史存储类型: %s", config.HistoryBackend)
	}
	if config.HistoryCapacity <= 0 {
		return fmt.Errorf("历史保留条数必须大于0")
	}
	if config.TopicSensor == config.TopicConfig || config.TopicSensor == config.TopicStatus || config.TopicConfig == config.TopicStatus {
		return fmt.Errorf("读数、配置、状态主题不能重复")
	}
	if _, err := AlertCooldown(config); err != nil {
		return err
	}
	if _, err := NotifyTimeout(config); err != nil {
		return err
	}
	if strings.TrimSpace(config.SMTPHost) != "" {
		if strings.TrimSpace(config.SMTPFrom) == "" || strings.TrimSpace(config.SMTPTo) == "" {
			return fmt.Errorf("启用邮件通知时发件人和收件人不能为空")
		}
	}
	if config.ArchiveBucket != "" {
		if config.ArchiveEndpoint == "" {
			return fmt.Errorf("OSS Endpoint不能为空")
		}
		if config.ArchiveAK == "" || config.ArchiveSK == "" {
			return fmt.Errorf("OSS认证信息不能为空")
		}
	}
	return nil
}

// AlertCooldown 返回告警冷却时间
func AlertCooldown(config *models.Config) (time.Duration, error) {
	d, err := ParseDuration(config.AlertCooldown, defaultAlertCooldown)
	if err != nil {
		return 0, fmt.Errorf("告警冷却时间无效: %w", err)
	}
	return d, nil
}

// NotifyTimeout 返回通知发送超时
func NotifyTimeout(config *models.Config) (time.Duration, error) {
	d, err := ParseDuration(config.NotifyTimeout, defaultNotifyTimeout)
	if err != nil {
		return 0, fmt.Errorf("通知超时时间无效: %w", err)
	}
	return d, nil
}

// ReadingKeys 返回读数字段键名
func ReadingKeys(config *models.Config) models.ReadingKeys {
	return models.ReadingKeys{
		Temperature: strings.TrimSpace(config.TemperatureKey),
		Humidity:    strings.TrimSpace(config.HumidityKey),
	}
}

// ParseDuration 解析时长，兼容 10s、10秒、纯数字秒数等写法
func ParseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	clean := strings.ToLower(trimmed)
	clean = strings.ReplaceAll(clean, "秒钟", "秒")
	clean = strings.ReplaceAll(clean, "秒", "s")
	clean = strings.ReplaceAll(clean, "分钟", "m")
	clean = strings.ReplaceAll(clean, "分", "m")
	clean = strings.ReplaceAll(clean, "小时", "h")
	clean = strings.TrimSpace(clean)
	if d, err := time.ParseDuration(clean); err == nil && d > 0 {
		return d, nil
	}
	if m := numRe.FindString(clean); m != "" && m == clean {
		if v, err := strconv.Atoi(m); err == nil && v > 0 {
			return time.Duration(v) * time.Second, nil
		}
	}
	return 0, fmt.Errorf("无效时间: %s", raw)
}
