// 本文件用于定义网关配置与业务模型
package models

import "time"

// Config 网关静态配置，启动时从 YAML 加载
type Config struct {
	// 数据落盘
	DataDir         string `yaml:"data_dir"`
	AlertStateFile  string `yaml:"alert_state_file"` // 告警配置持久化文件名
	HistoryFile     string `yaml:"history_file"`     // 读数历史文件名
	HistoryBackend  string `yaml:"history_backend"`  // json 或 sqlite
	HistoryCapacity int    `yaml:"history_capacity"` // 历史保留条数上限
	ConfigWatch     *bool  `yaml:"config_watch"`     // 是否监听告警配置文件的外部修改

	// 消息中间件
	BrokerKind     string `yaml:"broker_kind"` // mqtt 或 nats
	BrokerURL      string `yaml:"broker_url"`
	BrokerClientID string `yaml:"broker_client_id"`
	BrokerUsername string `yaml:"broker_username"`
	BrokerPassword string `yaml:"broker_password"`
	TopicSensor    string `yaml:"topic_sensor"`
	TopicConfig    string `yaml:"topic_config"`
	TopicStatus    string `yaml:"topic_status"`
	QueueSize      int    `yaml:"queue_size"`

	// 读数字段
	TemperatureKey string `yaml:"temperature_key"`
	HumidityKey    string `yaml:"humidity_key"`

	// 告警
	AlertCooldown   string `yaml:"alert_cooldown"`
	NotifyTimeout   string `yaml:"notify_timeout"`
	TelegramToken   string `yaml:"telegram_token"`
	TelegramAPIBase string `yaml:"telegram_api_base"`
	NotifyPrefix    string `yaml:"notify_prefix"`
	DingTalkWebhook string `yaml:"dingtalk_webhook"`
	DingTalkSecret  string `yaml:"dingtalk_secret"`
	WeChatRobotKey  string `yaml:"wechat_robot_key"`
	SMTPHost        string `yaml:"smtp_host"`
	SMTPPort        int    `yaml:"smtp_port"`
	SMTPUser        string `yaml:"smtp_user"`
	SMTPPassword    string `yaml:"smtp_password"`
	SMTPFrom        string `yaml:"smtp_from"`
	SMTPTo          string `yaml:"smtp_to"` // 逗号分隔
	SMTPTLS         bool   `yaml:"smtp_tls"`

	// 上云转发
	UplinkKafkaBrokers string `yaml:"uplink_kafka_brokers"`
	UplinkKafkaTopic   string `yaml:"uplink_kafka_topic"`

	// 历史归档
	ArchiveEndpoint   string `yaml:"archive_endpoint"`
	ArchiveBucket     string `yaml:"archive_bucket"`
	ArchiveAK         string `yaml:"archive_ak"`
	ArchiveSK         string `yaml:"archive_sk"`
	ArchivePrefix     string `yaml:"archive_prefix"`
	ArchiveOnShutdown bool   `yaml:"archive_on_shutdown"`
	DisableSSL        bool   `yaml:"disable_ssl"`

	// 日志
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"` // json 或 console

	// API
	APIBind        string `yaml:"api_bind"`
	APIAuthToken   string `yaml:"api_auth_token"`
	APICORSOrigins string `yaml:"api_cors_origins"`
}

// AlertConfig 运行时告警配置，字段始终完整
type AlertConfig struct {
	NotificationTarget string  `json:"chatId"`
	TempMax            float64 `json:"tempMax"`
	HumMin             float64 `json:"humMin"`
	IsActive           bool    `json:"isActive"`
}

// AlertPatch 告警配置的局部更新，nil 表示未指定
type AlertPatch struct {
	NotificationTarget *string
	TempMax            *float64
	HumMin             *float64
	IsActive           *bool
}

// Empty 判断是否没有任何字段
func (p AlertPatch) Empty() bool {
	return p.NotificationTarget == nil && p.TempMax == nil && p.HumMin == nil && p.IsActive == nil
}

// DefaultAlertConfig 返回出厂默认告警配置
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		NotificationTarget: "",
		TempMax:            30,
		HumMin:             40,
		IsActive:           true,
	}
}

// QueueStats 入站队列状态
type QueueStats struct {
	QueueLength int    `json:"queue"`
	Capacity    int    `json:"capacity"`
	Processed   uint64 `json:"processed"`
	Dropped     uint64 `json:"dropped"`
}

// HealthSnapshot 健康检查返回的运行指标
type HealthSnapshot struct {
	Queue                QueueStats `json:"queue"`
	HandlerPanics        uint64     `json:"handlerPanics"`
	BrokerKind           string     `json:"brokerKind"`
	BrokerConnected      bool       `json:"brokerConnected"`
	HistoryBackend       string     `json:"historyBackend"`
	HistorySize          int        `json:"historySize"`
	HistoryCapacity      int        `json:"historyCapacity"`
	HistoryWriteFailures uint64     `json:"historyWriteFailures"`
	HistoryCorruptTotal  uint64     `json:"historyCorruptTotal"`
	UplinkEnabled        bool       `json:"uplinkEnabled"`
	UplinkSent           uint64     `json:"uplinkSent"`
	UplinkFailed         uint64     `json:"uplinkFailed"`
	LiveClients          int        `json:"liveClients"`
	LastAlert            string     `json:"lastAlert"`
	StartedAt            time.Time  `json:"startedAt"`
}
