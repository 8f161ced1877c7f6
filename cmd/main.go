// 本文件用于程序启动入口
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sensor-gateway/internal/api"
	"sensor-gateway/internal/config"
	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/metrics"
	"sensor-gateway/internal/models"
	"sensor-gateway/internal/service"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("程序退出: %v", err)
	}
}

func run() error {
	configPath := parseFlags()
	log.Printf("程序启动，配置文件: %s", configPath)

	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Close()

	logConfig(cfg)

	collector := metrics.Global()
	gateway, err := service.NewGateway(cfg, collector)
	if err != nil {
		logger.Error("创建网关服务失败: %v", err)
		return err
	}

	if err := gateway.Start(context.Background()); err != nil {
		logger.Error("启动网关服务失败: %v", err)
		_ = gateway.Stop()
		return err
	}

	apiServer := api.NewServer(cfg, gateway, collector.Handler(), gateway.Hub())
	apiServer.Start()

	waitForShutdown(gateway, apiServer)
	return nil
}

func parseFlags() string {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()
	return configPath
}

// loadAndValidateConfig 配置文件不存在时使用默认配置
func loadAndValidateConfig(configPath string) (*models.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Printf("配置文件不存在，使用默认配置: %s", configPath)
		cfg = config.DefaultConfig()
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logConfig(cfg *models.Config) {
	logger.Info("配置加载成功")
	logger.Info("数据目录: %s", cfg.DataDir)
	logger.Info("消息中间件: %s %s", cfg.BrokerKind, cfg.BrokerURL)
	logger.Info("订阅主题: 读数=%s 配置=%s 状态=%s", cfg.TopicSensor, cfg.TopicConfig, cfg.TopicStatus)
	logger.Info("读数历史: %s (%s, 保留 %d 条)", cfg.HistoryFile, cfg.HistoryBackend, cfg.HistoryCapacity)
	logger.Info("告警冷却时间: %s", cfg.AlertCooldown)
	logger.Info("入站队列大小: %d", cfg.QueueSize)
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		logger.Warn("Telegram Token 未配置，可通过环境变量 %s 设置", config.TelegramTokenEnv)
	}
	if strings.TrimSpace(cfg.ArchiveBucket) != "" {
		logger.Info("历史归档 Bucket: %s", cfg.ArchiveBucket)
	}
	logger.Info("日志级别: %s", cfg.LogLevel)
	if cfg.LogFile != "" {
		logger.Info("日志文件: %s", cfg.LogFile)
	}
	logger.Info("API 监听地址: %s", cfg.APIBind)
}

func waitForShutdown(gateway *service.Gateway, apiServer *api.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	<-signalChan
	logger.Info("收到退出信号，正在关闭服务...")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Warn("关闭 API 服务失败: %v", err)
		}
		cancel()
	}
	if err := gateway.Stop(); err != nil {
		logger.Error("停止网关服务失败: %v", err)
	}

	logger.Info("程序已退出")
}
