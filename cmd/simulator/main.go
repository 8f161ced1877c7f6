// 本文件用于传感器模拟器，向网关发布温湿度读数与在线状态
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sensor-gateway/internal/config"
	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/transport"
)

type simOptions struct {
	kind        string
	url         string
	topicSensor string
	topicStatus string
	interval    time.Duration
	count       int
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("模拟器退出: %v", err)
	}
}

func run() error {
	options, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	client, err := transport.New(transport.Options{
		Kind:     options.kind,
		URL:      options.url,
		ClientID: "sensor-sim-" + uuid.NewString()[:8],
		Will: &transport.Will{
			Topic:    options.topicStatus,
			Payload:  []byte("offline"),
			QoS:      1,
			Retained: true,
		},
	})
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	if err := client.Publish(options.topicStatus, 1, true, []byte("online")); err != nil {
		return fmt.Errorf("发布在线状态失败: %w", err)
	}
	logger.Info("模拟器已连接: %s %s，每 %s 发布一次读数", options.kind, options.url, options.interval)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(options.interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sent := 0
	for {
		payload, err := buildReading(rng, time.Now())
		if err != nil {
			return err
		}
		if err := client.Publish(options.topicSensor, 0, false, payload); err != nil {
			logger.Warn("发布读数失败: %v", err)
		} else {
			sent++
			logger.Debug("已发布读数: %s", string(payload))
		}
		if options.count > 0 && sent >= options.count {
			break
		}
		select {
		case <-signalChan:
			logger.Info("收到退出信号，模拟器停止")
			return publishOffline(client, options.topicStatus)
		case <-ticker.C:
		}
	}
	logger.Info("已发布 %d 条读数，模拟器停止", sent)
	return publishOffline(client, options.topicStatus)
}

func parseFlags(args []string) (simOptions, error) {
	defaults := config.DefaultConfig()
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	kind := fs.String("broker", defaults.BrokerKind, "消息中间件类型：mqtt|nats")
	url := fs.String("url", defaults.BrokerURL, "消息中间件地址")
	topicSensor := fs.String("topic-sensor", defaults.TopicSensor, "读数主题")
	topicStatus := fs.String("topic-status", defaults.TopicStatus, "在线状态主题")
	interval := fs.Duration("interval", 2*time.Second, "发布间隔")
	count := fs.Int("count", 0, "发布条数，0 表示持续发布")
	if err := fs.Parse(args); err != nil {
		return simOptions{}, err
	}
	options := simOptions{
		kind:        strings.ToLower(strings.TrimSpace(*kind)),
		url:         strings.TrimSpace(*url),
		topicSensor: strings.TrimSpace(*topicSensor),
		topicStatus: strings.TrimSpace(*topicStatus),
		interval:    *interval,
		count:       *count,
	}
	if options.interval <= 0 {
		return simOptions{}, fmt.Errorf("-interval 必须大于0")
	}
	if options.count < 0 {
		return simOptions{}, fmt.Errorf("-count 不能为负数")
	}
	if options.topicSensor == "" || options.topicStatus == "" {
		return simOptions{}, fmt.Errorf("主题不能为空")
	}
	return options, nil
}

// buildReading 温度 25~35 保留两位小数，湿度 30~60 保留一位小数
func buildReading(rng *rand.Rand, now time.Time) ([]byte, error) {
	reading := map[string]interface{}{
		"temperatura": roundTo(25+rng.Float64()*10, 2),
		"umidade":     roundTo(30+rng.Float64()*30, 1),
		"timestamp":   now.Format("15:04:05"),
		"sent_at":     now.UnixMilli(),
	}
	return json.Marshal(reading)
}

func roundTo(value float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(value*scale) / scale
}

func publishOffline(client transport.Client, topic string) error {
	if err := client.Publish(topic, 1, true, []byte("offline")); err != nil {
		return fmt.Errorf("发布离线状态失败: %w", err)
	}
	return nil
}
