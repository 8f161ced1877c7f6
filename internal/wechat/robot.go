package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sensor-gateway/internal/logger"
)

const (
	defaultWebhookBase = "https://qyapi.weixin.qq.com/cgi-bin/webhook/send"
	timeFormat         = "2006-01-02 15:04:05"
	messageTemplate    = "### <font color=\"warning\">传感器告警</font>\n%s\n> datetime: <font color=\"info\">%s</font>"
)

// Robot 企业微信机器人，作为告警的镜像通道
type Robot struct {
	robotKey    string
	webhookBase string
	client      *http.Client
	now         func() time.Time
}

type message struct {
	MsgType  string   `json:"msgtype"`
	Markdown markdown `json:"markdown"`
}

type markdown struct {
	Content string `json:"content"`
}

type response struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// NewRobot 创建新的企业微信机器人。
func NewRobot(robotKey string) *Robot {
	return &Robot{
		robotKey:    strings.TrimSpace(robotKey),
		webhookBase: defaultWebhookBase,
		client:      &http.Client{Timeout: 10 * time.Second},
		now:         time.Now,
	}
}

// Name 返回通道名称
func (r *Robot) Name() string {
	return "wechat"
}

// SendText 以 markdown 形式转发告警文本
func (r *Robot) SendText(ctx context.Context, content string) error {
	if r.robotKey == "" {
		return fmt.Errorf("企业微信机器人 key 为空")
	}

	msg := buildMarkdownMessage(content, r.now())
	jsonReq, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	if err := r.sendRequest(ctx, r.buildWebhookURL(), jsonReq); err != nil {
		return err
	}

	logger.Debug("企业微信机器人消息发送成功")
	return nil
}

func (r *Robot) buildWebhookURL() string {
	return fmt.Sprintf("%s?key=%s", r.webhookBase, r.robotKey)
}

func buildMarkdownMessage(content string, now time.Time) message {
	body := strings.TrimRight(content, "\n")
	return message{
		Markdown: markdown{
			Content: fmt.Sprintf(messageTemplate, body, now.Format(timeFormat)),
		},
		MsgType: "markdown",
	}
}

func (r *Robot) sendRequest(ctx context.Context, url string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("企业微信机器人消息发送失败，状态码: %d", resp.StatusCode)
	}
	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("解析企业微信响应失败: %w", err)
	}
	if body.ErrCode != 0 {
		return fmt.Errorf("企业微信机器人返回错误: %d %s", body.ErrCode, body.ErrMsg)
	}
	return nil
}
