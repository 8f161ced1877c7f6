package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultTelegramAPIBase = "https://api.telegram.org"

// TelegramSender 通过 Bot API sendMessage 发送文本
type TelegramSender struct {
	apiBase string
	token   string
	client  *http.Client
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramSender 创建 Telegram 通道
func NewTelegramSender(apiBase, token string) *TelegramSender {
	base := strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if base == "" {
		base = defaultTelegramAPIBase
	}
	return &TelegramSender{
		apiBase: base,
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: DefaultTimeout},
	}
}

// Name 返回通道名称
func (s *TelegramSender) Name() string {
	return "telegram"
}

// Send 向指定会话发送文本
func (s *TelegramSender) Send(ctx context.Context, destination, text string) error {
	if s.token == "" {
		return fmt.Errorf("telegram token 为空")
	}
	form := url.Values{}
	form.Set("chat_id", destination)
	form.Set("text", text)

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", s.apiBase, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 HTTP 请求失败: %w", redactToken(err, s.token))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API 状态码异常: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed telegramResponse
	if err := json.Unmarshal(body, &parsed); err == nil && !parsed.OK {
		return fmt.Errorf("telegram API 返回错误: %s", parsed.Description)
	}
	return nil
}

// redactToken 避免 token 随 URL 出现在日志里
func redactToken(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "***"))
}

var _ Sender = (*TelegramSender)(nil)
