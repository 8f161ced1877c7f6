// 本文件用于告警邮件的镜像通知
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	defaultSubject = "传感器告警"
)

// Options SMTP 连接参数
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
	UseTLS   bool // 465 端口直连 TLS，其余端口走 STARTTLS
	Subject  string
}

// Sender 负责发送 SMTP 邮件，实现告警镜像通道
type Sender struct {
	opts Options
	now  func() time.Time
}

// NewSender 创建邮件发送器
func NewSender(opts Options) *Sender {
	opts.Host = strings.TrimSpace(opts.Host)
	opts.User = strings.TrimSpace(opts.User)
	opts.From = strings.TrimSpace(opts.From)
	opts.To = cleanRecipients(opts.To)
	if strings.TrimSpace(opts.Subject) == "" {
		opts.Subject = defaultSubject
	}
	return &Sender{opts: opts, now: time.Now}
}

// ParseRecipients 解析逗号或分号分隔的收件人
func ParseRecipients(raw string) []string {
	return cleanRecipients(strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	}))
}

// Name 返回通道名称
func (s *Sender) Name() string {
	return "email"
}

// SendText 以固定主题发送告警文本
func (s *Sender) SendText(ctx context.Context, text string) error {
	return s.SendMessage(ctx, s.opts.Subject, text)
}

// SendMessage 通过 SMTP 发送邮件
func (s *Sender) SendMessage(ctx context.Context, subject, body string) error {
	if err := s.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	client, err := s.openSession(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.deliver(client, subject, body); err != nil {
		return err
	}
	if err := client.Quit(); err != nil {
		return &QuitError{Err: err}
	}
	return nil
}

func (s *Sender) validate() error {
	if s == nil {
		return fmt.Errorf("email sender is nil")
	}
	switch {
	case s.opts.Host == "":
		return fmt.Errorf("smtp host is empty")
	case s.opts.Port <= 0:
		return fmt.Errorf("smtp port is invalid")
	case s.opts.From == "":
		return fmt.Errorf("smtp from is empty")
	case len(s.opts.To) == 0:
		return fmt.Errorf("smtp recipients are empty")
	}
	return nil
}

// openSession 建立连接并完成 TLS 与认证
func (s *Sender) openSession(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprintf("%d", s.opts.Port))
	dialer := net.Dialer{Timeout: defaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial failed: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	implicitTLS := s.opts.UseTLS && s.opts.Port == 465
	if implicitTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.opts.Host})
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("smtp tls handshake failed: %w", err)
		}
		conn = tlsConn
	}
	client, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp client init failed: %w", err)
	}

	if s.opts.UseTLS && !implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			_ = client.Close()
			return nil, fmt.Errorf("smtp server does not support STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: s.opts.Host}); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if s.opts.User != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			_ = client.Close()
			return nil, fmt.Errorf("smtp server does not support AUTH")
		}
		auth := smtp.PlainAuth("", s.opts.User, s.opts.Password, s.opts.Host)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	return client, nil
}

func (s *Sender) deliver(client *smtp.Client, subject, body string) error {
	if err := client.Mail(s.opts.From); err != nil {
		return fmt.Errorf("smtp mail from failed: %w", err)
	}
	for _, rcpt := range s.opts.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt to %s failed: %w", rcpt, err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	message := buildMessage(s.opts.From, s.opts.To, subject, body, s.now())
	if _, err := writer.Write([]byte(message)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp data close failed: %w", err)
	}
	return nil
}

// QuitError 邮件已提交但 QUIT 失败
type QuitError struct {
	Err error
}

// Error 返回可读的 QUIT 失败描述
func (e *QuitError) Error() string {
	if e == nil || e.Err == nil {
		return "smtp quit failed"
	}
	return fmt.Sprintf("smtp quit failed: %v", e.Err)
}

// Unwrap 暴露底层错误
func (e *QuitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsQuitError 判断错误是否为退出失败
func IsQuitError(err error) bool {
	var quitErr *QuitError
	return errors.As(err, &quitErr)
}

// buildMessage 组装纯文本邮件，主题去掉换行防止头注入
func buildMessage(from string, to []string, subject, body string, now time.Time) string {
	cleanSubject := strings.NewReplacer("\r", "", "\n", "").Replace(subject)
	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", strings.Join(to, ", ")),
		fmt.Sprintf("Subject: %s", cleanSubject),
		fmt.Sprintf("Date: %s", now.Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + normalizeLineEndings(body) + "\r\n"
}

// normalizeLineEndings SMTP 要求 CRLF
func normalizeLineEndings(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return strings.ReplaceAll(body, "\n", "\r\n")
}

func cleanRecipients(list []string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
