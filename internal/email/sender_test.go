package email

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSMTP 只实现发送一封明文邮件所需的最小命令集
type fakeSMTP struct {
	listener net.Listener
	mu       sync.Mutex
	commands []string
	data     string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	server := &fakeSMTP{listener: listener}
	go server.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return server
}

func (f *fakeSMTP) port() int {
	return f.listener.Addr().(*net.TCPAddr).Port
}

func (f *fakeSMTP) serve() {
	conn, err := f.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }
	reply("220 fake ESMTP")
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()
		switch upper := strings.ToUpper(cmd); {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250 fake")
		case strings.HasPrefix(upper, "MAIL"), strings.HasPrefix(upper, "RCPT"):
			reply("250 ok")
		case upper == "DATA":
			reply("354 go ahead")
			var body strings.Builder
			for {
				dataLine, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if dataLine == ".\r\n" {
					break
				}
				body.WriteString(dataLine)
			}
			f.mu.Lock()
			f.data = body.String()
			f.mu.Unlock()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (f *fakeSMTP) snapshot() ([]string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...), f.data
}

func TestSendTextDeliversAlert(t *testing.T) {
	server := startFakeSMTP(t)
	sender := NewSender(Options{
		Host: "127.0.0.1",
		Port: server.port(),
		From: "gateway@example.com",
		To:   []string{" ops@example.com ", ""},
	})
	sender.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sender.SendText(ctx, "Low Humidity detected: 35%\n"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	commands, data := server.snapshot()
	joined := strings.Join(commands, "\n")
	if !strings.Contains(joined, "MAIL FROM:<gateway@example.com>") || !strings.Contains(joined, "RCPT TO:<ops@example.com>") {
		t.Fatalf("unexpected smtp commands: %v", commands)
	}
	if !strings.Contains(data, "Subject: "+defaultSubject) {
		t.Fatalf("subject missing: %q", data)
	}
	if !strings.Contains(data, "Low Humidity detected: 35%\r\n") {
		t.Fatalf("body missing or not CRLF: %q", data)
	}
	if sender.Name() != "email" {
		t.Fatalf("unexpected name: %s", sender.Name())
	}
}

func TestSendMessageValidation(t *testing.T) {
	cases := []Options{
		{Port: 25, From: "a@b", To: []string{"c@d"}},
		{Host: "smtp", From: "a@b", To: []string{"c@d"}},
		{Host: "smtp", Port: 25, To: []string{"c@d"}},
		{Host: "smtp", Port: 25, From: "a@b", To: []string{" "}},
	}
	for i, opts := range cases {
		if err := NewSender(opts).SendText(context.Background(), "x"); err == nil {
			t.Fatalf("case %d expected validation error", i)
		}
	}
	var nilSender *Sender
	if err := nilSender.SendMessage(context.Background(), "s", "b"); err == nil {
		t.Fatalf("nil sender should fail")
	}
}

func TestBuildMessageStripsSubjectNewlines(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	msg := buildMessage("a@b", []string{"c@d", "e@f"}, "hi\r\nBcc: x@y", "line1\nline2", now)
	if strings.Contains(msg, "\r\nBcc:") {
		t.Fatalf("subject newline should be stripped: %q", msg)
	}
	if !strings.Contains(msg, "To: c@d, e@f") || !strings.Contains(msg, "line1\r\nline2\r\n") {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestParseRecipientsAndQuitError(t *testing.T) {
	got := ParseRecipients("a@b, ;c@d;; ")
	if len(got) != 2 || got[0] != "a@b" || got[1] != "c@d" {
		t.Fatalf("unexpected recipients: %v", got)
	}
	if !IsQuitError(&QuitError{Err: context.Canceled}) || IsQuitError(context.Canceled) {
		t.Fatalf("IsQuitError mismatch")
	}
}
