package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/models"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed int
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed++
	return nil
}

func sampleReading(t *testing.T) models.SensorReading {
	t.Helper()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	reading, err := models.ParseReading([]byte(`{"temperatura":31.5,"umidade":45}`), models.DefaultReadingKeys(), now)
	if err != nil {
		t.Fatalf("parse reading failed: %v", err)
	}
	return reading
}

func TestForwardWritesEnvelope(t *testing.T) {
	writer := &fakeWriter{}
	f := NewForwarder(writer, "sensor-readings", nil)
	reading := sampleReading(t)
	decision := alert.Decision{Status: alert.StatusSent, Conditions: []alert.Condition{alert.ConditionHighTemperature}}

	f.ReadingAccepted(context.Background(), reading, decision)

	if len(writer.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.msgs))
	}
	msg := writer.msgs[0]
	var env struct {
		ID       string                     `json:"id"`
		Reading  map[string]json.RawMessage `json:"reading"`
		Decision string                     `json:"decision"`
		Breached []string                   `json:"breached"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("decode envelope failed: %v", err)
	}
	if env.ID == "" || string(msg.Key) != env.ID {
		t.Fatalf("message key should equal envelope id: key=%s id=%s", msg.Key, env.ID)
	}
	if env.Decision != "sent" || len(env.Breached) != 1 || env.Breached[0] != "high_temperature" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if string(env.Reading["temperatura"]) != "31.5" {
		t.Fatalf("reading fields should pass through, got %s", env.Reading["temperatura"])
	}
	if _, ok := env.Reading[models.ReceivedAtKey]; !ok {
		t.Fatalf("reading should carry %s", models.ReceivedAtKey)
	}
	if sent, failed := f.Stats(); sent != 1 || failed != 0 {
		t.Fatalf("unexpected stats: sent=%d failed=%d", sent, failed)
	}
}

func TestForwardFailureIsCounted(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	f := NewForwarder(writer, "sensor-readings", nil)
	if err := f.Forward(context.Background(), sampleReading(t), alert.Decision{Status: alert.StatusClear}); err == nil {
		t.Fatalf("expected forward error")
	}
	if sent, failed := f.Stats(); sent != 0 || failed != 1 {
		t.Fatalf("unexpected stats: sent=%d failed=%d", sent, failed)
	}
}

func TestForwardAfterClose(t *testing.T) {
	writer := &fakeWriter{}
	f := NewForwarder(writer, "sensor-readings", nil)
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	_ = f.Close()
	if writer.closed != 1 {
		t.Fatalf("writer should be closed once, got %d", writer.closed)
	}
	if err := f.Forward(context.Background(), sampleReading(t), alert.Decision{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewKafkaForwarderValidates(t *testing.T) {
	if _, err := NewKafkaForwarder(" , ", "topic", nil); err == nil {
		t.Fatalf("expected error for empty brokers")
	}
	if _, err := NewKafkaForwarder("localhost:9092", "", nil); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	f, err := NewKafkaForwarder("localhost:9092, localhost:9093", "sensor-readings", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = f.Close()
}
