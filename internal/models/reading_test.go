package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseReading_DefaultKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reading, err := ParseReading([]byte(`{"temperatura": 31.5, "umidade": "38.2", "timestamp": "10:00:00"}`), DefaultReadingKeys(), now)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if reading.Temperature != 31.5 || reading.Humidity != 38.2 {
		t.Fatalf("unexpected values: %+v", reading)
	}
	if !reading.ReceivedAt.Equal(now) {
		t.Fatalf("received_at expected %v, got %v", now, reading.ReceivedAt)
	}
}

func TestParseReading_EnglishAliases(t *testing.T) {
	reading, err := ParseReading([]byte(`{"temperature": 22, "humidity": 50}`), DefaultReadingKeys(), time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if reading.Temperature != 22 || reading.Humidity != 50 {
		t.Fatalf("unexpected values: %+v", reading)
	}
}

func TestParseReading_MissingFieldsReadAsZero(t *testing.T) {
	reading, err := ParseReading([]byte(`{"device": "esp32"}`), DefaultReadingKeys(), time.Now())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if reading.Temperature != 0 || reading.Humidity != 0 {
		t.Fatalf("missing fields should read as zero: %+v", reading)
	}
}

func TestParseReading_Rejects(t *testing.T) {
	cases := map[string]string{
		"non numeric":  `{"temperatura": "hot", "umidade": 40}`,
		"null":         `{"temperatura": null, "umidade": 40}`,
		"bool":         `{"temperatura": 20, "umidade": true}`,
		"array":        `[1, 2]`,
		"invalid json": `{"temperatura": `,
		"plain text":   `offline`,
		"nan string":   `{"temperatura": "NaN", "umidade": 40}`,
	}
	for name, payload := range cases {
		if _, err := ParseReading([]byte(payload), DefaultReadingKeys(), time.Now()); !errors.Is(err, ErrMalformedReading) {
			t.Fatalf("%s: expected ErrMalformedReading, got %v", name, err)
		}
	}
}

func TestSensorReading_MarshalKeepsFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reading, err := ParseReading([]byte(`{"temperatura": 25, "umidade": 45, "sent_at": 1700000000000}`), DefaultReadingKeys(), now)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	data, err := json.Marshal(reading)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	out := string(data)
	for _, token := range []string{`"sent_at":1700000000000`, `"temperatura":25`, `"received_at":"2026-03-01T10:00:00Z"`} {
		if !strings.Contains(out, token) {
			t.Fatalf("marshal output missing %s: %s", token, out)
		}
	}
}
