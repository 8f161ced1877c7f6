package transport

import "testing"

func TestTopicSubjectMapping(t *testing.T) {
	cases := map[string]string{
		"projeto_redes/sensor/dados": "projeto_redes.sensor.dados",
		"/lab/status/":               "lab.status",
		"lab/+/dados":                "lab.*.dados",
		"lab/#":                      "lab.>",
	}
	for topic, want := range cases {
		if got := TopicToSubject(topic); got != want {
			t.Fatalf("TopicToSubject(%q) expected %q, got %q", topic, want, got)
		}
	}
	if got := SubjectToTopic("projeto_redes.sensor.status"); got != "projeto_redes/sensor/status" {
		t.Fatalf("unexpected topic: %s", got)
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	if _, err := New(Options{Kind: "mqtt"}); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := New(Options{Kind: "amqp", URL: "amqp://localhost"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestNewBuildsClientsWithoutConnecting(t *testing.T) {
	mqttClient, err := New(Options{Kind: "mqtt", URL: "tcp://127.0.0.1:1", ClientID: "test"})
	if err != nil {
		t.Fatalf("new mqtt client failed: %v", err)
	}
	if mqttClient.Connected() {
		t.Fatalf("mqtt client should not be connected before Connect")
	}
	natsClient, err := New(Options{Kind: "nats", URL: "nats://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new nats client failed: %v", err)
	}
	if natsClient.Connected() {
		t.Fatalf("nats client should not be connected before Connect")
	}
	if err := natsClient.Publish("a/b", 0, false, nil); err == nil {
		t.Fatalf("publish without connection should fail")
	}
	natsClient.Close()
}
