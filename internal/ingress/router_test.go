package ingress

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/config"
	"sensor-gateway/internal/models"
	"sensor-gateway/internal/storage"
)

var testTopics = Topics{
	Sensor: "projeto_redes/sensor/dados",
	Config: "projeto_redes/config/alertas",
	Status: "projeto_redes/sensor/status",
}

type fakeHistory struct {
	mu       sync.Mutex
	readings []models.SensorReading
	err      error
}

func (h *fakeHistory) Append(reading models.SensorReading) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.readings = append(h.readings, reading)
	return nil
}

func (h *fakeHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.readings)
}

type countingEvaluator struct {
	inner alert.Evaluator
	calls int
}

func (e *countingEvaluator) Evaluate(reading models.SensorReading, cfg models.AlertConfig, now, last time.Time) alert.Decision {
	e.calls++
	return e.inner.Evaluate(reading, cfg, now, last)
}

type sentNotification struct {
	destination string
	text        string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *fakeNotifier) Send(ctx context.Context, destination, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{destination: destination, text: text})
	return errors.New("delivery failed")
}

type routerFixture struct {
	router    *Router
	store     *config.AlertStore
	history   *fakeHistory
	evaluator *countingEvaluator
	notifier  *fakeNotifier
	state     *alert.State
	clock     time.Time
	dir       string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	f := &routerFixture{
		dir:       dir,
		store:     config.NewAlertStore(fs, "gateway_config.json"),
		history:   &fakeHistory{},
		evaluator: &countingEvaluator{inner: alert.NewThresholdEvaluator(10 * time.Second)},
		notifier:  &fakeNotifier{},
		state:     alert.NewState(),
		clock:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	router, err := NewRouter(Options{
		Topics:    testTopics,
		Config:    f.store,
		History:   f.history,
		Evaluator: f.evaluator,
		State:     f.state,
		Notifier:  f.notifier,
		Now:       func() time.Time { return f.clock },
	})
	if err != nil {
		t.Fatalf("new router failed: %v", err)
	}
	f.router = router
	return f
}

func (f *routerFixture) send(topic, payload string, at time.Time) {
	f.router.Handle(context.Background(), Message{Topic: topic, Payload: []byte(payload), ReceivedAt: at})
}

func TestRouterMalformedReadingHasNoEffects(t *testing.T) {
	f := newRouterFixture(t)
	f.store.Merge(models.AlertPatch{NotificationTarget: strPtr("42")})

	f.send(testTopics.Sensor, `{"temperatura": "hot", "umidade": 10}`, f.clock)
	f.send(testTopics.Sensor, `not json`, f.clock)

	if f.history.len() != 0 {
		t.Fatalf("malformed readings must not reach history, got %d", f.history.len())
	}
	if f.evaluator.calls != 0 {
		t.Fatalf("malformed readings must not be evaluated, got %d calls", f.evaluator.calls)
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("malformed readings must not notify")
	}
}

func TestRouterBreachNotifiesOnceWithinCooldown(t *testing.T) {
	f := newRouterFixture(t)
	f.store.Merge(models.AlertPatch{NotificationTarget: strPtr("42")})

	f.send(testTopics.Sensor, `{"temperatura": 35, "umidade": 20}`, f.clock)
	f.send(testTopics.Sensor, `{"temperatura": 36, "umidade": 20}`, f.clock.Add(5*time.Second))
	f.send(testTopics.Sensor, `{"temperatura": 37, "umidade": 50}`, f.clock.Add(11*time.Second))

	if f.history.len() != 3 {
		t.Fatalf("every valid reading should be logged, got %d", f.history.len())
	}
	if f.evaluator.calls != 3 {
		t.Fatalf("every valid reading should be evaluated, got %d", f.evaluator.calls)
	}
	if len(f.notifier.sent) != 2 {
		t.Fatalf("expected 2 alerts, got %d: %+v", len(f.notifier.sent), f.notifier.sent)
	}
	first := f.notifier.sent[0]
	if first.destination != "42" {
		t.Fatalf("alert should go to configured target, got %q", first.destination)
	}
	if !strings.Contains(first.text, "High Temperature detected: 35C (Limit: 30C)") || !strings.Contains(first.text, "Low Humidity detected: 20% (Limit: 40%)") {
		t.Fatalf("both lines expected in one alert: %q", first.text)
	}
	if got := f.state.LastAlert(); !got.Equal(f.clock.Add(11 * time.Second)) {
		t.Fatalf("last alert should be the third reading, got %v", got)
	}
}

func TestRouterHistoryFailureStillEvaluates(t *testing.T) {
	f := newRouterFixture(t)
	f.history.err = errors.New("disk full")
	f.store.Merge(models.AlertPatch{NotificationTarget: strPtr("42")})

	f.send(testTopics.Sensor, `{"temperatura": 40, "umidade": 50}`, f.clock)

	if f.evaluator.calls != 1 || len(f.notifier.sent) != 1 {
		t.Fatalf("history failure must not block alerting: calls=%d sent=%d", f.evaluator.calls, len(f.notifier.sent))
	}
}

func TestRouterDeliveryFailureKeepsCooldown(t *testing.T) {
	f := newRouterFixture(t)
	f.store.Merge(models.AlertPatch{NotificationTarget: strPtr("42")})

	f.send(testTopics.Sensor, `{"temperatura": 40, "umidade": 50}`, f.clock)
	if !f.state.LastAlert().Equal(f.clock) {
		t.Fatalf("failed delivery must not roll back last alert")
	}
}

func TestRouterConfigUpdateMergesAndConfirms(t *testing.T) {
	f := newRouterFixture(t)

	f.send(testTopics.Config, `{"chatId": "123"}`, f.clock)

	want := models.AlertConfig{NotificationTarget: "123", TempMax: 30, HumMin: 40, IsActive: true}
	if got := f.store.Current(); got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].text != ConfirmationText || f.notifier.sent[0].destination != "123" {
		t.Fatalf("expected one confirmation to 123, got %+v", f.notifier.sent)
	}
	reloaded := f.store.Load()
	if reloaded != want {
		t.Fatalf("update should be persisted, reloaded %+v", reloaded)
	}
}

func TestRouterConfigUpdateWithoutTargetSkipsConfirmation(t *testing.T) {
	f := newRouterFixture(t)
	f.send(testTopics.Config, `{"tempMax": 25}`, f.clock)
	if f.store.Current().TempMax != 25 {
		t.Fatalf("tempMax should be merged")
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("no confirmation without target, got %+v", f.notifier.sent)
	}
}

func TestRouterMalformedConfigIsDiscarded(t *testing.T) {
	f := newRouterFixture(t)
	f.send(testTopics.Config, `{"tempMax": "warm", "chatId": "1"}`, f.clock)
	if f.store.Current() != models.DefaultAlertConfig() {
		t.Fatalf("malformed patch must not change config, got %+v", f.store.Current())
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("malformed patch must not notify")
	}
}

func TestRouterStatusOfflineDispatchesOnce(t *testing.T) {
	f := newRouterFixture(t)
	f.store.Merge(models.AlertPatch{NotificationTarget: strPtr("42")})

	f.send(testTopics.Status, " offline\n", f.clock)

	if len(f.notifier.sent) != 1 || f.notifier.sent[0].text != OfflineText {
		t.Fatalf("expected one offline notification, got %+v", f.notifier.sent)
	}
	if f.history.len() != 0 || f.evaluator.calls != 0 {
		t.Fatalf("status must bypass history and evaluator")
	}
	if !f.state.LastAlert().IsZero() {
		t.Fatalf("status must not touch last alert")
	}

	f.send(testTopics.Status, "online", f.clock)
	if len(f.notifier.sent) != 2 || f.notifier.sent[1].text != OnlineText {
		t.Fatalf("expected recovery notification, got %+v", f.notifier.sent)
	}
}

func TestRouterUnknownStatusAndTopicAreIgnored(t *testing.T) {
	f := newRouterFixture(t)
	f.store.Merge(models.AlertPatch{NotificationTarget: strPtr("42")})

	f.send(testTopics.Status, "unknown-token", f.clock)
	f.send("projeto_redes/other", `{"temperatura": 99}`, f.clock)

	if len(f.notifier.sent) != 0 || f.history.len() != 0 || f.evaluator.calls != 0 {
		t.Fatalf("unknown inputs must have no effect: sent=%d history=%d calls=%d", len(f.notifier.sent), f.history.len(), f.evaluator.calls)
	}
}

func TestRouterReloadConfig(t *testing.T) {
	f := newRouterFixture(t)
	cfg := f.store.Merge(models.AlertPatch{TempMax: floatPtr(22)})
	if err := f.store.Persist(cfg); err != nil {
		t.Fatalf("persist failed: %v", err)
	}
	f.store.Merge(models.AlertPatch{TempMax: floatPtr(50)})

	got, changed := f.router.ReloadConfig()
	if !changed || got.TempMax != 22 {
		t.Fatalf("reload should restore persisted value, got %+v changed=%v", got, changed)
	}
	if _, changed := f.router.ReloadConfig(); changed {
		t.Fatalf("second reload should report no change")
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("reload must not send confirmation")
	}
}

func TestRouterReloadKeepsConfigOnTruncatedFile(t *testing.T) {
	f := newRouterFixture(t)
	applied := f.router.ApplyPatch(context.Background(), models.AlertPatch{
		NotificationTarget: strPtr("123"),
		TempMax:            floatPtr(50),
		IsActive:           boolPtr(false),
	}, "api")
	path := filepath.Join(f.dir, "gateway_config.json")
	if err := os.WriteFile(path, []byte(`{"chatId":"123","tempMax":50,`), 0o644); err != nil {
		t.Fatalf("write truncated config failed: %v", err)
	}

	got, changed := f.router.ReloadConfig()
	if changed {
		t.Fatalf("truncated file must not count as a change")
	}
	if got != applied || f.store.Current() != applied {
		t.Fatalf("truncated file must keep %+v, got %+v", applied, f.store.Current())
	}
}

// panicOnceHistory 第一次写入时 panic，之后正常记录
type panicOnceHistory struct {
	fakeHistory
	once sync.Once
}

func (h *panicOnceHistory) Append(reading models.SensorReading) error {
	h.once.Do(func() { panic("history backend exploded") })
	return h.fakeHistory.Append(reading)
}

func TestRouterRecoversFromHandlerPanic(t *testing.T) {
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	store := config.NewAlertStore(fs, "gateway_config.json")
	history := &panicOnceHistory{}
	router, err := NewRouter(Options{
		Topics:    testTopics,
		Config:    store,
		History:   history,
		Evaluator: alert.NewThresholdEvaluator(10 * time.Second),
		State:     alert.NewState(),
		Notifier:  &fakeNotifier{},
	})
	if err != nil {
		t.Fatalf("new router failed: %v", err)
	}
	q := NewQueue(4, router.Handle, nil)
	for _, temp := range []string{"21", "22"} {
		msg := Message{Topic: testTopics.Sensor, Payload: []byte(`{"temperatura": ` + temp + `, "umidade": 50}`), ReceivedAt: time.Now()}
		if err := q.Submit(msg); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for history.len() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if history.len() != 1 {
		t.Fatalf("reading after the panic should still be recorded, got %d", history.len())
	}

	done := make(chan models.AlertConfig, 1)
	go func() {
		done <- router.ApplyPatch(context.Background(), models.AlertPatch{TempMax: floatPtr(25)}, "api")
	}()
	select {
	case cfg := <-done:
		if cfg.TempMax != 25 {
			t.Fatalf("patch should apply after recovered panic, got %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("router lock still held after recovered panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Shutdown(ctx)
	if q.Panics() != 1 {
		t.Fatalf("expected 1 recovered panic, got %d", q.Panics())
	}
}

func strPtr(v string) *string { return &v }

func boolPtr(v bool) *bool { return &v }

func floatPtr(v float64) *float64 { return &v }
