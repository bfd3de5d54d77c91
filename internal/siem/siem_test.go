package siem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/iyulab/sentinel/internal/alert"
	"github.com/iyulab/sentinel/internal/classifier"
	"github.com/iyulab/sentinel/internal/compliance"
	"github.com/iyulab/sentinel/internal/logging"
	"github.com/iyulab/sentinel/internal/store"
)

var testTime = time.Date(2025, 5, 18, 12, 0, 0, 0, time.UTC)

func testItems(n int) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Alert: alert.New(fmt.Sprintf("10.0.0.%d", i+1), 5+i, []string{"root"}, 7, testTime)}
	}
	return items
}

// failingSink fails the sends whose 1-based index is in failOn.
type failingSink struct {
	failOn map[int]bool
	calls  int
	seen   []string
}

func (f *failingSink) Name() string { return "fake" }

func (f *failingSink) Send(_ context.Context, rec Record) error {
	f.calls++
	f.seen = append(f.seen, rec.Data.SourceIdentity)
	if f.failOn[f.calls] {
		return errors.New("sink unavailable")
	}
	return nil
}

func (f *failingSink) Close() error { return nil }

func TestDispatch_PartialFailure(t *testing.T) {
	sink := &failingSink{failOn: map[int]bool{3: true}}
	journal, _ := store.NewWriter(t.TempDir())
	d := NewDispatcher(sink, DispatcherOptions{Journal: journal, Logger: logging.Discard()})

	results, m := d.Dispatch(context.Background(), testItems(5))

	if m.AlertsProcessed != 5 || m.AlertsSentSuccessfully != 4 {
		t.Errorf("metrics = %+v, want processed 5 sent 4", m)
	}
	if sink.calls != 5 {
		t.Errorf("expected 5 sends (alerts #4 and #5 still attempted), got %d", sink.calls)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if results[2].Delivered || results[2].Error == "" {
		t.Errorf("alert #3 should be a failed delivery: %+v", results[2])
	}
	for _, i := range []int{0, 1, 3, 4} {
		if !results[i].Delivered || results[i].Attempts != 1 {
			t.Errorf("alert #%d: %+v", i+1, results[i])
		}
	}

	data, err := os.ReadFile(journal.Path(MetricsFile))
	if err != nil {
		t.Fatalf("metrics file: %v", err)
	}
	var saved Metrics
	json.Unmarshal(data, &saved)
	if saved.AlertsSentSuccessfully != 4 {
		t.Errorf("saved metrics = %+v", saved)
	}

	sent, _ := os.ReadFile(journal.Path(SentAlertsFile))
	if n := strings.Count(string(sent), "\n"); n != 5 {
		t.Errorf("sent_alerts should have 5 lines, got %d", n)
	}
	log, _ := os.ReadFile(journal.Path(LogFile))
	if !strings.Contains(string(log), "Error sending alert 3/5") {
		t.Errorf("siem.log missing failure:\n%s", log)
	}
}

func TestDispatch_Empty(t *testing.T) {
	journal, _ := store.NewWriter(t.TempDir())
	d := NewDispatcher(NewSimulateSink(logging.Discard()), DispatcherOptions{Journal: journal})

	results, m := d.Dispatch(context.Background(), nil)
	if len(results) != 0 || m.AlertsProcessed != 0 || m.AlertsSentSuccessfully != 0 {
		t.Errorf("unexpected results %v / %+v", results, m)
	}
	if _, err := os.Stat(journal.Path(MetricsFile)); err != nil {
		t.Errorf("metrics must be written even with zero alerts: %v", err)
	}
}

func TestDispatch_Simulated(t *testing.T) {
	journal, _ := store.NewWriter(t.TempDir())
	d := NewDispatcher(NewSimulateSink(logging.Discard()), DispatcherOptions{Journal: journal})

	results, m := d.Dispatch(context.Background(), testItems(2))
	if m.AlertsSentSuccessfully != 2 {
		t.Errorf("simulate sink should accept everything: %+v", m)
	}
	if !results[0].Simulated {
		t.Error("results should be marked simulated")
	}
	log, _ := os.ReadFile(journal.Path(LogFile))
	if !strings.Contains(string(log), "SIMULATION MODE") {
		t.Error("siem.log should note simulation mode")
	}
}

func TestDispatch_EnrichmentFlags(t *testing.T) {
	items := testItems(2)
	cls := classifier.NoCredentialFallback([]alert.Alert{items[0].Alert})
	items[0].Classification = &cls
	items[1].Controls = compliance.Map("credential", 8)
	items[1].Framework = "ISO 27001:2013"

	_, m := NewDispatcher(&failingSink{}, DispatcherOptions{}).Dispatch(context.Background(), items)
	if !m.AIEnrichment || !m.ComplianceEnrichment {
		t.Errorf("enrichment flags = %+v", m)
	}
}

func TestDispatch_Timeout(t *testing.T) {
	sink := &blockingSink{}
	d := NewDispatcher(sink, DispatcherOptions{Timeout: 10 * time.Millisecond})
	results, _ := d.Dispatch(context.Background(), testItems(1))
	if results[0].Delivered || !strings.Contains(results[0].Error, "deadline") {
		t.Errorf("expected deadline failure, got %+v", results[0])
	}
}

type blockingSink struct{}

func (blockingSink) Name() string { return "blocking" }
func (blockingSink) Send(ctx context.Context, _ Record) error {
	<-ctx.Done()
	return ctx.Err()
}
func (blockingSink) Close() error { return nil }

func TestBuildRecord(t *testing.T) {
	item := testItems(1)[0]
	cls := classifier.ErrorFallback([]alert.Alert{item.Alert})
	item.Classification = &cls
	item.Controls = compliance.Map("credential", 8)
	item.Framework = "ISO 27001:2013"

	rec := BuildRecord(item, AgentInfo{Name: "host-a", IP: "127.0.0.1"}, "now")
	if rec.Rule.Level != 7 || len(rec.Rule.Groups) != 3 {
		t.Errorf("rule = %+v", rec.Rule)
	}
	if rec.Data.AIAnalysis.Severity != 6 || rec.Data.AIAnalysis.SourceMode != classifier.ModeError {
		t.Errorf("ai analysis = %+v", rec.Data.AIAnalysis)
	}
	if len(rec.Data.Compliance.Controls) != maxRecordControls {
		t.Errorf("controls should be capped at %d, got %d", maxRecordControls, len(rec.Data.Compliance.Controls))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat.Data["source_ip"] != item.Alert.SourceIdentity {
		t.Errorf("alert fields should be inline under data: %s", data)
	}
}

func TestBuildRecord_Defaults(t *testing.T) {
	rec := BuildRecord(Item{Alert: alert.Alert{SourceIdentity: "10.0.0.1"}}, AgentInfo{}, "2025-05-18 12:00:00")
	if rec.Timestamp != "2025-05-18 12:00:00" || rec.Rule.Level != 6 || rec.Rule.Description == "" {
		t.Errorf("defaults not applied: %+v", rec)
	}
	if rec.Data.AIAnalysis != nil || rec.Data.Compliance != nil {
		t.Error("enrichment blocks should be absent")
	}
}

func TestWazuhSink(t *testing.T) {
	var gotEvent Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/security/user/authenticate":
			var creds map[string]string
			json.NewDecoder(r.Body).Decode(&creds)
			if creds["username"] != "wazuh" {
				http.Error(w, "bad user", http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"data":{"token":"tok-1"}}`))
		case "/events":
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				http.Error(w, "no token", http.StatusUnauthorized)
				return
			}
			json.NewDecoder(r.Body).Decode(&gotEvent)
			w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sink, err := NewWazuhSink(srv.URL+"/", "wazuh", "secret", false, time.Second)
	if err != nil {
		t.Fatalf("NewWazuhSink: %v", err)
	}
	defer sink.Close()

	rec := BuildRecord(testItems(1)[0], AgentInfo{Name: "h"}, "now")
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotEvent.Data.SourceIdentity != "10.0.0.1" {
		t.Errorf("event not received: %+v", gotEvent)
	}

	bad, _ := NewWazuhSink(srv.URL, "intruder", "x", false, time.Second)
	if err := bad.Send(context.Background(), rec); err == nil || !strings.Contains(err.Error(), "authenticate") {
		t.Errorf("expected auth failure, got %v", err)
	}
}

func TestWazuhSink_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sink, _ := NewWazuhSink(url, "u", "p", false, time.Second)
	if err := sink.Send(context.Background(), Record{}); err == nil {
		t.Error("expected transport error")
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaSink_Send(t *testing.T) {
	fw := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: fw, topic: "alerts"}
	rec := BuildRecord(testItems(1)[0], AgentInfo{}, "now")

	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fw.msgs) != 1 || string(fw.msgs[0].Key) != "10.0.0.1" {
		t.Errorf("unexpected messages %+v", fw.msgs)
	}

	fw.err = errors.New("leader not available")
	if err := sink.Send(context.Background(), rec); err == nil {
		t.Error("expected write error")
	}
}

func TestNewKafkaSink_Validation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Topic: "t"}, 0); err == nil {
		t.Error("missing brokers should fail")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}, 0); err == nil {
		t.Error("missing topic should fail")
	}
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}, 0)
	if err != nil {
		t.Fatalf("NewKafkaSink: %v", err)
	}
	sink.Close()
}

type fakeRedis struct {
	key    string
	values []interface{}
	err    error
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.key = key
	f.values = append(f.values, values...)
	return redis.NewIntResult(int64(len(f.values)), f.err)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisSink_Send(t *testing.T) {
	fr := &fakeRedis{}
	sink := &RedisSink{client: fr, key: "sentinel:alerts"}
	if err := sink.Send(context.Background(), BuildRecord(testItems(1)[0], AgentInfo{}, "now")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fr.key != "sentinel:alerts" || len(fr.values) != 1 {
		t.Errorf("unexpected push key=%s values=%d", fr.key, len(fr.values))
	}

	fr.err = errors.New("connection refused")
	if err := sink.Send(context.Background(), Record{}); err == nil {
		t.Error("expected push error")
	}
}

func TestNewSink(t *testing.T) {
	for _, mode := range []string{"", ModeSimulate} {
		s, err := NewSink(Config{Mode: mode}, logging.Discard())
		if err != nil || s.Name() != ModeSimulate {
			t.Errorf("mode %q: %v %v", mode, s, err)
		}
	}
	if _, err := NewSink(Config{Mode: ModeWazuh}, nil); err == nil {
		t.Error("wazuh without url should fail")
	}
	if _, err := NewSink(Config{Mode: ModeRedis}, nil); err == nil {
		t.Error("redis without addr should fail")
	}
	r, err := NewSink(Config{Mode: ModeRedis, Redis: RedisConfig{Addr: "localhost:6379"}}, nil)
	if err != nil {
		t.Fatalf("redis sink: %v", err)
	}
	r.Close()
	if _, err := NewSink(Config{Mode: "splunk"}, nil); err == nil {
		t.Error("unknown mode should fail")
	}
}
