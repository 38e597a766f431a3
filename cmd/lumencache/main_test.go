package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lumencache-bridge/internal/api"
	"github.com/nerrad567/lumencache-bridge/internal/audit"
	"github.com/nerrad567/lumencache-bridge/internal/bridges/lumencache"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/config"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/lumencache-bridge/internal/infrastructure/logging"
)

func requireBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available at 127.0.0.1:1883")
	}
	conn.Close()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("LUMENCACHE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("LUMENCACHE_CONFIG", "/custom/config.yaml")
	if got := getConfigPath(); got != "/custom/config.yaml" {
		t.Errorf("getConfigPath() = %q, want override", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("LUMENCACHE_CONFIG", "/nonexistent/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config load failure", err)
	}
}

func TestRun_NoAdapters(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "`+filepath.Join(t.TempDir(), "bridge.db")+`"
logging:
  output: discard
`)
	t.Setenv("LUMENCACHE_CONFIG", path)

	if err := run(context.Background()); err == nil {
		t.Fatal("run() should fail validation without adapters")
	}
}

func TestRun_StartupAndShutdown(t *testing.T) {
	requireBroker(t)

	// A fake bus adapter that accepts the connection and stays silent.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}
			defer conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	path := writeConfig(t, `
database:
  path: "`+filepath.Join(t.TempDir(), "bridge.db")+`"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "lumencache-test-startup"
api:
  host: "127.0.0.1"
  port: 0
logging:
  output: discard
lumencache:
  tcp_adapters:
    - id: test
      host: "127.0.0.1"
      port: `+strconv.Itoa(port)+`
  discovery:
    on_start: false
`)
	t.Setenv("LUMENCACHE_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
}

func TestDialerFor(t *testing.T) {
	serial, err := dialerFor(config.Adapter{Kind: config.AdapterSerial, Port: "/dev/ttyUSB0", BaudRate: 38400})
	if err != nil {
		t.Fatalf("dialerFor(serial) error = %v", err)
	}
	if serial.String() != "serial:///dev/ttyUSB0" {
		t.Errorf("serial dialer = %s", serial)
	}

	tcp, err := dialerFor(config.Adapter{Kind: config.AdapterTCP, Host: "10.0.0.5", TCPPort: 4001})
	if err != nil {
		t.Fatalf("dialerFor(tcp) error = %v", err)
	}
	if tcp.String() != "tcp://10.0.0.5:4001" {
		t.Errorf("tcp dialer = %s", tcp)
	}

	if _, err := dialerFor(config.Adapter{Kind: "usb"}); err == nil {
		t.Error("dialerFor(unknown) should fail")
	}
}

type nopMQTT struct{}

func (nopMQTT) Publish(string, []byte, byte, bool) error { return nil }

func (nopMQTT) Subscribe(string, byte, func(topic string, payload []byte)) error { return nil }

func (nopMQTT) IsConnected() bool { return true }

type nopAudit struct{}

func (nopAudit) Create(context.Context, *audit.Entry) error { return nil }
func (nopAudit) List(context.Context, audit.Filter) (*audit.ListResult, error) {
	return &audit.ListResult{}, nil
}

func testDeps(settings config.LumenCacheConfig) adapterDeps {
	return adapterDeps{
		cfg:      config.Adapter{Kind: config.AdapterTCP, ID: "hall", Title: "Hall", Host: "127.0.0.1", TCPPort: 1},
		settings: settings,
		mqtt:     nopMQTT{},
		audit:    nopAudit{},
		logger:   logging.New(config.LoggingConfig{Output: "discard"}, "test"),
	}
}

func TestNewAdapterRuntime(t *testing.T) {
	settings := config.LumenCacheConfig{
		ExpertSettings: config.ExpertSettings{
			MaxID:             200,
			TxDelayMS:         100,
			ResponseTimeoutMS: 300,
			TimeoutsMS:        map[string]int{"hail": 900},
		},
		Discovery: config.DiscoveryConfig{OnStart: true},
	}

	rt, err := newAdapterRuntime(testDeps(settings))
	if err != nil {
		t.Fatalf("newAdapterRuntime() error = %v", err)
	}
	if rt.id != "hall" || !rt.runDiscovery {
		t.Errorf("runtime = %+v", rt)
	}
	if rt.discovery.State() != lumencache.DiscoveryIdle {
		t.Errorf("discovery state = %s", rt.discovery.State())
	}

	adapters := apiAdapters([]*adapterRuntime{rt})
	if len(adapters) != 1 || adapters[0].ID != "hall" || adapters[0].Title != "Hall" {
		t.Errorf("apiAdapters() = %+v", adapters)
	}

	// Stopping a runtime that never started must not block or panic.
	rt.stop()
}

func TestNewAdapterRuntime_BadTimeoutOverride(t *testing.T) {
	settings := config.LumenCacheConfig{
		ExpertSettings: config.ExpertSettings{
			MaxID:      240,
			TimeoutsMS: map[string]int{"warp_drive": 100},
		},
	}
	if _, err := newAdapterRuntime(testDeps(settings)); !errors.Is(err, lumencache.ErrUnknownCommand) {
		t.Errorf("error = %v, want ErrUnknownCommand", err)
	}
}

func TestAdapterRuntime_StartFailsWithoutBus(t *testing.T) {
	// Port 1 on loopback refuses connections.
	rt, err := newAdapterRuntime(testDeps(config.LumenCacheConfig{
		ExpertSettings: config.ExpertSettings{MaxID: 240},
	}))
	if err != nil {
		t.Fatalf("newAdapterRuntime() error = %v", err)
	}

	errs := make(chan error, 1)
	if err := rt.start(context.Background(), errs); !errors.Is(err, lumencache.ErrConnectionFailed) {
		t.Errorf("start() error = %v, want ErrConnectionFailed", err)
	}
	rt.stop()
}

type recordingMetrics struct {
	mu        sync.Mutex
	exchanges []influxdb.ExchangeSample
	rounds    []influxdb.DiscoverySample
}

func (m *recordingMetrics) WriteExchange(s influxdb.ExchangeSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exchanges = append(m.exchanges, s)
}

func (m *recordingMetrics) WriteDiscovery(s influxdb.DiscoverySample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, s)
}

type recordingSink struct {
	assignments int
	rounds      int
}

func (s *recordingSink) RecordAssignment(context.Context, lumencache.Assignment) { s.assignments++ }
func (s *recordingSink) RecordRound(context.Context, lumencache.DiscoveryReport) { s.rounds++ }

func TestExchangeRecorder(t *testing.T) {
	m := &recordingMetrics{}
	rec := exchangeRecorder{client: m, adapter: "hall"}

	at := time.Unix(100, 0)
	rec.RecordExchange(lumencache.Exchange{
		Kind:     lumencache.KindGetValue,
		Address:  9,
		TimedOut: true,
		Latency:  250 * time.Millisecond,
		At:       at,
	})

	if len(m.exchanges) != 1 {
		t.Fatalf("exchanges = %d", len(m.exchanges))
	}
	got := m.exchanges[0]
	want := influxdb.ExchangeSample{
		Adapter:  "hall",
		Command:  lumencache.KindGetValue.String(),
		Address:  9,
		TimedOut: true,
		Latency:  250 * time.Millisecond,
		At:       at,
	}
	if got != want {
		t.Errorf("sample = %+v, want %+v", got, want)
	}
}

func TestDiscoveryMetrics(t *testing.T) {
	m := &recordingMetrics{}
	next := &recordingSink{}
	sink := discoveryMetrics{next: next, client: m, adapter: "hall"}

	start := time.Unix(100, 0)
	sink.RecordAssignment(context.Background(), lumencache.Assignment{Address: 5})
	sink.RecordRound(context.Background(), lumencache.DiscoveryReport{
		Started:   start,
		Finished:  start.Add(2 * time.Second),
		Known:     []uint8{1, 2, 5},
		Assigned:  []lumencache.Assignment{{Address: 5}},
		Exhausted: true,
		Error:     "stopped",
	})

	if next.assignments != 1 || next.rounds != 1 {
		t.Errorf("forwarded = %d/%d, want 1/1", next.assignments, next.rounds)
	}
	if len(m.rounds) != 1 {
		t.Fatalf("rounds = %d", len(m.rounds))
	}
	r := m.rounds[0]
	if r.Known != 3 || r.Assigned != 1 || !r.Exhausted || !r.Failed || r.Duration != 2*time.Second {
		t.Errorf("sample = %+v", r)
	}
}

func TestLinkSample(t *testing.T) {
	s := linkSample("hall", lumencache.LinkStats{Connected: true, BytesRx: 10, WriteErrors: 2})
	if s.Adapter != "hall" || !s.Connected || s.BytesRx != 10 || s.WriteErrors != 2 || s.At.IsZero() {
		t.Errorf("sample = %+v", s)
	}
}

type checkFunc func(context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthCheck(t *testing.T) {
	ok := checkFunc(func(context.Context) error { return nil })
	bad := checkFunc(func(context.Context) error { return errors.New("down") })

	if err := healthCheck(context.Background(), map[string]api.HealthChecker{"a": ok, "b": ok}); err != nil {
		t.Errorf("healthCheck() error = %v", err)
	}

	err := healthCheck(context.Background(), map[string]api.HealthChecker{"database": ok, "mqtt": bad, "zz": bad})
	if err == nil || !strings.HasPrefix(err.Error(), "mqtt:") {
		t.Errorf("healthCheck() error = %v, want first failure in name order", err)
	}
}
