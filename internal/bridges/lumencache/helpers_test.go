package lumencache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingLogger captures log records for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	records []string
}

func (l *recordingLogger) log(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, level+": "+msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.log("DEBUG", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.log("INFO", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.log("WARN", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.log("ERROR", msg) }

func (l *recordingLogger) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

// mockTransport records sent commands and plays back scripted replies
// through sink, the way hardware on the bus would.
type mockTransport struct {
	mu      sync.Mutex
	sent    []Command
	sentAt  []time.Time
	sendErr error

	// respond returns the frames the bus answers cmd with.
	respond func(cmd Command) []Response
	sink    ResponseHandler
}

func (m *mockTransport) Send(_ context.Context, cmd Command) error {
	m.mu.Lock()
	m.sent = append(m.sent, cmd)
	m.sentAt = append(m.sentAt, time.Now())
	err := m.sendErr
	respond := m.respond
	sink := m.sink
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if respond != nil && sink != nil {
		replies := respond(cmd)
		go func() {
			for _, r := range replies {
				sink.HandleResponse(r)
			}
		}()
	}
	return nil
}

func (m *mockTransport) Sent() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockTransport) SentAt() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.sentAt))
	copy(out, m.sentAt)
	return out
}

// fastTimeouts keeps controller tests quick.
func fastTimeouts(d time.Duration) TimeoutTable {
	return TimeoutTable{Default: d, PerKind: map[CommandKind]time.Duration{}}
}

// newTestController builds a started controller over a mock transport.
func newTestController(t *testing.T, respond func(Command) []Response) (*Controller, *mockTransport, *recordingLogger) {
	t.Helper()

	logger := &recordingLogger{}
	transport := &mockTransport{respond: respond}
	ctrl := NewController(ControllerConfig{
		TxDelay:  -1,
		Timeouts: fastTimeouts(40 * time.Millisecond),
		Logger:   logger,
	}, transport)
	transport.sink = ctrl

	ctrl.Start(context.Background())
	t.Cleanup(func() { ctrl.Close() })
	return ctrl, transport, logger
}

// awaitResult waits for a result with a generous test deadline.
func awaitResult[T any](t *testing.T, ch <-chan Result[T]) Result[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := Await(ctx, ch)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	return r
}

// echo answers the way modules on a healthy bus do.
func echo(cmd Command) []Response {
	switch c := cmd.(type) {
	case SetValue:
		return []Response{Value{Address: c.Address, Value: c.Value}}
	case GetValue:
		return []Response{Value{Address: c.Address, Value: 128}}
	case SetScene:
		return []Response{Scene{Address: c.Address, Scene: c.Scene, Level: int16(c.Level), Duration: int16(c.Ramp)}}
	case ClearScene:
		return []Response{Scene{Address: c.Address, Scene: c.Scene, Level: -1, Duration: -1}}
	case GetScenes, ClearScenes:
		a := cmd.Target()
		return []Response{
			Scene{Address: a, Scene: 1, Level: 255, Duration: 10},
			Scene{Address: a, Scene: 5, Level: 64, Duration: 0},
			Scene{Address: a, Scene: 64, Level: 0, Duration: 0},
		}
	case ActivateScene, DeactivateScene:
		return []Response{Value{Address: 9, Value: 1}}
	case GetConfig:
		return []Response{testConfig(c.Address, "SN-"+fmt.Sprint(c.Address))}
	case AssignID:
		return []Response{testConfig(c.Address, c.SerialNumber)}
	}
	return nil
}

func testConfig(address uint8, serial string) Config {
	return Config{
		Address:              address,
		HardwareType:         7,
		HardwareVersion:      3,
		FirmwareVersion:      "1.2",
		HardwareSerialNumber: serial,
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("timed out waiting for %s", what)
}
