package lumencache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Link defaults.
const (
	// DefaultBaudRate is the line speed of LumenCache USB adapters.
	DefaultBaudRate = 38400

	// defaultConnectTimeout bounds TCP dials.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single frame write on sockets.
	defaultWriteTimeout = 5 * time.Second

	// readChunkSize is the size of each read from the stream.
	readChunkSize = 256

	// maxPendingBytes caps undecodable bytes held between reads.
	maxPendingBytes = 4096
)

// Dialer opens the byte stream of a bus adapter.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// SerialDialer opens a serial adapter at 8N1.
type SerialDialer struct {
	Port     string
	BaudRate int
}

// Dial opens the serial port.
func (d SerialDialer) Dial(_ context.Context) (io.ReadWriteCloser, error) {
	baud := d.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, d.Port, err)
	}
	return port, nil
}

func (d SerialDialer) String() string { return "serial://" + d.Port }

// TCPDialer connects to a serial-to-TCP gateway.
type TCPDialer struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// Dial connects to the gateway.
func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.address())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, d.address(), err)
	}
	return conn, nil
}

func (d TCPDialer) address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d TCPDialer) String() string { return "tcp://" + d.address() }

// LinkConfig holds link settings.
type LinkConfig struct {
	Dialer Dialer

	// WriteTimeout bounds frame writes on streams that support deadlines.
	// Default: 5 seconds.
	WriteTimeout time.Duration

	Logger Logger
}

// LinkStats holds operational statistics.
type LinkStats struct {
	Endpoint       string    `json:"endpoint"`
	Connected      bool      `json:"connected"`
	BytesRx        uint64    `json:"bytes_rx"`
	FramesRx       uint64    `json:"frames_rx"`
	FramesDropped  uint64    `json:"frames_dropped"`
	NoiseDiscarded uint64    `json:"noise_discarded"`
	CommandsTx     uint64    `json:"commands_tx"`
	WriteErrors    uint64    `json:"write_errors"`
	LastActivity   time.Time `json:"last_activity"`
}

// Link is the byte stream to one bus adapter. It writes encoded commands
// and decodes the inbound stream into responses.
//
// The bus cannot be driven without its stream, so Run returns as soon as
// the stream fails or ends; reconnecting is left to the process supervisor.
type Link struct {
	cfg    LinkConfig
	logger Logger

	mu     sync.Mutex
	stream io.ReadWriteCloser

	done *closeOnce

	bytesRx        atomic.Uint64
	framesRx       atomic.Uint64
	framesDropped  atomic.Uint64
	noiseDiscarded atomic.Uint64
	commandsTx     atomic.Uint64
	writeErrors    atomic.Uint64
	lastActivity   atomic.Int64
}

// Ensure Link implements Transport.
var _ Transport = (*Link)(nil)

// NewLink creates an unconnected link.
func NewLink(cfg LinkConfig) *Link {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Link{
		cfg:    cfg,
		logger: loggerOrNop(cfg.Logger),
		done:   newCloseOnce(),
	}
}

// Connect opens the stream.
func (l *Link) Connect(ctx context.Context) error {
	if l.cfg.Dialer == nil {
		return fmt.Errorf("%w: no dialer configured", ErrConnectionFailed)
	}
	stream, err := l.cfg.Dialer.Dial(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.stream = stream
	l.mu.Unlock()

	l.lastActivity.Store(time.Now().Unix())
	l.logger.Info("bus link connected", "endpoint", l.cfg.Dialer.String())
	return nil
}

// IsConnected reports whether the link holds an open stream.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream != nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Send writes the encoded command to the stream.
func (l *Link) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stream == nil {
		return ErrNotConnected
	}

	if dw, ok := l.stream.(writeDeadliner); ok {
		deadline := time.Now().Add(l.cfg.WriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := dw.SetWriteDeadline(deadline); err != nil {
			l.writeErrors.Add(1)
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	if _, err := l.stream.Write(cmd.Encode()); err != nil {
		l.writeErrors.Add(1)
		return fmt.Errorf("write %s: %w", cmd.Kind(), err)
	}
	l.commandsTx.Add(1)
	return nil
}

// Run reads the stream until it fails, ends, or the link is closed, and
// hands every decoded response to sink. It returns nil after Close or
// when ctx ends, ErrStreamEnded on EOF, and the read error otherwise.
func (l *Link) Run(ctx context.Context, sink ResponseHandler) error {
	l.mu.Lock()
	stream := l.stream
	l.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { l.closeStream() })
	defer stop()

	pending := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			l.bytesRx.Add(uint64(n))
			l.lastActivity.Store(time.Now().Unix())
			pending = append(pending, chunk[:n]...)
			pending = l.drain(pending, sink)
		}
		if err == nil {
			continue
		}

		l.closeStream()
		if l.isClosed() || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) {
			l.logger.Error("bus stream ended", "endpoint", l.endpoint())
			return fmt.Errorf("%w: %s", ErrStreamEnded, l.endpoint())
		}
		l.logger.Error("bus stream read failed", "endpoint", l.endpoint(), "error", err)
		return fmt.Errorf("read %s: %w", l.endpoint(), err)
	}
}

// drain decodes every complete frame in buf and returns the unconsumed tail.
func (l *Link) drain(buf []byte, sink ResponseHandler) []byte {
	off := 0
	for {
		resp, n, err := Decode(buf[off:])
		if n == 0 {
			break
		}
		off += n
		if err != nil {
			l.framesDropped.Add(1)
			l.logger.Debug("malformed frame dropped", "error", err)
			continue
		}
		l.framesRx.Add(1)
		if sink != nil {
			sink.HandleResponse(resp)
		}
	}

	rest := append(buf[:0], buf[off:]...)
	if len(rest) > maxPendingBytes {
		l.noiseDiscarded.Add(uint64(len(rest)))
		l.logger.Warn("discarding undecodable bus data", "bytes", len(rest), "has_opener", bytes.ContainsAny(rest, "({"))
		rest = rest[:0]
	}
	return rest
}

func (l *Link) closeStream() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream != nil {
		l.stream.Close()
		l.stream = nil
	}
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

func (l *Link) endpoint() string {
	if l.cfg.Dialer == nil {
		return ""
	}
	return l.cfg.Dialer.String()
}

// Close closes the stream, which ends Run. Safe to call multiple times.
func (l *Link) Close() error {
	l.done.Close()
	l.closeStream()
	return nil
}

// Stats returns a snapshot of link statistics.
func (l *Link) Stats() LinkStats {
	s := LinkStats{
		Endpoint:       l.endpoint(),
		Connected:      l.IsConnected(),
		BytesRx:        l.bytesRx.Load(),
		FramesRx:       l.framesRx.Load(),
		FramesDropped:  l.framesDropped.Load(),
		NoiseDiscarded: l.noiseDiscarded.Load(),
		CommandsTx:     l.commandsTx.Load(),
		WriteErrors:    l.writeErrors.Load(),
	}
	if ts := l.lastActivity.Load(); ts > 0 {
		s.LastActivity = time.Unix(ts, 0)
	}
	return s
}

// FanOut delivers each response to every handler in order. A panicking
// handler is recovered so the others still see the response.
type FanOut struct {
	Handlers []ResponseHandler
	Logger   Logger
}

// HandleResponse implements ResponseHandler.
func (f FanOut) HandleResponse(resp Response) {
	for _, h := range f.Handlers {
		f.deliver(h, resp)
	}
}

func (f FanOut) deliver(h ResponseHandler, resp Response) {
	defer func() {
		if r := recover(); r != nil {
			loggerOrNop(f.Logger).Error("response handler panic", "panic", fmt.Sprint(r))
		}
	}()
	h.HandleResponse(resp)
}

// ResponseHandlerFunc adapts a function to ResponseHandler.
type ResponseHandlerFunc func(Response)

// HandleResponse calls f(resp).
func (f ResponseHandlerFunc) HandleResponse(resp Response) { f(resp) }
