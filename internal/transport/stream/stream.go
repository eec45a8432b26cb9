// Package stream implements the line-delimited JSON stream-socket transport:
// one reader goroutine per accepted connection, frames separated by '\n',
// each line an object with "topic" and "payload" keys. No library in the
// retrieved example pack implements this exact framing, so this adapter is
// plain net/bufio/encoding/json.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/telemetry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

// maxLine bounds a single frame; the reference implementation uses a 4 KiB
// receive buffer concatenated until newline, so the scanner's buffer is
// sized generously above that to tolerate larger tool payloads.
const maxLine = 64 * 1024

// line is the wire shape of one frame, in both directions.
type line struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Options configures a stream-socket transport.
type Options struct {
	// Addr is the listen address, e.g. ":7000".
	Addr string
	// Buffer sizes the inbound frame channel. Defaults to 256.
	Buffer int
	// Logger receives warnings on queue saturation and connection errors.
	Logger telemetry.Logger
}

// Transport is a stream-socket transport.Source. Outbound sends are made
// through the per-connection Conn sinks handed out in each Frame's Origin.
type Transport struct {
	ln      net.Listener
	frames  chan transport.Frame
	discs   chan transport.Disconnect
	logger  telemetry.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen starts accepting connections on opts.Addr. Cancel ctx to stop
// accepting and close all open connections.
func Listen(ctx context.Context, opts Options) (*Transport, error) {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("stream: listen %s: %w", opts.Addr, err)
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	t := &Transport{
		ln:     ln,
		frames: make(chan transport.Frame, buffer),
		discs:  make(chan transport.Disconnect, buffer),
		logger: logger,
		conns:  make(map[*Conn]struct{}),
	}
	go t.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	return t, nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		nc, err := t.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Warn(ctx, "stream: accept error", "error", err.Error())
				return
			}
		}
		c := &Conn{nc: nc, owner: t}
		t.mu.Lock()
		t.conns[c] = struct{}{}
		t.mu.Unlock()
		go t.readLoop(ctx, c)
	}
}

func (t *Transport) readLoop(ctx context.Context, c *Conn) {
	defer func() {
		_ = c.nc.Close()
		t.mu.Lock()
		delete(t.conns, c)
		t.mu.Unlock()
		select {
		case t.discs <- transport.Disconnect{Sink: c}:
		default:
		}
	}()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 4096), maxLine)
	for scanner.Scan() {
		var l line
		raw := scanner.Bytes()
		if err := json.Unmarshal(raw, &l); err != nil {
			t.logger.Warn(ctx, "stream: dropping malformed frame", "error", err.Error())
			continue
		}
		payload, err := json.Marshal(l.Payload)
		if err != nil {
			continue
		}
		frame := transport.Frame{Topic: l.Topic, Payload: payload, Origin: c}
		select {
		case t.frames <- frame:
		default:
			t.logger.Warn(ctx, "stream inbound queue full, dropping frame", "topic", l.Topic)
		}
	}
}

// Frames implements transport.Source.
func (t *Transport) Frames() <-chan transport.Frame { return t.frames }

// Disconnects implements transport.Source.
func (t *Transport) Disconnects() <-chan transport.Disconnect { return t.discs }

// Conn is one accepted stream connection, implementing transport.Sink.
type Conn struct {
	nc    net.Conn
	owner *Transport

	mu sync.Mutex
}

// Send implements transport.Sink by writing {"topic":topic,"payload":payload}
// followed by a newline.
func (c *Conn) Send(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(line{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("stream: encode frame: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.nc.Write(data)
	return err
}

// Transport implements transport.Sink.
func (c *Conn) Transport() model.Transport { return model.TransportStream }
