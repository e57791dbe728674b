package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"liminal/internal/broker"
	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/jsoncodec"
	"liminal/pkg/retry"
)

const (
	tcpModeClient = "client"
	tcpModeServer = "server"
)

var errNoPeer = errors.New("no tcp peer connected")

type tcpParams struct {
	Mode                string `mapstructure:"mode"`
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	Reconnect           bool   `mapstructure:"reconnect"`
	ReconnectIntervalMS int    `mapstructure:"reconnect_interval_ms"`
	ConnectTimeoutMS    int    `mapstructure:"connect_timeout_ms"`
	BufferSize          int    `mapstructure:"buffer_size"`
}

func parseTCPParams(raw map[string]interface{}) (tcpParams, error) {
	p := tcpParams{
		Mode:                tcpModeClient,
		Port:                8080,
		Reconnect:           true,
		ReconnectIntervalMS: 5000,
		ConnectTimeoutMS:    10000,
		BufferSize:          128,
	}
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if err := oneOf("mode", p.Mode, tcpModeClient, tcpModeServer); err != nil {
		return p, err
	}
	if p.Host == "" {
		p.Host = "localhost"
		if p.Mode == tcpModeServer {
			p.Host = "0.0.0.0"
		}
	}
	if p.Port < 0 || p.Port > 65535 || (p.Mode == tcpModeClient && p.Port == 0) {
		return p, fmt.Errorf("invalid port %d", p.Port)
	}
	if p.ReconnectIntervalMS <= 0 || p.ConnectTimeoutMS <= 0 {
		return p, fmt.Errorf("reconnect_interval_ms and connect_timeout_ms must be positive")
	}
	if p.BufferSize <= 0 {
		return p, fmt.Errorf("buffer_size must be positive, got %d", p.BufferSize)
	}
	return p, nil
}

func (p tcpParams) addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p tcpParams) reconnectInterval() time.Duration {
	return time.Duration(p.ReconnectIntervalMS) * time.Millisecond
}

func (p tcpParams) connectTimeout() time.Duration {
	return time.Duration(p.ConnectTimeoutMS) * time.Millisecond
}

type frame struct {
	data []byte
	at   time.Time
}

// tcpInput reads frames on a background goroutine and hands them to Process
// through a buffered queue.
type tcpInput struct {
	params tcpParams
	logger logger.Logger
	frames chan frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
}

func newTCPInput(spec Spec, deps Deps) (stage.Processor, error) {
	p, err := parseTCPParams(spec.Config.Parameters)
	if err != nil {
		return nil, err
	}
	return &tcpInput{
		params: p,
		logger: deps.Logger,
		frames: make(chan frame, p.BufferSize),
	}, nil
}

func (t *tcpInput) Init(ctx context.Context, _ *stage.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	if t.params.Mode == tcpModeServer {
		ln, err := net.Listen("tcp", t.params.addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", t.params.addr(), err)
		}
		t.mu.Lock()
		t.listener = ln
		t.mu.Unlock()
		t.logger.InfowCtx(ctx, "TCP input listening", "address", ln.Addr().String())
		t.wg.Add(1)
		go t.serve(ln)
		return nil
	}

	t.wg.Add(1)
	go t.dialLoop()
	return nil
}

// Addr is the bound address in server mode.
func (t *tcpInput) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *tcpInput) serve(ln net.Listener) {
	defer t.wg.Done()
	defer close(t.frames)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.WarnwCtx(t.ctx, "TCP accept failed", "error", err)
			continue
		}
		t.logger.InfowCtx(t.ctx, "TCP peer connected", "remote", conn.RemoteAddr().String())
		t.read(conn)
		if t.ctx.Err() != nil {
			return
		}
	}
}

func (t *tcpInput) dialLoop() {
	defer t.wg.Done()
	defer close(t.frames)

	dialer := net.Dialer{Timeout: t.params.connectTimeout()}
	for {
		conn, err := dialer.DialContext(t.ctx, "tcp", t.params.addr())
		if err == nil {
			t.logger.InfowCtx(t.ctx, "TCP input connected", "address", t.params.addr())
			t.read(conn)
		} else if t.ctx.Err() == nil {
			t.logger.WarnwCtx(t.ctx, "TCP connect failed", "address", t.params.addr(), "error", err)
		}

		if t.ctx.Err() != nil || !t.params.Reconnect {
			return
		}
		select {
		case <-time.After(t.params.reconnectInterval()):
		case <-t.ctx.Done():
			return
		}
	}
}

// read consumes frames from conn until it fails or the input closes.
func (t *tcpInput) read(conn net.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		data, err := readFrame(conn)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.InfowCtx(t.ctx, "TCP connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		select {
		case t.frames <- frame{data: data, at: time.Now()}:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *tcpInput) Process(ctx context.Context, pctx *stage.Context) error {
	waitCtx, cancel := pctx.Bounded(ctx)
	defer cancel()

	select {
	case f, ok := <-t.frames:
		if !ok {
			return stage.ErrInputsExhausted
		}
		payload, captured := broker.DecodeRecord(broker.Record{Value: f.data, Time: f.at})
		return pctx.Emit(ctx, pctx.Stamp(payload, captured))
	case <-waitCtx.Done():
		return pctx.Idle(ctx, waitCtx.Err())
	}
}

func (t *tcpInput) Close(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

// tcpOutput writes each message as a framed envelope. In client mode it
// dials lazily and redials after a failed write; in server mode it writes to
// the most recently accepted peer.
type tcpOutput struct {
	params tcpParams
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
}

func newTCPOutput(spec Spec, deps Deps) (stage.Processor, error) {
	p, err := parseTCPParams(spec.Config.Parameters)
	if err != nil {
		return nil, err
	}
	w := &tcpOutput{params: p, logger: deps.Logger}
	return newSink(string(KindTCP), w, newGuard(spec, deps, "tcp.write")), nil
}

func (t *tcpOutput) init(ctx context.Context, _ *stage.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	if t.params.Mode != tcpModeServer {
		return nil
	}

	ln, err := net.Listen("tcp", t.params.addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.params.addr(), err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()
	t.logger.InfowCtx(ctx, "TCP output listening", "address", ln.Addr().String())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			t.logger.InfowCtx(t.ctx, "TCP peer connected", "remote", conn.RemoteAddr().String())
			t.mu.Lock()
			if t.conn != nil {
				_ = t.conn.Close()
			}
			t.conn = conn
			t.mu.Unlock()
		}
	}()
	return nil
}

func (t *tcpOutput) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *tcpOutput) connection(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	if t.params.Mode == tcpModeServer {
		return nil, errNoPeer
	}
	dialer := net.Dialer{Timeout: t.params.connectTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", t.params.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.params.addr(), err)
	}
	t.conn = conn
	return conn, nil
}

func (t *tcpOutput) reset(conn net.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

func (t *tcpOutput) write(ctx context.Context, msg message.Message) error {
	body, err := jsoncodec.Marshal(broker.NewEnvelope(msg))
	if err != nil {
		return retry.NewFatalError(fmt.Errorf("failed to marshal message: %w", err))
	}

	conn, err := t.connection(ctx)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.params.connectTimeout()))
	if err := writeFrame(conn, body); err != nil {
		t.reset(conn)
		if !t.params.Reconnect {
			return retry.NewFatalError(fmt.Errorf("failed to write frame: %w", err))
		}
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (t *tcpOutput) Close(_ context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
