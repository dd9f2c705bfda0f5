package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"esplink/internal/bus"
	"esplink/internal/device"
	"esplink/internal/transport"
)

// Protocol timing defaults, tuned for an ESP32 that reboots when the port
// opens and needs a moment before it starts listening.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultSettleDelay     = time.Second
	DefaultHeartbeatPeriod = 3 * time.Second
	DefaultPongTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second

	DefaultClientName      = "esplink"
	DefaultProtocolVersion = 1
	DefaultExpectedDevice  = "ESP32"
)

// outboundLogPrefix marks transmitted lines on the shared raw-log stream.
const outboundLogPrefix = ">> "

const (
	chunkQueueSize   = 32
	commandQueueSize = 64
)

// Options tunes the protocol client. Zero values fall back to the defaults
// above, so Options{} is a working configuration.
type Options struct {
	ClientName      string
	ProtocolVersion int
	ExpectedDevice  string

	ConnectTimeout  time.Duration
	SettleDelay     time.Duration
	HeartbeatPeriod time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClientName == "" {
		o.ClientName = DefaultClientName
	}
	if o.ProtocolVersion <= 0 {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.ExpectedDevice == "" {
		o.ExpectedDevice = DefaultExpectedDevice
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	return o
}

// Client owns the session with a data logger board. At most one session
// exists at a time; a new Connect tears down the previous session first.
// All session state is mutated by a single goroutine; exported methods
// either queue work onto that goroutine or read mutex-guarded mirrors.
type Client struct {
	opts Options
	bus  bus.MessageBus
	log  *slog.Logger

	connectMu sync.Mutex // serializes Connect and Disconnect

	mu         sync.Mutex
	sess       *session
	state      device.ConnectionState
	port       string
	status     string
	lastRawLog string
}

func NewClient(b bus.MessageBus, logger *slog.Logger, opts Options) *Client {
	return &Client{
		opts:   opts.withDefaults(),
		bus:    b,
		log:    logger,
		state:  device.StateDisconnected,
		status: "Disconnected",
	}
}

// session is the live runtime bound to one open transport. The fields under
// "loop-owned" are touched only by the session goroutine.
type session struct {
	c    *Client
	tr   transport.Transport
	port string

	ctx    context.Context
	cancel context.CancelFunc

	chunks  chan []byte
	readErr chan error
	cmds    chan func(*session)
	done    chan struct{}

	closeOnce sync.Once

	// loop-owned
	framer       Framer
	state        device.ConnectionState
	lastLiveness time.Time
	pendingToken string
	pendingFile  string
}

// loopState holds the session timers. They live and die inside the session
// goroutine so no other goroutine ever races a timer against a transition.
type loopState struct {
	connectTimer *time.Timer
	connectC     <-chan time.Time
	heartbeat    *time.Ticker
	heartbeatC   <-chan time.Time
}

func newLoopState(connectTimeout time.Duration) *loopState {
	t := time.NewTimer(connectTimeout)

	return &loopState{connectTimer: t, connectC: t.C}
}

func (ls *loopState) stopConnectTimer() {
	if ls.connectTimer != nil {
		ls.connectTimer.Stop()
		ls.connectTimer = nil
		ls.connectC = nil
	}
}

func (ls *loopState) startHeartbeat(period time.Duration) {
	if ls.heartbeat == nil {
		ls.heartbeat = time.NewTicker(period)
		ls.heartbeatC = ls.heartbeat.C
	}
}

func (ls *loopState) stopAll() {
	ls.stopConnectTimer()
	if ls.heartbeat != nil {
		ls.heartbeat.Stop()
		ls.heartbeat = nil
		ls.heartbeatC = nil
	}
}

// Connect opens the transport and starts a session on it. Any existing
// session is torn down first. Connect returns once the handshake command has
// been written; promotion to Connected is asynchronous and observed through
// the connection-state topic.
func (c *Client) Connect(ctx context.Context, tr transport.Transport) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.teardownCurrent()

	port := tr.Name()
	c.setState(device.StateConnecting, port)
	c.setStatus("Connecting to " + port)

	if err := tr.Open(ctx); err != nil {
		c.publishError("", fmt.Sprintf("cannot open %s: %v", port, err))
		c.setState(device.StateDisconnected, "")
		c.setStatus("Disconnected")

		return fmt.Errorf("open transport %s: %w", port, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		c:       c,
		tr:      tr,
		port:    port,
		ctx:     sctx,
		cancel:  cancel,
		chunks:  make(chan []byte, chunkQueueSize),
		readErr: make(chan error, 1),
		cmds:    make(chan func(*session), commandQueueSize),
		done:    make(chan struct{}),
		state:   device.StateConnecting,
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	handshakeErr := make(chan error, 1)
	go s.readPump()
	go c.runSession(s, handshakeErr)

	select {
	case err := <-handshakeErr:
		if err != nil {
			return fmt.Errorf("send handshake: %w", err)
		}

		return nil
	case <-s.done:
		return fmt.Errorf("session on %s closed before handshake was sent", port)
	case <-ctx.Done():
		c.teardownCurrent()

		return ctx.Err()
	}
}

// Disconnect tears down the current session and waits for its goroutines to
// finish. Safe to call at any time, including while already disconnected.
func (c *Client) Disconnect() {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.teardownCurrent()
}

func (c *Client) teardownCurrent() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.shutdown()
	<-s.done
}

// State reports the current session lifecycle state.
func (c *Client) State() device.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == device.StateConnected
}

// CurrentPort names the transport of the active session, empty when
// disconnected.
func (c *Client) CurrentPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.port
}

// StatusMessage returns the latest human-readable status line.
func (c *Client) StatusMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// LastRawLog returns the most recent raw serial log text, either direction.
func (c *Client) LastRawLog() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastRawLog
}

// readPump blocks on the transport and forwards chunks to the session
// goroutine. It never touches session state itself.
func (s *session) readPump() {
	for {
		chunk, err := s.tr.ReadChunk(s.ctx)
		if err != nil {
			select {
			case s.readErr <- err:
			default:
			}

			return
		}
		if len(chunk) == 0 {
			continue
		}
		select {
		case s.chunks <- chunk:
		case <-s.ctx.Done():
			return
		}
	}
}

// runSession is the single owner of session state. Stimuli arrive through
// channels only: read chunks, read errors, queued commands and the two
// timers.
func (c *Client) runSession(s *session, handshakeErr chan<- error) {
	defer close(s.done)
	defer c.endSession(s)

	ls := newLoopState(c.opts.ConnectTimeout)
	defer ls.stopAll()

	if !c.settle(s, ls) {
		return
	}

	// The board reboots when the port opens; whatever arrived during the
	// settle window is boot noise, not protocol traffic.
	s.framer.Reset()

	err := s.writeCommand(handshakeCommand{
		Type:    TypeHandshake,
		Client:  c.opts.ClientName,
		Version: c.opts.ProtocolVersion,
	})
	handshakeErr <- err
	if err != nil {
		c.failSession(s, fmt.Sprintf("handshake send failed: %v", err))

		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.cmds:
			fn(s)
		case chunk := <-s.chunks:
			frames, raw := s.framer.Push(chunk)
			c.publishRawLog(device.LogInbound, raw)
			for _, frame := range frames {
				s.lastLiveness = time.Now()
				msg, err := Decode(frame)
				if err != nil {
					c.log.Warn("dropping unparsable frame", "frame", frame, "error", err)
					continue
				}
				if c.dispatch(s, ls, msg) {
					return
				}
			}
		case err := <-s.readErr:
			if s.ctx.Err() != nil {
				return
			}
			c.failSession(s, fmt.Sprintf("serial read failed: %v", err))

			return
		case <-ls.connectC:
			ls.connectC = nil
			c.failSession(s, fmt.Sprintf("connection timed out: no handshake reply within %s", c.opts.ConnectTimeout))

			return
		case <-ls.heartbeatC:
			if elapsed := time.Since(s.lastLiveness); elapsed > c.opts.PongTimeout {
				c.failSession(s, fmt.Sprintf("device unresponsive: nothing received for %s", elapsed.Round(time.Millisecond)))

				return
			}
			if err := s.writeCommand(typeOnlyCommand{Type: TypePing}); err != nil {
				c.log.Warn("heartbeat write failed", "error", err)
			}
		}
	}
}

// settle keeps the raw log flowing while discarding boot-time frames.
// Returns false when the session ended during the settle window.
func (c *Client) settle(s *session, ls *loopState) bool {
	timer := time.NewTimer(c.opts.SettleDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-timer.C:
			return true
		case chunk := <-s.chunks:
			_, raw := s.framer.Push(chunk)
			c.publishRawLog(device.LogInbound, raw)
		case err := <-s.readErr:
			if s.ctx.Err() == nil {
				c.failSession(s, fmt.Sprintf("serial read failed: %v", err))
			}

			return false
		case <-ls.connectC:
			ls.connectC = nil
			c.failSession(s, fmt.Sprintf("connection timed out: no handshake reply within %s", c.opts.ConnectTimeout))

			return false
		}
	}
}

// dispatch routes one decoded message. The generic wire topic sees every
// message; recognized types additionally get their own behavior. Returns
// true when the session must stop.
func (c *Client) dispatch(s *session, ls *loopState, msg WireMessage) bool {
	c.bus.Publish(device.TopicWire, msg)

	switch msg.Type {
	case TypeHandshake:
		c.handleHandshake(s, ls, msg)
	case TypePong:
		// Liveness was already refreshed when the frame arrived.
	case TypeAck:
		c.publishOperation(stringField(msg.Fields, "command"))
	case TypeNak:
		text := stringField(msg.Fields, "message")
		if text == "" {
			text = "command rejected"
		}
		c.publishError(stringField(msg.Fields, "command"), text)
	case TypeError:
		text := stringField(msg.Fields, "message")
		if text == "" {
			text = "unspecified device error"
		}
		c.publishError("", text)
	case TypeSerialNumber:
		c.bus.Publish(device.TopicSerial, device.SerialNumber{
			Value:     stringField(msg.Fields, "serial"),
			Timestamp: time.Now(),
		})
		c.setStatus("Received board serial")
	case TypeFileList:
		entries := parseFileEntries(msg.Fields)
		c.bus.Publish(device.TopicFileList, device.FileList{Entries: entries, Timestamp: time.Now()})
		c.setStatus(fmt.Sprintf("Received file list (%d entries)", len(entries)))
	case TypeConfig:
		c.bus.Publish(device.TopicConfig, parseConfig(msg.Fields))
		c.setStatus("Received device config")
	case TypeTime:
		c.bus.Publish(device.TopicTime, parseTimeInfo(msg.Fields))
		c.setStatus("Received device time")
	case TypeFileData:
		c.handleFileData(s, msg)
	case TypeStatus:
		return c.handleStatusReport(s, msg)
	default:
		// Unknown types ride the generic wire topic only; not an error.
	}

	return false
}

func (c *Client) handleHandshake(s *session, ls *loopState, msg WireMessage) {
	dev := stringField(msg.Fields, "device")
	if dev != c.opts.ExpectedDevice {
		c.log.Debug("ignoring handshake from unexpected device", "device", dev)

		return
	}
	if s.state == device.StateConnected {
		return
	}
	s.state = device.StateConnected
	s.lastLiveness = time.Now()
	ls.stopConnectTimer()
	ls.startHeartbeat(c.opts.HeartbeatPeriod)
	c.setState(device.StateConnected, s.port)
	c.setStatus("Connected to " + s.port)
	c.publishOperation(TypeHandshake)
	c.log.Info("device handshake accepted", "port", s.port, "device", dev)
}

func (c *Client) handleFileData(s *session, msg WireMessage) {
	if s.pendingToken == "" {
		return
	}
	hexPayload := stringField(msg.Fields, "hexdata")
	if hexPayload == "" {
		// The firmware sends an empty probe frame before the payload;
		// keep waiting, the token stays armed.
		return
	}
	data, err := HexToBytes(hexPayload)
	if err != nil {
		c.publishError(TypeDownloadFile, fmt.Sprintf("corrupt download payload: %v", err))
		s.pendingToken, s.pendingFile = "", ""

		return
	}
	name := stringField(msg.Fields, "filename")
	if name == "" {
		name = s.pendingFile
	}
	token := s.pendingToken
	s.pendingToken, s.pendingFile = "", ""
	c.bus.Publish(device.TopicDownload, device.Download{
		Token:     token,
		Filename:  name,
		Data:      data,
		Timestamp: time.Now(),
	})
	c.publishOperation(TypeDownloadFile)
	c.setStatus(fmt.Sprintf("Downloaded %s (%d bytes)", name, len(data)))
}

func (c *Client) handleStatusReport(s *session, msg WireMessage) bool {
	if stringField(msg.Fields, "status") == "disconnected" && s.state == device.StateConnected {
		c.failSession(s, "device reported disconnection")

		return true
	}

	return false
}

// failSession ends a session because of a fault: one error event, then
// shutdown. The disconnected reset follows on the session exit path.
func (c *Client) failSession(s *session, message string) {
	c.publishError("", message)
	s.shutdown()
}

// endSession is the tail of the session goroutine. The reset is published
// here, after the loop's last write and before done closes, so state and
// status events arrive in session order and Disconnect returns only once the
// reset is visible.
func (c *Client) endSession(s *session) {
	s.shutdown()
	c.setState(device.StateDisconnected, "")
	c.setStatus("Disconnected")
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
}

// shutdown stops the pump and closes the transport. Idempotent and safe to
// call from any goroutine; publishing stays with the session goroutine.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.tr.Close(); err != nil {
			s.c.log.Debug("transport close", "transport", s.port, "error", err)
		}
	})
}

// post queues fn for the session goroutine. A no-op while disconnected;
// queued work is dropped, never an error, so callers may fire and forget.
func (c *Client) post(fn func(*session)) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.cmds <- fn:
	default:
		c.log.Warn("session command queue full, dropping")
	}
}

func (c *Client) send(cmd any) {
	c.post(func(s *session) {
		if err := s.writeCommand(cmd); err != nil {
			s.c.log.Warn("command write failed", "error", err)
		}
	})
}

func (s *session) writeCommand(cmd any) error {
	payload, err := Encode(cmd)
	if err != nil {
		return err
	}

	return s.writeLine(payload, strings.TrimSuffix(string(payload), "\n"))
}

func (s *session) writeLine(payload []byte, logText string) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.c.opts.WriteTimeout)
	defer cancel()
	if err := s.tr.Write(ctx, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.c.publishRawLog(device.LogOutbound, outboundLogPrefix+logText)

	return nil
}

func (c *Client) setState(state device.ConnectionState, port string) {
	c.mu.Lock()
	c.state = state
	c.port = port
	c.mu.Unlock()
	c.bus.Publish(device.TopicConnState, device.StateChange{
		State:     state,
		Port:      port,
		Timestamp: time.Now(),
	})
}

func (c *Client) setStatus(text string) {
	c.mu.Lock()
	c.status = text
	c.mu.Unlock()
	c.bus.Publish(device.TopicStatus, device.StatusMessage{Text: text, Timestamp: time.Now()})
}

func (c *Client) publishError(command, message string) {
	c.log.Warn("device error", "command", command, "message", message)
	c.bus.Publish(device.TopicError, device.DeviceError{
		Command:   command,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (c *Client) publishOperation(command string) {
	c.bus.Publish(device.TopicOperation, device.Operation{Command: command, Timestamp: time.Now()})
}

func (c *Client) publishRawLog(dir device.LogDirection, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	c.lastRawLog = text
	c.mu.Unlock()
	c.bus.Publish(device.TopicRawLog, device.RawLog{Direction: dir, Text: text, Timestamp: time.Now()})
}
