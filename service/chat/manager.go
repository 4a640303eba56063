package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"WProject/global"
	"WProject/logger"
	"WProject/tools/errs"
	"WProject/tools/safe"

	"github.com/gorilla/websocket"
)

var (
	errClosed    = errors.New("connection closed")
	errQueueFull = errors.New("send queue full")
)

// Mode distinguishes a first-time login handshake from a session resume.
type Mode string

const (
	ModeJoin   Mode = "join"
	ModeResume Mode = "resume"
)

// Handshake is the outbound request queued for the next transport-connected
// signal.
type Handshake struct {
	Mode    Mode
	Event   string
	Payload any
}

func JoinHandshake(p JoinPayload) Handshake {
	return Handshake{Mode: ModeJoin, Event: EvtJoin, Payload: p}
}

func ResumeHandshake(p ResumePayload) Handshake {
	return Handshake{Mode: ModeResume, Event: EvtResume, Payload: p}
}

// Conf configures a Manager. Durations zero-value to sane defaults.
type Conf struct {
	URL    string
	Header http.Header

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteWait    time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration

	SendQueueSize int
	Dialer        *websocket.Dialer
}

func (c *Conf) norm() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 75 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
}

// ConfFromApp converts app config (millisecond ints) into a Conf.
func ConfFromApp(url string, app global.AppConfig) Conf {
	return Conf{
		URL:           url,
		PingInterval:  time.Duration(app.PingIntervalMS) * time.Millisecond,
		PongTimeout:   time.Duration(app.PongTimeoutMS) * time.Millisecond,
		WriteWait:     time.Duration(app.WriteWaitMS) * time.Millisecond,
		BackoffMin:    time.Duration(app.DialBackoffMinMS) * time.Millisecond,
		BackoffMax:    time.Duration(app.DialBackoffMaxMS) * time.Millisecond,
		SendQueueSize: app.SendQueueSize,
	}
}

// Manager owns the single channel connection of one role instance. Connect
// is idempotent while a connection or dial attempt is live; lost transports
// are re-dialed with exponential backoff. Inbound frames are parsed here and
// dispatched through the emitter; malformed frames are logged and dropped
// without touching any state.
type Manager struct {
	conf Conf
	em   *Emitter

	mu       sync.Mutex
	ws       *wsConn
	pending  *Handshake
	running  bool
	closed   bool
	stopCh   chan struct{}
	loopDone chan struct{}
}

func NewManager(conf Conf) *Manager {
	conf.norm()
	return &Manager{conf: conf, em: NewEmitter()}
}

// On registers an additional subscriber for an event; returns its detach
// func. Subscribe before Connect for events that must not be missed.
func (m *Manager) On(event string, fn HandlerFunc) func() {
	return m.em.On(event, fn)
}

// Off removes all subscribers of an event.
func (m *Manager) Off(event string) {
	m.em.Off(event)
}

// ResetHandlers synchronously detaches every subscriber. Used at logout
// before closing the transport so no late event resurrects cleared state.
func (m *Manager) ResetHandlers() {
	m.em.Reset()
}

// QueueHandshake stages the request to send on the next transport-connected
// signal, or immediately when already connected. Only one handshake can be
// pending; resume takes priority over join when both are staged.
func (m *Manager) QueueHandshake(h Handshake) {
	m.mu.Lock()
	if m.pending == nil || h.Mode == ModeResume || m.pending.Mode != ModeResume {
		m.pending = &h
	}
	ws := m.ws
	flush := ws != nil
	m.mu.Unlock()

	if flush {
		m.flushPending()
	}
}

// Connect opens the connection unless one (or a dial loop) already exists.
// Called right after Disconnect, it waits for the stopped loop to finish
// unwinding instead of no-opping, so a quick close-then-reopen always
// comes back up.
func (m *Manager) Connect() {
	for {
		m.mu.Lock()
		if !m.running {
			break
		}
		if !m.closed {
			m.mu.Unlock()
			return
		}
		done := m.loopDone
		m.mu.Unlock()
		<-done
	}
	m.running = true
	m.closed = false
	m.stopCh = make(chan struct{})
	m.loopDone = make(chan struct{})
	stop, done := m.stopCh, m.loopDone
	m.mu.Unlock()

	safe.Go(func() {
		defer close(done)
		m.run(stop)
	})
}

// Connected reports whether the transport is currently usable.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ws != nil
}

// Send emits a frame immediately, or fails when the transport is down.
// Fire-and-forget: no application-level acknowledgement is awaited.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return errs.ErrTransport.WithDetail("send " + event)
	}
	b, err := EncodeFrame(event, payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := ws.enqueue(b); err != nil {
		return errs.ErrTransport.WithDetail(err.Error())
	}
	return nil
}

// Disconnect closes the transport and stops redialing. Subsequent Send
// calls fail until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.pending = nil
	if m.stopCh != nil {
		close(m.stopCh)
	}
	ws := m.ws
	m.mu.Unlock()

	if ws != nil {
		ws.close()
	}
}

func (m *Manager) run(stop chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	backoff := m.conf.BackoffMin
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, _, err := m.conf.Dialer.Dial(m.conf.URL, m.conf.Header)
		if err != nil {
			logger.Warnf("[chat] dial %s: %v (retry in %v)", m.conf.URL, err, backoff)
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.conf.BackoffMax {
				backoff = m.conf.BackoffMax
			}
			continue
		}
		backoff = m.conf.BackoffMin

		ws := newWSConn(conn, m.conf.SendQueueSize)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			ws.close()
			_ = conn.Close()
			return
		}
		m.ws = ws
		m.mu.Unlock()

		safe.Go(func() { ws.writePump(m.conf.PingInterval, m.conf.WriteWait) })

		// The queued handshake goes out before anyone observes "connected".
		m.flushPending()
		m.em.Emit(EvtConnected, nil)

		m.readLoop(ws)

		m.mu.Lock()
		m.ws = nil
		closed := m.closed
		m.mu.Unlock()
		ws.close()

		m.em.Emit(EvtDisconnected, nil)
		if closed {
			return
		}
	}
}

func (m *Manager) flushPending() {
	m.mu.Lock()
	h := m.pending
	ws := m.ws
	if h != nil && ws != nil {
		m.pending = nil
	}
	m.mu.Unlock()
	if h == nil || ws == nil {
		return
	}

	b, err := EncodeFrame(h.Event, h.Payload, time.Now().UnixMilli())
	if err != nil {
		logger.Errorf("[chat] encode handshake %s: %v", h.Event, err)
		return
	}
	if err := ws.enqueue(b); err != nil {
		logger.Warnf("[chat] handshake %s enqueue: %v", h.Event, err)
	}
}

func (m *Manager) readLoop(ws *wsConn) {
	conn := ws.conn
	_ = conn.SetReadDeadline(time.Now().Add(m.conf.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.conf.PongTimeout))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debugf("[chat] peer closed: %v", err)
			} else {
				logger.Debugf("[chat] read: %v", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.conf.PongTimeout))

		f, perr := ParseFrame(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Warnf("[chat] drop malformed frame: %v sample=%q", perr, sample)
			continue
		}
		if n := m.em.Emit(f.Event, f.Data); n == 0 {
			logger.Debugf("[chat] no handler for event=%s", f.Event)
		}
	}
}

// DecodeMap exposes the raw payload as a key-presence-preserving map, the
// form the session store's merge expects.
func DecodeMap(data json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.ErrMalformedEvent.WithDetail(err.Error())
	}
	return m, nil
}
