package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/streamrpc-go/pkg/circuitbreaker"
	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

// State is the connection status of a Manager
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePermanentlyFailed
	StateClosed
)

// String returns the string representation of a state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePermanentlyFailed:
		return "permanently_failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Delivery tracks one queued message until it is transmitted or fails
type Delivery struct {
	msg  *protocol.Message
	done chan struct{}
	err  error
}

func newDelivery(msg *protocol.Message) *Delivery {
	return &Delivery{msg: msg, done: make(chan struct{})}
}

func failedDelivery(msg *protocol.Message, err error) *Delivery {
	d := newDelivery(msg)
	d.resolve(err)
	return d
}

// resolve must be called exactly once, by whoever removed d from the queue
func (d *Delivery) resolve(err error) {
	d.err = err
	close(d.done)
}

// Done is closed once the message was transmitted or failed
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns the outcome; it is nil until Done is closed
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the message was transmitted or failed, or ctx ends
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager owns one connection to the server at a time. Outbound messages go
// through a FIFO queue drained by a single writer, so messages queued while
// disconnected are transmitted in order before anything sent later. When the
// connection fails the manager reconnects with exponential backoff, guarded by
// a circuit breaker, and resumes from the last event it delivered.
//
// Handlers run one at a time, in order, on a goroutine owned by the manager.
// They may call any Manager method, Close included.
type Manager struct {
	dialer  Dialer
	config  transport.ReliabilityConfig
	breaker *circuitbreaker.Breaker
	logger  logging.Logger
	metrics observability.MetricsProvider

	onEvent   func(Event)
	onError   func(error)
	onState   func(State)
	callbacks callbackQueue

	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	exited  chan struct{}
	done    chan struct{}
	startMu sync.Once

	mu           sync.Mutex
	state        State
	attempts     int
	lastEventID  string
	highWater    map[string]uint64
	queue        []*Delivery
	calls        map[protocol.RequestID]*pendingCall
	lastActivity time.Time
	failure      error
	started      bool
}

// pendingCall is a request waiting for its response
type pendingCall struct {
	reply chan callResult
	// sent is set once the request reached a connection
	sent  bool
}

type callResult struct {
	msg *protocol.Message
	err error
}

// Option configures a Manager
type Option func(*Manager)

// WithReliability sets the reconnect policy
func WithReliability(config transport.ReliabilityConfig) Option {
	return func(m *Manager) { m.config = config }
}

// WithBreaker replaces the breaker built from the reliability config
func WithBreaker(breaker *circuitbreaker.Breaker) Option {
	return func(m *Manager) { m.breaker = breaker }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics provider
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEventHandler receives every inbound event not consumed by Call, in order
func WithEventHandler(fn func(Event)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// WithErrorHandler receives errors the caller must know about: lost
// resumption and permanent failure.
func WithErrorHandler(fn func(error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// WithStateHandler is called on every state transition
func WithStateHandler(fn func(State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// NewManager creates a manager. It stays disconnected until Start.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:    dialer,
		config:    transport.DefaultConfig().Reliability,
		logger:    logging.NewNop(),
		metrics:   observability.NewNoopMetricsProvider(),
		onEvent:   func(Event) {},
		onError:   func(error) {},
		onState:   func(State) {},
		wake:      make(chan struct{}, 1),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
		highWater: make(map[string]uint64),
		calls:     make(map[protocol.RequestID]*pendingCall),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breaker == nil && m.config.CircuitBreaker.Enabled {
		m.breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:             "client",
			FailureThreshold: m.config.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  m.config.CircuitBreaker.RecoveryTimeout,
		},
			circuitbreaker.WithFailurePredicate(rpcerrors.IsRetryable),
			circuitbreaker.WithStateChange(func(name string, _, to circuitbreaker.Phase) {
				m.metrics.RecordBreakerState(context.Background(), name, to.String())
				m.logger.Info("Circuit breaker changed phase",
					logging.String("breaker", name),
					logging.String("phase", to.String()))
			}),
		)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start launches the connection loop. It is a no-op after the first call.
func (m *Manager) Start() {
	m.startMu.Do(func() {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			m.exit()
			return
		}
		m.started = true
		m.mu.Unlock()
		go m.run()
	})
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastEventID returns the resumption token presented on the next reconnect
func (m *Manager) LastEventID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventID
}

// Attempts returns the number of consecutive failed reconnects. A connection
// that drops before it carried any traffic or stayed up for MaxRetryDelay
// counts as a failed reconnect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// QueueLen returns the number of messages waiting to be transmitted
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// LastActivity returns when a message was last sent or received
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Err returns the terminal error once the manager failed or was closed
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Done is closed when the connection loop has exited and every handler it
// triggered has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Send queues msg for transmission. The returned Delivery resolves once the
// message was written to a connection, or fails with ManagerClosed or
// PermanentlyFailed.
func (m *Manager) Send(msg *protocol.Message) *Delivery {
	m.mu.Lock()
	if m.failure != nil {
		err := m.failure
		m.mu.Unlock()
		return failedDelivery(msg, err)
	}
	d := newDelivery(msg)
	m.queue = append(m.queue, d)
	depth := len(m.queue)
	m.mu.Unlock()

	m.metrics.RecordQueueDepth(m.ctx, depth)
	m.signal()
	return d
}

// Notify sends a notification and waits until it was transmitted
func (m *Manager) Notify(ctx context.Context, method string, params interface{}) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return m.Send(msg).Wait(ctx)
}

// Call sends a request and waits for its response. An ErrorResponse is
// returned as an error. If the connection drops after the request went out
// the call fails with a retryable ConnectionLost error, since the response
// may never arrive.
func (m *Manager) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := protocol.StringID(uuid.NewString())
	msg, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{reply: make(chan callResult, 1)}
	m.mu.Lock()
	if m.failure != nil {
		err := m.failure
		m.mu.Unlock()
		return nil, err
	}
	m.calls[id] = call
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.calls, id)
		m.mu.Unlock()
	}()

	delivery := m.Send(msg)
	sent := delivery.Done()
	for {
		select {
		case res := <-call.reply:
			if res.err != nil {
				return nil, res.err
			}
			if res.msg.Error != nil {
				return nil, rpcerrors.FromProtocolError(res.msg.Error)
			}
			return res.msg.Result, nil
		case <-sent:
			if err := delivery.Err(); err != nil {
				return nil, err
			}
			sent = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the manager. Queued messages and waiting calls fail with
// ManagerClosed and no further reconnects are attempted. Close returns once
// the connection loop has exited; handlers still pending run afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	from := m.state
	m.state = StateClosed
	if m.failure == nil {
		m.failure = rpcerrors.ManagerClosed()
	}
	queued := m.drainLocked()
	m.abandonCallsLocked(rpcerrors.ManagerClosed())
	started := m.started
	m.mu.Unlock()

	for _, d := range queued {
		d.resolve(rpcerrors.ManagerClosed())
	}
	m.stateChanged(from, StateClosed)
	m.cancel()

	if started {
		<-m.exited
	}
	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// exit marks the connection loop finished. Done closes after the handlers
// queued so far have run.
func (m *Manager) exit() {
	close(m.exited)
	m.callbacks.push(func() { close(m.done) })
}

// drainLocked empties the queue and returns what it held
func (m *Manager) drainLocked() []*Delivery {
	queued := m.queue
	m.queue = nil
	return queued
}

func (m *Manager) abandonCallsLocked(err error) {
	for id, call := range m.calls {
		call.reply <- callResult{err: err}
		delete(m.calls, id)
	}
}

// failSentCalls fails the calls whose request went out on a connection that
// is now gone. Calls still queued are sent on the next connection.
func (m *Manager) failSentCalls(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, call := range m.calls {
		if !call.sent {
			continue
		}
		call.reply <- callResult{err: rpcerrors.ConnectionLost("client", "", cause)}
		delete(m.calls, id)
	}
}

func (m *Manager) markSent(msg *protocol.Message) {
	if !msg.IsRequest() || msg.ID == nil {
		return
	}
	m.mu.Lock()
	if call, ok := m.calls[*msg.ID]; ok {
		call.sent = true
	}
	m.mu.Unlock()
}

// setState moves to next unless the manager reached a terminal state
func (m *Manager) setState(next State) bool {
	m.mu.Lock()
	from := m.state
	if from == StateClosed || from == StatePermanentlyFailed {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.mu.Unlock()
	m.stateChanged(from, next)
	return true
}

func (m *Manager) stateChanged(from, to State) {
	if from == to {
		return
	}
	m.metrics.RecordConnectionState(context.Background(), to.String())
	m.logger.Debug("Connection state changed",
		logging.String("from", from.String()),
		logging.String("to", to.String()))
	m.callbacks.push(func() { m.onState(to) })
}

func (m *Manager) run() {
	defer m.exit()

	for {
		l, err := m.connect()
		if err != nil {
			if !errors.Is(err, rpcerrors.ErrManagerClosed) {
				m.fail(err)
			}
			return
		}
		m.serve(l)

		cause := l.conn.Err()
		if cause == nil {
			cause = ErrConnectionClosed
		}
		if m.ctx.Err() != nil {
			l.settle(context.Canceled)
			return
		}
		m.failSentCalls(cause)
		m.logger.Info("Connection lost", logging.ErrorField(cause))
		m.setState(StateDisconnected)

		wait := m.config.Backoff(0)
		lost := rpcerrors.ConnectionLost("client", "", cause)
		if l.settle(lost) {
			// It never carried traffic, so treat it like a failed dial
			attempts := m.recordFailedAttempt()
			if attempts >= max(m.config.MaxReconnectAttempts, 1) {
				m.fail(rpcerrors.PermanentlyFailed(attempts, lost))
				return
			}
			wait = m.config.Backoff(attempts - 1)
			m.logger.Info("Connection dropped before it was established",
				logging.Int("attempt", attempts),
				logging.Duration("backoff", wait))
		}
		if !m.sleep(wait) {
			return
		}
	}
}

func (m *Manager) recordFailedAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	return m.attempts
}

// connect dials until it succeeds, attempts run out or the manager closes
func (m *Manager) connect() (*link, error) {
	for {
		if m.ctx.Err() != nil {
			return nil, rpcerrors.ManagerClosed()
		}
		if !m.setState(StateConnecting) {
			return nil, rpcerrors.ManagerClosed()
		}

		lastEventID := m.LastEventID()
		start := time.Now()
		l, err := m.dial(lastEventID)
		if err == nil {
			m.metrics.RecordReconnect(m.ctx, "ok", time.Since(start))
			if !m.setState(StateConnected) {
				l.settle(context.Canceled)
				_ = l.conn.Close()
				return nil, rpcerrors.ManagerClosed()
			}
			m.logger.Info("Connected", logging.String("last_event_id", lastEventID))
			return l, nil
		}
		if m.ctx.Err() != nil {
			return nil, rpcerrors.ManagerClosed()
		}

		var wait time.Duration
		switch {
		case errors.Is(err, rpcerrors.ErrCircuitOpen):
			m.metrics.RecordReconnect(m.ctx, "circuit_open", time.Since(start))
			wait = m.config.Backoff(m.Attempts())
			if m.breaker != nil {
				wait = max(wait, m.breaker.RetryAfter())
			}
			m.logger.Debug("Reconnect rejected by circuit breaker", logging.Duration("wait", wait))

		case errors.Is(err, rpcerrors.ErrUnknownEvent) && lastEventID != "":
			m.metrics.RecordReconnect(m.ctx, "resume_lost", time.Since(start))
			m.mu.Lock()
			m.lastEventID = ""
			m.highWater = make(map[string]uint64)
			m.mu.Unlock()
			lost := rpcerrors.ResumeLost(lastEventID, err)
			m.logger.WithError(lost).Warn("Server cannot resume; reconnecting without resumption")
			m.callbacks.push(func() { m.onError(lost) })

		default:
			m.metrics.RecordReconnect(m.ctx, "failed", time.Since(start))
			attempts := m.recordFailedAttempt()
			if attempts >= max(m.config.MaxReconnectAttempts, 1) {
				return nil, rpcerrors.PermanentlyFailed(attempts, err)
			}
			wait = m.config.Backoff(attempts - 1)
			m.logger.WithError(err).Info("Reconnect failed",
				logging.Int("attempt", attempts),
				logging.Duration("backoff", wait))
		}

		m.setState(StateDisconnected)
		if !m.sleep(wait) {
			return nil, rpcerrors.ManagerClosed()
		}
	}
}

// dial opens one connection. The breaker admits the attempt but only learns
// its outcome once the connection settles.
func (m *Manager) dial(lastEventID string) (*link, error) {
	var verdict func(error)
	if m.breaker != nil {
		done, err := m.breaker.Allow()
		if err != nil {
			return nil, err
		}
		verdict = done
	}

	ctx, cancel := m.attemptContext(m.ctx)
	defer cancel()
	conn, err := m.dialer.Dial(ctx, DialOptions{LastEventID: lastEventID})
	if err != nil {
		if verdict != nil {
			verdict(err)
		}
		return nil, err
	}
	return newLink(conn, verdict), nil
}

func (m *Manager) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, m.config.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// sleep waits d unless the manager closes first
func (m *Manager) sleep(d time.Duration) bool {
	if d <= 0 {
		return m.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// settleAfter is how long an idle connection must stay up to count as
// established.
func (m *Manager) settleAfter() time.Duration {
	if m.config.MaxRetryDelay > 0 {
		return m.config.MaxRetryDelay
	}
	return time.Second
}

// established records that l carried traffic or outlived settleAfter
func (m *Manager) established(l *link) {
	if !l.settle(nil) {
		return
	}
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// serve drains the queue onto the connection and delivers its events until
// it fails
func (m *Manager) serve(l *link) {
	conn := l.conn
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for event := range conn.Events() {
			m.established(l)
			m.deliver(event)
		}
	}()
	defer func() {
		_ = conn.Close()
		<-readDone
	}()

	settleTimer := time.NewTimer(m.settleAfter())
	defer settleTimer.Stop()

	for {
		if d := m.head(); d != nil {
			err := m.transmit(l, d.msg)
			if err == nil {
				m.markSent(d.msg)
				m.complete(d, nil)
				continue
			}
			if m.ctx.Err() != nil {
				return
			}
			if !rpcerrors.IsRetryable(err) && !errors.Is(err, rpcerrors.ErrCircuitOpen) && !errors.Is(err, rpcerrors.ErrInvalidSession) {
				// The server refused this message; the connection is fine
				m.established(l)
				m.logger.WithError(err).Warn("Message rejected", logging.String("method", d.msg.Method))
				m.complete(d, err)
				continue
			}
			m.logger.WithError(err).Info("Send failed; reconnecting", logging.String("method", d.msg.Method))
			return
		}

		select {
		case <-m.wake:
		case <-settleTimer.C:
			m.established(l)
		case <-conn.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// transmit writes msg to the connection. Until the connection is established
// the breaker is still waiting on the dial, so sends bypass it.
func (m *Manager) transmit(l *link, msg *protocol.Message) error {
	op := func(ctx context.Context) error {
		ctx, cancel := m.attemptContext(ctx)
		defer cancel()
		return l.conn.Send(ctx, msg)
	}
	var err error
	if m.breaker == nil || !l.isEstablished() {
		err = op(m.ctx)
	} else {
		err = m.breaker.Execute(m.ctx, op)
	}
	if err == nil {
		m.established(l)
		m.mu.Lock()
		m.lastActivity = time.Now()
		m.mu.Unlock()
	}
	return err
}

func (m *Manager) head() *Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil
	}
	return m.queue[0]
}

// complete removes d from the head of the queue and resolves it. A delivery
// already failed by Close is left alone.
func (m *Manager) complete(d *Delivery, err error) {
	m.mu.Lock()
	if len(m.queue) == 0 || m.queue[0] != d {
		m.mu.Unlock()
		return
	}
	m.queue[0] = nil
	m.queue = m.queue[1:]
	depth := len(m.queue)
	m.mu.Unlock()

	d.resolve(err)
	m.metrics.RecordQueueDepth(m.ctx, depth)
}

// deliver hands one inbound event to the caller. Events at or below the
// high-water mark of their stream were already delivered and are dropped.
func (m *Manager) deliver(event Event) {
	m.mu.Lock()
	if event.ID != "" {
		id, err := protocol.ParseEventID(event.ID)
		if err != nil {
			m.mu.Unlock()
			m.logger.WithError(err).Warn("Dropping event with malformed id", logging.String("event_id", event.ID))
			return
		}
		if id.Sequence <= m.highWater[id.StreamID] {
			m.mu.Unlock()
			m.logger.Debug("Dropping duplicate or late event", logging.String("event_id", event.ID))
			return
		}
		m.highWater[id.StreamID] = id.Sequence
		m.lastEventID = event.ID
	}
	m.lastActivity = time.Now()

	var call *pendingCall
	if msg := event.Message; msg != nil && msg.IsResponse() && msg.ID != nil {
		call = m.calls[*msg.ID]
		delete(m.calls, *msg.ID)
	}
	m.mu.Unlock()

	if call != nil {
		call.reply <- callResult{msg: event.Message}
		return
	}
	m.callbacks.push(func() { m.onEvent(event) })
}

// fail moves to PermanentlyFailed and fails everything queued
func (m *Manager) fail(err error) {
	m.mu.Lock()
	from := m.state
	if from == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StatePermanentlyFailed
	m.failure = err
	queued := m.drainLocked()
	m.abandonCallsLocked(err)
	m.mu.Unlock()

	for _, d := range queued {
		d.resolve(err)
	}
	m.stateChanged(from, StatePermanentlyFailed)
	m.logger.WithError(err).Error("Connection permanently failed")
	m.callbacks.push(func() { m.onError(err) })
}

// link is one dialed connection. It settles once: established when it carries
// traffic or outlives settleAfter, or lost when it drops first. The outcome is
// reported to the breaker that admitted the dial.
type link struct {
	conn          Connection
	verdict       func(error)
	once          sync.Once
	establishedCh chan struct{}
}

func newLink(conn Connection, verdict func(error)) *link {
	return &link{conn: conn, verdict: verdict, establishedCh: make(chan struct{})}
}

// settle records the outcome and reports whether this call decided it
func (l *link) settle(err error) bool {
	decided := false
	l.once.Do(func() {
		decided = true
		if err == nil {
			close(l.establishedCh)
		}
		if l.verdict != nil {
			l.verdict(err)
		}
	})
	return decided
}

func (l *link) isEstablished() bool {
	select {
	case <-l.establishedCh:
		return true
	default:
		return false
	}
}

// callbackQueue runs callbacks one at a time in the order they were pushed.
// A drain goroutine exists only while callbacks are pending.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	active  bool
}

func (q *callbackQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.active {
		q.mu.Unlock()
		return
	}
	q.active = true
	q.mu.Unlock()
	go q.drain()
}

func (q *callbackQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.active = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}
