package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// SetupFunc runs against every newly opened channel before it is marked ready
type SetupFunc func(ctx context.Context, ch Channel) error

// ConnectionManager owns the broker connection and its single channel.
//
// Each connection lifecycle has one readiness gate: a channel closed exactly once
// when the connection, the channel and every setup hook have succeeded. A
// disconnect installs a fresh gate, so waiters block until the next lifecycle.
type ConnectionManager struct {
	url            string
	dial           Dialer
	heartbeat      time.Duration
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	confirm        bool
	logger         *slog.Logger

	// lifecycleMu serializes establishing a channel with registering setup hooks
	lifecycleMu sync.Mutex

	mu      sync.RWMutex
	conn    Connection
	session *Session
	ready   chan struct{}
	setups  []SetupFunc
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConfirmMode enables or disables publisher confirms on the channel
func WithConfirmMode(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.confirm = enabled
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager. Nothing is dialed until Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		heartbeat:      30 * time.Second,
		reconnectDelay: 5 * time.Second,
		dialTimeout:    30 * time.Second,
		confirm:        true,
		logger:         slog.Default(),
		ready:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// Connect establishes the initial connection, opens the channel and runs the setup hooks.
// It returns once the manager is ready. After a successful Connect, lost connections are
// re-established in the background.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.lifecycleMu.Lock()
	defer cm.lifecycleMu.Unlock()

	cm.mu.RLock()
	closed, connected := cm.closed, cm.session != nil
	cm.mu.RUnlock()
	if closed {
		return ErrConnectionClosed
	}
	if connected {
		return nil
	}

	return cm.establish(ctx, 1)
}

// AddSetup registers a hook run on every channel (re)establishment, in registration order.
// When the manager is already ready the hook also runs immediately on the current channel.
func (cm *ConnectionManager) AddSetup(ctx context.Context, fn SetupFunc) error {
	cm.lifecycleMu.Lock()
	defer cm.lifecycleMu.Unlock()

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	cm.setups = append(cm.setups, fn)
	session := cm.session
	cm.mu.Unlock()

	if session == nil {
		return nil
	}
	return fn(ctx, session.ch)
}

// WaitReady blocks until the current connection lifecycle is ready, ctx is done or the
// manager is closed.
func (cm *ConnectionManager) WaitReady(ctx context.Context) error {
	cm.mu.RLock()
	ready, closed := cm.ready, cm.closed
	cm.mu.RUnlock()

	if closed {
		return ErrConnectionClosed
	}

	select {
	case <-ready:
		return nil
	case <-cm.ctx.Done():
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session waits for readiness and returns the current session
func (cm *ConnectionManager) Session(ctx context.Context) (*Session, error) {
	for {
		if err := cm.WaitReady(ctx); err != nil {
			return nil, err
		}

		cm.mu.RLock()
		session := cm.session
		cm.mu.RUnlock()
		if session != nil {
			return session, nil
		}
		// the lifecycle ended between the gate opening and the read; wait for the next one
	}
}

// IsReady reports whether the current lifecycle is ready
func (cm *ConnectionManager) IsReady() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.session != nil && !cm.closed
}

// Close closes the channel and connection. Pending waiters are released with
// ErrConnectionClosed. Calling Close more than once is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conn, session := cm.conn, cm.session
	cm.conn, cm.session = nil, nil
	cm.mu.Unlock()

	cm.cancel()

	var errs []error
	if session != nil && !session.ch.IsClosed() {
		if err := session.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	cm.wg.Wait()
	cm.logger.Info("connection manager shut down")
	return errors.Join(errs...)
}

// establish dials, opens the channel, runs the setup hooks and opens the readiness gate.
// Callers hold lifecycleMu.
func (cm *ConnectionManager) establish(ctx context.Context, attempt int) error {
	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempt,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Op: "open channel", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: attempt}
	}

	session, err := newSession(ch, cm.confirm)
	if err != nil {
		_ = conn.Close()
		return &ConnectionError{Op: "open channel", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: attempt}
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.RLock()
	setups := append([]SetupFunc(nil), cm.setups...)
	cm.mu.RUnlock()

	for _, setup := range setups {
		if err := setup(ctx, ch); err != nil {
			_ = conn.Close()
			return &ConnectionError{Op: "setup", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now(), Attempts: attempt}
		}
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	cm.conn = conn
	cm.session = session
	close(cm.ready)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"confirm", cm.confirm)
	cm.notifyConnected()

	cm.wg.Add(1)
	go cm.watch(conn, connClosed, chanClosed)

	return nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url, amqp.Config{
			Heartbeat: cm.heartbeat,
			Locale:    "en_US",
		})
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-dialCtx.Done():
		// close a connection that lands after we gave up
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, dialCtx.Err()
	}
}

// watch waits for the connection or channel of one lifecycle to close and then reconnects
func (cm *ConnectionManager) watch(conn Connection, connClosed, chanClosed chan *amqp.Error) {
	defer cm.wg.Done()

	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chanClosed:
	case <-cm.ctx.Done():
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.session = nil
	cm.ready = make(chan struct{})
	cm.mu.Unlock()

	if !conn.IsClosed() {
		_ = conn.Close()
	}

	var err error = ErrConnectionClosed
	if amqpErr != nil {
		err = amqpErr
	}
	cm.logger.Error("connection lost", "error", err)
	cm.notifyDisconnected(err)

	cm.reconnect()
}

// reconnect retries establish every reconnectDelay until it succeeds or the manager closes
func (cm *ConnectionManager) reconnect() {
	startTime := time.Now()

	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(cm.reconnectDelay):
		case <-cm.ctx.Done():
			return
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt)
		cm.notifyReconnecting(attempt)

		cm.lifecycleMu.Lock()
		err := cm.establish(cm.ctx, attempt)
		cm.lifecycleMu.Unlock()

		if err == nil {
			cm.logger.Info("successfully reconnected to RabbitMQ",
				"attempts", attempt,
				"duration", time.Since(startTime))
			return
		}
		if errors.Is(err, ErrConnectionClosed) || cm.ctx.Err() != nil {
			return
		}

		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", cm.reconnectDelay)
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnReconnecting(attempt)
	}
}
