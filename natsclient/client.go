package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/David-ssnd/rayz-web-sub000/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusFailed means the connection closed on its own and will not come
	// back without a new Connect
	StatusFailed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrClosed       = stderrors.New("client closed")
)

// StatusHandler is told about every connection status change. err is set
// when the change was caused by a failure.
type StatusHandler func(status ConnectionStatus, err error)

// Client manages one NATS connection and its JetStream context
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	noEcho        bool
	clientName    string
	tlsConfig     *tls.Config

	// Authentication, cleared on close
	username string
	password string
	token    string

	statusHandlers []StatusHandler
	lastErr        atomic.Value // stores error

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is up
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// LastError returns the error behind the most recent failure, if any
func (m *Client) LastError() error {
	if v, ok := m.lastErr.Load().(error); ok {
		return v
	}
	return nil
}

// OnStatusChange adds a status handler. Handlers run on NATS callback
// goroutines.
func (m *Client) OnStatusChange(fn StatusHandler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusHandlers = append(m.statusHandlers, fn)
}

// GetConnection returns the current NATS connection
func (m *Client) GetConnection() *nats.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Client) setStatus(status ConnectionStatus, err error) {
	prev := m.Status()
	m.status.Store(status)
	if err != nil {
		m.lastErr.Store(err)
	}
	if prev == status && err == nil {
		return
	}

	m.mu.RLock()
	handlers := append([]StatusHandler(nil), m.statusHandlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		h(status, err)
	}
}

// ConnectionOptions returns the NATS connection options
func (m *Client) ConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.noEcho {
		opts = append(opts, nats.NoEcho())
	}
	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}
	return opts
}

// Connect establishes the connection. It returns when connected, when the
// server refuses the connection or when ctx is done.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(ErrClosed, "Client", "Connect", "check client state")
	}
	if m.GetConnection() != nil {
		// connected, or reconnecting on its own
		return nil
	}

	m.setStatus(StatusConnecting, nil)
	m.logger.Info("Connecting to NATS", "url", m.url)

	opts := m.ConnectionOptions()
	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.js = js
		m.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.setStatus(StatusDisconnected, err)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		m.setStatus(StatusDisconnected, ctx.Err())
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected, nil)
	m.logger.Info("Connected to NATS", "url", m.url)
	return nil
}

// Close drains and closes the connection. It is safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	conn := m.conn
	subs := m.subs
	m.conn = nil
	m.js = nil
	m.subs = nil
	m.username, m.password, m.token = "", "", ""
	m.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) &&
			!stderrors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() { drainDone <- conn.Drain() }()

		select {
		case err := <-drainDone:
			if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "context cancelled during drain"))
		}
		conn.Close()
	}

	m.setStatus(StatusDisconnected, nil)
	m.logger.Info("NATS client closed")
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	conn := m.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Subscribe delivers every message on subject to handler. Each call gets a
// context derived from ctx with a 30-second timeout.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || m.conn.IsClosed() {
		return nil, ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	m.subs = append(m.subs, sub)
	return sub, nil
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn := m.GetConnection()
	if conn == nil || conn.IsClosed() {
		return ErrNotConnected
	}
	// while reconnecting nats.go buffers the publish
	return conn.Publish(subject, data)
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return m.js, nil
}

// CreateKeyValueBucket creates a KV bucket, or returns it if it exists
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		m.logger.Debug("Using existing KV bucket", "bucket", cfg.Bucket)
		return bucket, nil
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			// another client created it first
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err != nil {
				return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket",
					fmt.Sprintf("access existing bucket %s", cfg.Bucket))
			}
			return bucket, nil
		}
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}

	m.logger.Info("Created KV bucket", "bucket", cfg.Bucket, "ttl", cfg.TTL)
	return bucket, nil
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	if err == nil {
		err = nats.ErrDisconnected
	}
	m.logger.Warn("NATS disconnected", "error", err)
	m.setStatus(StatusReconnecting, err)
}

func (m *Client) handleReconnect(conn *nats.Conn) {
	m.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
	m.setStatus(StatusConnected, nil)
}

// handleClosed fires once the connection is gone for good, either through
// Close or because reconnects ran out
func (m *Client) handleClosed(conn *nats.Conn) {
	if m.closed.Load() {
		return
	}
	m.mu.Lock()
	if m.conn != conn {
		// a connection abandoned during Connect
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.js = nil
	m.subs = nil
	m.mu.Unlock()

	cause := conn.LastError()
	if cause == nil {
		cause = nats.ErrConnectionClosed
	}
	m.logger.Error("NATS connection closed", "error", cause)
	err := errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrRelayFailed, cause), "Client", "handleClosed", "keep connection")
	m.setStatus(StatusFailed, err)
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	m.logger.Error("NATS error", "subject", subject, "error", err)
}

// isAlreadyExistsError checks if the error indicates a resource already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bucket name already in use") ||
		strings.Contains(errStr, "already exists") ||
		strings.Contains(errStr, "stream name already in use")
}
