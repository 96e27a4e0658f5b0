package natsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/David-ssnd/rayz-web-sub000/errors"
	"github.com/David-ssnd/rayz-web-sub000/pkg/retry"
	"github.com/David-ssnd/rayz-web-sub000/pkg/timestamp"
	"github.com/David-ssnd/rayz-web-sub000/transport"
)

// Channel defaults
const (
	DefaultChannelPrefix = "rayz"
	DefaultPresenceTTL   = 30 * time.Second

	deviceKeyPrefix = "devices."
	clientKeyPrefix = "clients."
)

// Presence entry kinds
const (
	KindDevice = "device"
	KindClient = "client"
)

// ChannelConfig names one relay session
type ChannelConfig struct {
	Prefix    string
	SessionID string
	// PresenceTTL bounds how long an entry that is no longer refreshed stays
	// present. This client refreshes its own entry at half the TTL.
	PresenceTTL time.Duration
	// ClientID identifies this client's presence entry; a random uuid by
	// default
	ClientID string
}

// PresenceEntry is the value stored under a presence key
type PresenceEntry struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	JoinedAt int64  `json:"joined_at"`
}

// Channel is a relay session on NATS. Envelopes travel on two core subjects:
// <prefix>:<session> for session-wide traffic and <prefix>:<session>:devices
// for device-targeted traffic. Presence lives in a JetStream KV bucket where
// every live device keeps a devices.<id> entry.
type Channel struct {
	client *Client
	cfg    ChannelConfig
	logger *slog.Logger

	mu       sync.Mutex
	gen      uint64
	active   bool
	hooked   bool
	handlers transport.RelayHandlers
	kv       jetstream.KeyValue
	watcher  jetstream.KeyWatcher
	subs     []*nats.Subscription
	cancel   context.CancelFunc
	present  map[string]string // key -> device id

	envelopeMu sync.Mutex
	presenceMu sync.Mutex
}

var _ transport.RelayChannel = (*Channel)(nil)

// NewChannel creates a channel for the session in cfg. The client may be
// connected already; otherwise Connect connects it.
func NewChannel(client *Client, cfg ChannelConfig, logger *slog.Logger) (*Channel, error) {
	if client == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: nats client", errors.ErrMissingConfig), "Channel", "NewChannel", "check client")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: relay session id", errors.ErrMissingConfig), "Channel", "NewChannel", "check session")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultChannelPrefix
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "relay-channel", "session", cfg.SessionID),
		present: make(map[string]string),
	}, nil
}

// BroadcastSubject carries session-wide envelopes
func (c *Channel) BroadcastSubject() string {
	return c.cfg.Prefix + ":" + c.cfg.SessionID
}

// DevicesSubject carries device-targeted envelopes
func (c *Channel) DevicesSubject() string {
	return c.BroadcastSubject() + ":devices"
}

// Bucket returns the presence bucket name
func (c *Channel) Bucket() string {
	return sanitizeBucket(c.cfg.Prefix + "_" + c.cfg.SessionID + "_presence")
}

// ClientID returns the id of this client's presence entry
func (c *Channel) ClientID() string {
	return c.cfg.ClientID
}

// Connect implements transport.RelayChannel. It returns once the presence
// bucket has been read in full, so Present is accurate when it returns.
func (c *Channel) Connect(ctx context.Context, handlers transport.RelayHandlers) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.handlers = handlers
	if !c.hooked {
		c.hooked = true
		c.client.OnStatusChange(c.onClientStatus)
	}
	c.mu.Unlock()

	if err := c.client.Connect(ctx); err != nil {
		return err
	}

	kv, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
		return c.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      c.Bucket(),
			Description: "presence for relay session " + c.cfg.SessionID,
			TTL:         c.cfg.PresenceTTL,
			History:     1,
		})
	})
	if err != nil {
		return errors.WrapTransient(err, "Channel", "Connect", "open presence bucket")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var subs []*nats.Subscription
	var watcher jetstream.KeyWatcher
	fail := func(err error) error {
		cancel()
		if watcher != nil {
			_ = watcher.Stop()
		}
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		return err
	}

	for _, subject := range []string{c.BroadcastSubject(), c.DevicesSubject()} {
		sub, err := c.client.Subscribe(runCtx, subject, func(_ context.Context, data []byte) {
			c.deliver(data)
		})
		if err != nil {
			return fail(err)
		}
		subs = append(subs, sub)
	}

	watcher, err = kv.Watch(runCtx, deviceKeyPrefix+">")
	if err != nil {
		return fail(errors.WrapTransient(err, "Channel", "Connect", "watch presence"))
	}

	initial := make(map[string]string)
	for synced := false; !synced; {
		select {
		case entry, ok := <-watcher.Updates():
			if !ok {
				return fail(errors.WrapTransient(errors.ErrConnectionLost, "Channel", "Connect", "read presence"))
			}
			if entry == nil {
				synced = true
				continue
			}
			applyEntry(initial, entry)
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	if err := c.announce(ctx, kv); err != nil {
		return fail(err)
	}

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		c.mu.Unlock()
		return fail(errors.WrapTransient(context.Canceled, "Channel", "Connect", "finish connect"))
	}
	c.active = true
	c.kv = kv
	c.watcher = watcher
	c.subs = subs
	c.cancel = cancel
	c.present = initial
	c.mu.Unlock()

	c.logger.Info("Joined relay session",
		"subject", c.BroadcastSubject(), "bucket", c.Bucket(), "present", len(initial))

	go c.run(runCtx, kv, watcher)
	return nil
}

// run follows presence changes and keeps this client's own entry fresh
func (c *Channel) run(ctx context.Context, kv jetstream.KeyValue, watcher jetstream.KeyWatcher) {
	ticker := time.NewTicker(c.cfg.PresenceTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			c.mu.Lock()
			changed := c.active && applyEntry(c.present, entry)
			c.mu.Unlock()
			if changed {
				c.notifyPresence()
			}
		case <-ticker.C:
			if err := c.announce(ctx, kv); err != nil && ctx.Err() == nil {
				c.logger.Warn("Presence refresh failed", "error", err)
			}
			c.resync(ctx, kv)
		}
	}
}

// resync drops entries that expired without a delete marker
func (c *Channel) resync(ctx context.Context, kv jetstream.KeyValue) {
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if !stderrors.Is(err, jetstream.ErrNoKeysFound) && ctx.Err() == nil {
			c.logger.Debug("Presence resync failed", "error", err)
		}
		if !stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return
		}
	}

	live := make(map[string]bool)
	if lister != nil {
		for key := range lister.Keys() {
			live[key] = true
		}
		_ = lister.Stop()
	}

	c.mu.Lock()
	changed := false
	for key := range c.present {
		if !live[key] {
			delete(c.present, key)
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.notifyPresence()
	}
}

func (c *Channel) announce(ctx context.Context, kv jetstream.KeyValue) error {
	entry, err := json.Marshal(PresenceEntry{ID: c.cfg.ClientID, Kind: KindClient, JoinedAt: timestamp.Now()})
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, clientKeyPrefix+sanitizeKey(c.cfg.ClientID), entry); err != nil {
		return errors.WrapTransient(err, "Channel", "announce", "put client presence")
	}
	return nil
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	h := c.handlers.Envelope
	c.mu.Unlock()
	if h == nil {
		return
	}
	c.envelopeMu.Lock()
	defer c.envelopeMu.Unlock()
	h(data)
}

func (c *Channel) notifyPresence() {
	c.mu.Lock()
	h := c.handlers.Presence
	c.mu.Unlock()
	if h == nil {
		return
	}
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	h(c.Present())
}

func (c *Channel) onClientStatus(status ConnectionStatus, err error) {
	c.mu.Lock()
	h := c.handlers.Status
	c.mu.Unlock()
	if h == nil {
		return
	}

	switch status {
	case StatusConnected:
		h(true, nil)
	case StatusReconnecting:
		h(false, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Channel", "status", "keep relay connection"))
	case StatusFailed:
		h(false, err)
	}
}

// Close implements transport.RelayChannel. It leaves the session; the
// underlying client stays open.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.gen++
	if !c.active {
		c.handlers = transport.RelayHandlers{}
		c.mu.Unlock()
		return nil
	}
	c.active = false
	kv, watcher, subs, cancel := c.kv, c.watcher, c.subs, c.cancel
	c.kv, c.watcher, c.subs, c.cancel = nil, nil, nil, nil
	c.handlers = transport.RelayHandlers{}
	c.present = make(map[string]string)
	c.mu.Unlock()

	cancel()
	var errs []error
	if err := watcher.Stop(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
		errs = append(errs, err)
	}
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) &&
			!stderrors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := kv.Delete(ctx, clientKeyPrefix+sanitizeKey(c.cfg.ClientID)); err != nil && c.client.IsHealthy() {
		errs = append(errs, err)
	}

	c.logger.Info("Left relay session")
	return stderrors.Join(errs...)
}

// Publish implements transport.RelayChannel
func (c *Channel) Publish(target string, data []byte) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return ErrNotConnected
	}

	subject := c.BroadcastSubject()
	if target != "" {
		subject = c.DevicesSubject()
	}
	return c.client.Publish(context.Background(), subject, data)
}

// Present implements transport.RelayChannel
func (c *Channel) Present() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(c.present))
	ids := make([]string, 0, len(c.present))
	for _, id := range c.present {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Announce marks deviceID present in the session. It is what device
// firmware, bridges and simulators do on joining.
func (c *Channel) Announce(ctx context.Context, deviceID string) error {
	kv, err := c.bucket(ctx)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(PresenceEntry{ID: deviceID, Kind: KindDevice, JoinedAt: timestamp.Now()})
	if err != nil {
		return err
	}
	if _, err := kv.Put(ctx, DeviceKey(deviceID), entry); err != nil {
		return errors.WrapTransient(err, "Channel", "Announce", "put device presence")
	}
	return nil
}

// Withdraw removes deviceID from presence
func (c *Channel) Withdraw(ctx context.Context, deviceID string) error {
	kv, err := c.bucket(ctx)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, DeviceKey(deviceID)); err != nil {
		return errors.WrapTransient(err, "Channel", "Withdraw", "delete device presence")
	}
	return nil
}

func (c *Channel) bucket(ctx context.Context) (jetstream.KeyValue, error) {
	c.mu.Lock()
	kv := c.kv
	c.mu.Unlock()
	if kv != nil {
		return kv, nil
	}
	return c.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  c.Bucket(),
		TTL:     c.cfg.PresenceTTL,
		History: 1,
	})
}

// DeviceKey returns the presence key for deviceID
func DeviceKey(deviceID string) string {
	return deviceKeyPrefix + sanitizeKey(deviceID)
}

// applyEntry folds one watcher update into present and reports whether the
// set of keys changed
func applyEntry(present map[string]string, entry jetstream.KeyValueEntry) bool {
	key := entry.Key()
	if !strings.HasPrefix(key, deviceKeyPrefix) {
		return false
	}

	switch entry.Operation() {
	case jetstream.KeyValuePut:
		id := strings.TrimPrefix(key, deviceKeyPrefix)
		var value PresenceEntry
		if err := json.Unmarshal(entry.Value(), &value); err == nil && value.ID != "" {
			id = value.ID
		}
		prev, existed := present[key]
		present[key] = id
		return !existed || prev != id
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		if _, existed := present[key]; existed {
			delete(present, key)
			return true
		}
	}
	return false
}

// sanitizeKey maps s onto the characters allowed in KV keys
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '=', r == '/', r == '.':
			return r
		}
		return '_'
	}, s)
}

// sanitizeBucket maps s onto the characters allowed in bucket names
func sanitizeBucket(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
