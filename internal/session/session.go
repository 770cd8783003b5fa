// Package session owns the single peer connection of the node and the
// protocol state machine that advertises, serves and re-advertises.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloudpico-node/internal/gatt"
)

// NotifyKind classifies why a live push did not happen.
type NotifyKind uint8

const (
	NoConnection NotifyKind = iota + 1
	NotSubscribed
	LinkBusy
)

func (k NotifyKind) String() string {
	switch k {
	case NoConnection:
		return "no connection"
	case NotSubscribed:
		return "not subscribed"
	case LinkBusy:
		return "link busy"
	default:
		return fmt.Sprintf("NotifyKind(%d)", uint8(k))
	}
}

var (
	ErrNoConnection  = errors.New("no connection")
	ErrNotSubscribed = errors.New("not subscribed")
	ErrLinkBusy      = errors.New("link busy")

	// ErrNotNotifiable rejects a subscription to a channel without notify.
	ErrNotNotifiable = errors.New("channel is not notify-capable")
)

// NotifyError is returned by Session.Notify. All kinds are expected outcomes;
// the value is already cached when it is returned.
type NotifyError struct {
	Kind    NotifyKind
	Channel gatt.ChannelID
	Err     error
}

func (e *NotifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notify %s: %s: %v", e.Channel, e.Kind, e.Err)
	}
	return fmt.Sprintf("notify %s: %s", e.Channel, e.Kind)
}

func (e *NotifyError) Unwrap() error { return e.Err }

func (e *NotifyError) Is(target error) bool {
	switch target {
	case ErrNoConnection:
		return e.Kind == NoConnection
	case ErrNotSubscribed:
		return e.Kind == NotSubscribed
	case ErrLinkBusy:
		return e.Kind == LinkBusy
	}
	return false
}

// Connection is one epoch of a peer session.
type Connection struct {
	Epoch uint64
	link  Link

	mu         sync.Mutex
	subscribed map[gatt.ChannelID]bool
}

// Peer returns the peer identifier of the underlying link.
func (c *Connection) Peer() string { return c.link.Peer() }

// Subscribed reports whether the peer enabled notifications for id.
func (c *Connection) Subscribed(id gatt.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[id]
}

func (c *Connection) setSubscribed(id gatt.ChannelID, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[id] = on
}

// Session delivers channel updates to whichever peer, if any, is connected.
// The cache update always happens; the live push is opportunistic.
type Session struct {
	registry *gatt.Registry
	table    AttributeTable
	logger   *slog.Logger

	mu    sync.RWMutex
	conn  *Connection
	epoch uint64
}

// AttributeTable mirrors cached values into the platform's attribute
// storage so explicit peer reads return them.
type AttributeTable interface {
	SetValue(id gatt.ChannelID, payload []byte) error
}

// NewSession creates a session over registry. table may be nil.
func NewSession(registry *gatt.Registry, table AttributeTable, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{registry: registry, table: table, logger: logger}
}

// Registry returns the channel registry backing the session.
func (s *Session) Registry() *gatt.Registry { return s.registry }

// Attach makes link the active connection under a new epoch with every
// channel unsubscribed. Any previous connection is dropped.
func (s *Session) Attach(link Link) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.conn = &Connection{
		Epoch:      s.epoch,
		link:       link,
		subscribed: make(map[gatt.ChannelID]bool),
	}
	return s.conn
}

// Detach drops conn if it is still the active connection.
func (s *Session) Detach(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

// Current returns the active connection, or nil.
func (s *Session) Current() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Epoch returns the epoch of the most recent connection.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// SetSubscribed records a subscription toggle for the active connection.
func (s *Session) SetSubscribed(id gatt.ChannelID, on bool) error {
	d, err := gatt.Lookup(id)
	if err != nil {
		return err
	}
	if !d.Access.CanNotify() {
		return fmt.Errorf("subscribe %s: %w", d.Name, ErrNotNotifiable)
	}
	conn := s.Current()
	if conn == nil {
		return ErrNoConnection
	}
	conn.setSubscribed(id, on)
	return nil
}

// Subscribed reports whether the active connection subscribed to id.
func (s *Session) Subscribed(id gatt.ChannelID) bool {
	conn := s.Current()
	return conn != nil && conn.Subscribed(id)
}

// Cache updates the cached value of id without touching the link.
func (s *Session) Cache(id gatt.ChannelID, v gatt.Value) error {
	if err := s.registry.Store(id, v); err != nil {
		return fmt.Errorf("cache %s: %w", id, err)
	}
	return s.mirror(id, v)
}

func (s *Session) mirror(id gatt.ChannelID, v gatt.Value) error {
	if s.table == nil {
		return nil
	}
	if err := s.table.SetValue(id, v.Encode()); err != nil {
		return fmt.Errorf("cache %s: attribute table: %w", id, err)
	}
	return nil
}

// Notify caches v and then tries to push it to the connected peer. The
// attribute table is mirrored after the push so the stack can skip writing a
// payload the link already sent.
func (s *Session) Notify(id gatt.ChannelID, v gatt.Value) error {
	if err := s.registry.Store(id, v); err != nil {
		return fmt.Errorf("cache %s: %w", id, err)
	}
	pushErr := s.push(id, v)
	if err := s.mirror(id, v); err != nil {
		return err
	}
	return pushErr
}

func (s *Session) push(id gatt.ChannelID, v gatt.Value) error {
	conn := s.Current()
	if conn == nil {
		return &NotifyError{Kind: NoConnection, Channel: id}
	}
	if !conn.Subscribed(id) {
		return &NotifyError{Kind: NotSubscribed, Channel: id}
	}
	err := conn.link.Notify(id, v.Encode())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLinkBusy):
		return &NotifyError{Kind: LinkBusy, Channel: id, Err: err}
	default:
		// The link is going away; the event stream will end the epoch.
		return &NotifyError{Kind: NoConnection, Channel: id, Err: err}
	}
}

// Publish commits a whole batch of channel values to the cache and then
// pushes each one opportunistically. A cancelled ctx drops the batch before
// anything is written.
func (s *Session) Publish(ctx context.Context, updates []gatt.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.registry.StoreBatch(updates); err != nil {
		// Structural failure: keep going channel by channel so one bad
		// value does not cost the others their update.
		s.logger.Error("session: batch rejected, caching individually", "error", err)
		return s.publishEach(updates)
	}
	for _, u := range updates {
		pushErr := s.push(u.Channel, u.Value)
		if err := s.mirror(u.Channel, u.Value); err != nil {
			s.logger.Error("session: cache mirror failed", "channel", u.Channel.String(), "error", err)
		}
		s.report(u, pushErr)
	}
	return nil
}

func (s *Session) publishEach(updates []gatt.Update) error {
	var errs []error
	for _, u := range updates {
		err := s.Notify(u.Channel, u.Value)
		var nerr *NotifyError
		if err != nil && !errors.As(err, &nerr) {
			s.logger.Error("session: cache failed, update dropped",
				"channel", u.Channel.String(), "value", u.Value.Int(), "error", err)
			errs = append(errs, err)
			continue
		}
		s.report(u, err)
	}
	return errors.Join(errs...)
}

func (s *Session) report(u gatt.Update, err error) {
	if err == nil {
		s.logger.Info("notified", "channel", u.Channel.String(), "value", u.Value.Int())
		return
	}
	s.logger.Debug("cached", "channel", u.Channel.String(), "value", u.Value.Int(), "reason", err.Error())
}
