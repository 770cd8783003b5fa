package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cloudpico-node/internal/gatt"
)

// State is the protocol state of the server loop.
type State int32

const (
	Idle State = iota
	Advertising
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Advertising:
		return "advertising"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Activity is the per-connection workload raced against the peer's event
// stream. It must return promptly once ctx is done.
type Activity interface {
	Run(ctx context.Context) error
}

// EpochObserver is told about every connection epoch.
type EpochObserver interface {
	EpochStarted(conn *Connection)
	EpochEnded(conn *Connection, cause error)
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Advertisement Advertisement
	// RetryDelay is the pause after a failed advertising attempt.
	RetryDelay time.Duration
	Observer   EpochObserver
	Logger     *slog.Logger
}

// Server advertises, accepts one peer at a time and runs the activity for as
// long as that peer stays connected.
type Server struct {
	stack    Stack
	session  *Session
	activity Activity
	opts     ServerOptions
	logger   *slog.Logger

	state atomic.Int32
}

func NewServer(stack Stack, session *Session, activity Activity, opts ServerOptions) *Server {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		stack:    stack,
		session:  session,
		activity: activity,
		opts:     opts,
		logger:   logger,
	}
}

// State returns the current protocol state.
func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) setState(st State) { s.state.Store(int32(st)) }

// Run loops advertise → connect → serve until ctx is done. Per-connection
// failures never leave Run.
func (s *Server) Run(ctx context.Context) error {
	defer s.setState(Idle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(Advertising)
		s.logger.Info("ble: advertising",
			"name", s.opts.Advertisement.FullName,
			"short_name", s.opts.Advertisement.ShortName,
		)
		link, err := s.stack.Advertise(ctx, s.opts.Advertisement)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("ble: advertising failed", "error", err, "retry_in", s.opts.RetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.RetryDelay):
			}
			continue
		}

		s.serve(ctx, link)
	}
}

// serve runs one connection epoch. Whichever of the activity and the event
// stream finishes first cancels the other.
func (s *Server) serve(ctx context.Context, link Link) {
	conn := s.session.Attach(link)
	s.setState(Connected)
	s.logger.Info("ble: peer connected", "peer", link.Peer(), "epoch", conn.Epoch)
	if s.opts.Observer != nil {
		s.opts.Observer.EpochStarted(conn)
	}

	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	activityDone := make(chan error, 1)
	go func() { activityDone <- runActivity(epochCtx, s.activity) }()

	eventsDone := make(chan error, 1)
	go func() { eventsDone <- s.handleEvents(epochCtx, conn, link) }()

	var cause error
	select {
	case cause = <-eventsDone:
		cancel()
		if err := <-activityDone; err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("ble: activity stopped with error", "epoch", conn.Epoch, "error", err)
		}
		s.logger.Info("ble: peer disconnected", "peer", link.Peer(), "epoch", conn.Epoch, "cause", cause)
	case cause = <-activityDone:
		if cause == nil {
			cause = errors.New("activity returned")
		}
		s.logger.Error("ble: activity ended, dropping connection", "epoch", conn.Epoch, "error", cause)
		cancel()
		if err := link.Close(); err != nil {
			s.logger.Warn("ble: close link", "error", err)
		}
		<-eventsDone
	}

	s.session.Detach(conn)
	if err := link.Close(); err != nil {
		s.logger.Debug("ble: close link", "error", err)
	}
	if s.opts.Observer != nil {
		s.opts.Observer.EpochEnded(conn, cause)
	}
}

func runActivity(ctx context.Context, a Activity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panic: %v", r)
		}
	}()
	return a.Run(ctx)
}

func (s *Server) handleEvents(ctx context.Context, conn *Connection, link Link) error {
	events := link.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: event stream closed", ErrLinkTerminated)
			}
			switch e := ev.(type) {
			case SubscriptionChanged:
				s.applySubscription(conn, e)
			case Disconnected:
				return fmt.Errorf("%w: %s", ErrLinkTerminated, e.Reason)
			case TransportError:
				return fmt.Errorf("%w: %v", ErrLinkTerminated, e.Err)
			default:
				s.logger.Warn("ble: unexpected event", "event", fmt.Sprintf("%T", ev))
			}
		}
	}
}

func (s *Server) applySubscription(conn *Connection, e SubscriptionChanged) {
	err := s.session.SetSubscribed(e.Channel, e.Enabled)
	switch {
	case err == nil:
		s.logger.Info("ble: notifications", "channel", e.Channel.String(), "enabled", e.Enabled, "epoch", conn.Epoch)
	case errors.Is(err, gatt.ErrUnknownChannel):
		s.logger.Warn("ble: subscription for unknown channel", "channel", uint8(e.Channel))
	case errors.Is(err, ErrNotNotifiable):
		s.logger.Warn("ble: subscription for channel without notify", "channel", e.Channel.String())
	default:
		s.logger.Warn("ble: subscription not applied", "channel", e.Channel.String(), "epoch", conn.Epoch, "error", err)
	}
}
