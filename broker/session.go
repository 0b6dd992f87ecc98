// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/absmach/hubgate/broker/events"
	"github.com/absmach/hubgate/config"
	"github.com/absmach/hubgate/ratelimit"
	"github.com/absmach/hubgate/server/otel"
	"github.com/absmach/hubgate/storage"
)

// Session owns the configuration, the hooks and the collaborators of one
// broker instance. Hooks may be registered before or after Setup.
type Session struct {
	cfg     *config.Config
	logger  *slog.Logger
	hooks   hookSet
	state   atomic.Int32
	metrics *otel.Metrics
	limiter *ratelimit.Manager

	newTransport TransportFactory
	newStore     StoreFactory
	notifiers    []events.Notifier

	// Guards the collaborators below across Setup and Shutdown.
	mu         sync.Mutex
	transport  Transport
	store      storage.Store
	gate       *Gate
	dispatcher *Dispatcher
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. The session labels records with the
// configured log channel name.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTransport sets the transport factory. Setup fails without one.
func WithTransport(f TransportFactory) Option {
	return func(s *Session) { s.newTransport = f }
}

// WithStore replaces the default store factory.
func WithStore(f StoreFactory) Option {
	return func(s *Session) { s.newStore = f }
}

// WithMetrics enables decision, event and publish instruments.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRateLimiter makes the gate consult the limiter before any policy.
func WithRateLimiter(l *ratelimit.Manager) Option {
	return func(s *Session) { s.limiter = l }
}

// WithNotifier adds a sink that receives every dispatched event.
func WithNotifier(n events.Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
}

// New creates an unconfigured session. A nil cfg uses config.Default().
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Session{
		cfg:      cfg,
		newStore: OpenStore,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	name := cfg.Log.Name
	if name == "" {
		name = config.DefaultLogName
	}
	s.logger = s.logger.With(slog.String("log", name))

	return s, nil
}

// AuthorizeConnect sets the connect policy.
func (s *Session) AuthorizeConnect(p ConnectPolicy) {
	s.hooks.update(func(h *hooks) { h.connectPolicy = p })
}

// AuthorizeSubscribe sets the subscribe policy.
func (s *Session) AuthorizeSubscribe(p SubscribePolicy) {
	s.hooks.update(func(h *hooks) { h.subscribePolicy = p })
}

// AuthorizePublish sets the publish policy.
func (s *Session) AuthorizePublish(p PublishPolicy) {
	s.hooks.update(func(h *hooks) { h.publishPolicy = p })
}

// OnConnected sets the hook observing accepted connections.
func (s *Session) OnConnected(fn ConnectedHook) {
	s.hooks.update(func(h *hooks) { h.connected = fn })
}

// OnPublished sets the hook observing packets accepted for fan-out.
func (s *Session) OnPublished(fn PublishedHook) {
	s.hooks.update(func(h *hooks) { h.published = fn })
}

// OnSubscribed sets the hook observing granted subscriptions.
func (s *Session) OnSubscribed(fn SubscribedHook) {
	s.hooks.update(func(h *hooks) { h.subscribed = fn })
}

// OnUnsubscribed sets the hook observing removed subscriptions.
func (s *Session) OnUnsubscribed(fn UnsubscribedHook) {
	s.hooks.update(func(h *hooks) { h.unsubscribed = fn })
}

// OnDisconnected sets the hook observing closed connections.
func (s *Session) OnDisconnected(fn DisconnectedHook) {
	s.hooks.update(func(h *hooks) { h.disconnected = fn })
}

// OnError sets the hook receiving policy, timeout, hook and transport failures.
func (s *Session) OnError(fn ErrorHook) {
	s.hooks.update(func(h *hooks) { h.onError = fn })
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Setup opens the store, starts the transport and, once both are ready,
// attaches the gate and the dispatcher. A failure leaves the session Stopped.
func (s *Session) Setup(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Unconfigured), int32(Configuring)) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.Validate(); err != nil {
		return s.fail(fmt.Errorf("invalid configuration: %w", err))
	}
	if s.newTransport == nil {
		return s.fail(ErrNoTransport)
	}
	if s.newStore == nil {
		return s.fail(ErrNoStore)
	}

	s.state.Store(int32(Starting))

	store, err := s.newStore(s.cfg.Storage)
	if err != nil {
		return s.fail(fmt.Errorf("persistence unavailable: %w", err))
	}
	if store == nil {
		return s.fail(ErrNoStore)
	}
	s.store = store
	s.logger.Info("persistence ready",
		slog.String("type", s.cfg.Storage.Type),
		slog.String("collection", s.cfg.Storage.Collection))

	transport, err := s.newTransport(s.cfg, store, s.logger)
	if err != nil {
		return s.fail(&TransportError{Op: "create", Err: err})
	}
	s.transport = transport

	if err := transport.Serve(ctx); err != nil {
		return s.fail(&TransportError{Op: "serve", Err: err})
	}

	s.gate = newGate(&s.hooks, s.cfg.Broker.DecisionTimeout(), s.limiter, s.metrics, s.logger)
	s.dispatcher = newDispatcher(&s.hooks, s.notifiers, s.metrics, s.limiter, s.cfg.Broker.DispatchQueueSize, s.logger)
	transport.Attach(s.gate, s.dispatcher)

	s.state.Store(int32(Ready))
	s.logger.Info("broker session ready",
		slog.String("tcp_addr", s.cfg.Server.TCPAddr),
		slog.Duration("decision_timeout", s.gate.timeout))
	return nil
}

// fail releases whatever Setup acquired and moves to Stopped.
func (s *Session) fail(err error) error {
	s.logger.Error("broker session setup failed", slog.String("error", err.Error()))
	if s.transport != nil {
		if cerr := s.transport.Close(); cerr != nil {
			s.logger.Warn("failed to close transport", slog.String("error", cerr.Error()))
		}
		s.transport = nil
	}
	if s.store != nil {
		if cerr := s.store.Close(); cerr != nil {
			s.logger.Warn("failed to close store", slog.String("error", cerr.Error()))
		}
		s.store = nil
	}
	s.state.Store(int32(Stopped))
	return err
}

// Clients returns the connected clients ordered by ID. It is empty unless
// the session is Ready.
func (s *Session) Clients() []Client {
	if s.State() != Ready {
		return []Client{}
	}
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d == nil {
		return []Client{}
	}
	return d.Clients()
}

// Shutdown resolves in-flight decisions to deny, detaches the hooks, closes
// the transport and drains pending events. Calling it on a stopped session
// is a no-op.
func (s *Session) Shutdown(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(Ready), int32(ShuttingDown)) {
		switch s.State() {
		case Stopped, ShuttingDown:
			return nil
		default:
			return ErrNotReady
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("broker session shutting down")

	var errs []error
	s.gate.Close()
	s.transport.Detach()
	if err := s.transport.Close(); err != nil {
		errs = append(errs, &TransportError{Op: "close", Err: err})
	}
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, n := range s.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing notifier: %w", err))
		}
	}
	s.limiter.Stop()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	s.state.Store(int32(Stopped))
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("broker session stopped with errors", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("broker session stopped")
	return nil
}
