// Package manager is the entry point of a consortium node. A Manager wires
// the run coordinator to its transport and workspace and exposes the few
// operations a host process needs: start a pipeline, observe its state.
//
// In remote mode the Manager is the coordinator: it listens for
// participants, keeps the client registry and the missed-message cache, and
// optionally watches participant liveness. In local mode it dials the
// coordinator as a participant.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/consortium/internal/cluster"
	"github.com/dreamware/consortium/internal/config"
	"github.com/dreamware/consortium/internal/coordinator"
	"github.com/dreamware/consortium/internal/missedcache"
	"github.com/dreamware/consortium/internal/pipeline"
	"github.com/dreamware/consortium/internal/run"
	"github.com/dreamware/consortium/internal/transport"
	"github.com/dreamware/consortium/internal/workspace"
)

var (
	// ErrNotStarted is returned when starting a pipeline before Start.
	ErrNotStarted = errors.New("manager not started")
	// ErrNoParticipants is returned when the coordinator is asked to start a
	// run nobody takes part in; its barrier could never close.
	ErrNoParticipants = errors.New("run has no participants")
)

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithFactory replaces the executor factory.
func WithFactory(f pipeline.Factory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithAuthorizer replaces the authorizer derived from the auth plugin.
func WithAuthorizer(a transport.Authorizer) Option {
	return func(m *Manager) { m.auth = a }
}

// StartRequest asks for a new pipeline run.
type StartRequest struct {
	// RunID is generated when empty.
	RunID string
	// Clients are the participants; only the coordinator waits on them.
	Clients []string
	Spec    pipeline.Spec
}

// Handle gives access to a started run.
type Handle struct {
	Pipeline pipeline.Executor
	States   *run.Stream
	Result   *run.Result
	RunID    string
}

// Manager is one node of a consortium.
type Manager struct {
	ctx      context.Context
	factory  pipeline.Factory
	auth     transport.Authorizer
	adapter  transport.Adapter
	cache    missedcache.Cache
	logger   *zap.Logger
	registry *coordinator.ClientRegistry
	runs     *run.Coordinator
	server   *transport.Server
	client   *transport.Client
	monitor  *coordinator.LivenessMonitor
	cancel   context.CancelFunc
	cfg      config.Config
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

// New builds a Manager for cfg. Nothing is started until Start.
func New(cfg config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   zap.NewNop(),
		factory:  pipeline.NewFactory(),
		registry: coordinator.NewClientRegistry(),
		cache:    missedcache.NewMemoryCache(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.auth == nil && cfg.Mode == pipeline.ModeRemote {
		auth, err := transport.NewAuthorizer(cfg.AuthPlugin, cfg.AuthOpts)
		if err != nil {
			return nil, err
		}
		m.auth = auth
	}

	m.runs = run.NewCoordinator(run.Config{
		Mode:               cfg.Mode,
		ClientID:           cfg.ClientID,
		OperatingDirectory: cfg.OperatingDirectory,
	}, m.factory, m.registry, m.cache, m.logger)

	if cfg.Mode == pipeline.ModeRemote {
		serverOpts := []transport.ServerOption{transport.WithServerLogger(m.logger)}
		if m.auth != nil {
			serverOpts = append(serverOpts, transport.WithAuthorizer(m.auth))
		}
		m.server = transport.NewServer(cfg.ListenAddr(), cfg.RemotePathname, participantEvents{m.runs}, serverOpts...)
		m.adapter = m.server

		if cfg.LivenessInterval > 0 {
			staleAfter := cfg.StaleAfter
			if staleAfter == 0 {
				staleAfter = 3 * cfg.LivenessInterval
			}
			m.monitor = coordinator.NewLivenessMonitor(m.registry, cfg.LivenessInterval, staleAfter, m.logger)
		}
	} else {
		clientOpts := []transport.ClientOption{transport.WithClientLogger(m.logger)}
		if token := cfg.AuthOpts["token"]; token != "" {
			clientOpts = append(clientOpts, transport.WithToken(token))
		}
		m.client = transport.NewClient(cfg.CoordinatorURL(), cfg.ClientID, m.runs.OnCoordinatorMessage, clientOpts...)
		m.adapter = m.client
	}
	m.runs.SetTransport(m.adapter)
	return m, nil
}

// participantEvents routes server events to the run coordinator.
type participantEvents struct {
	runs *run.Coordinator
}

func (e participantEvents) HandleRegister(sessionID, clientID string) {
	e.runs.HandleRegister(sessionID, clientID)
}

func (e participantEvents) HandleRun(sessionID string, msg cluster.RunMessage) {
	e.runs.OnParticipantReport(sessionID, msg)
}

func (e participantEvents) HandleDisconnect(sessionID, reason string) {
	_ = e.runs.HandleDisconnect(sessionID, reason)
}

// Start brings up the transport and, when configured, the liveness monitor.
// Runs execute under ctx; cancelling it fails every unfinished run.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	if err := m.adapter.Start(m.ctx); err != nil {
		m.cancel()
		return err
	}
	if m.monitor != nil {
		m.monitor.SetOnStale(func(info coordinator.ClientInfo) {
			m.logger.Warn("participant silent",
				zap.String("client_id", info.ID),
				zap.Time("last_seen", info.LastSeen),
				zap.Strings("runs", info.Runs))
		})
		m.monitor.SetOnRecover(func(info coordinator.ClientInfo) {
			m.logger.Info("participant heard from again", zap.String("client_id", info.ID))
		})
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.monitor.Start(m.ctx)
		}()
	}
	m.started = true
	m.logger.Info("manager started", zap.String("mode", string(m.cfg.Mode)), zap.String("client_id", m.cfg.ClientID))
	return nil
}

// WaitReady blocks until a participant is registered with its coordinator.
// It returns immediately on the coordinator.
func (m *Manager) WaitReady(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.WaitReady(ctx)
}

// StartPipeline creates a run, provisions its workspaces and starts its
// executor in the background. If provisioning fails the run stays in state
// created and the run ID cannot be reused.
func (m *Manager) StartPipeline(ctx context.Context, req StartRequest) (*Handle, error) {
	m.mu.Lock()
	started, runCtx := m.started, m.ctx
	m.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	if m.cfg.Mode == pipeline.ModeRemote && len(req.Clients) == 0 {
		return nil, ErrNoParticipants
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	r, err := m.runs.StartRun(runID, req.Clients, req.Spec)
	if err != nil {
		return nil, err
	}

	paths := workspace.PathsFor(m.cfg.OperatingDirectory, m.cfg.ClientID, runID)
	if err := workspace.Provision(ctx, paths); err != nil {
		m.logger.Error("provisioning run directories", zap.String("run_id", runID), zap.Error(err))
		return nil, fmt.Errorf("start pipeline %s: %w", runID, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.runs.Execute(runCtx, runID); err != nil {
			m.logger.Warn("run ended with error", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	return &Handle{
		RunID:    runID,
		Pipeline: r.Executor(),
		States:   r.Stream(),
		Result:   r.Result(),
	}, nil
}

// GetPipelineStateListener returns the state stream of runID.
func (m *Manager) GetPipelineStateListener(runID string) (*run.Stream, error) {
	return m.runs.StateStream(runID)
}

// Runs returns the run coordinator.
func (m *Manager) Runs() *run.Coordinator { return m.runs }

// Registry returns the participant registry (populated on the coordinator).
func (m *Manager) Registry() *coordinator.ClientRegistry { return m.registry }

// Cache returns the missed-message cache.
func (m *Manager) Cache() missedcache.Cache { return m.cache }

// Config returns the manager's configuration.
func (m *Manager) Config() config.Config { return m.cfg }

// Addr returns the transport listen address on the coordinator and the
// coordinator URL on a participant.
func (m *Manager) Addr() string {
	if m.server != nil {
		return m.server.Addr()
	}
	return m.cfg.CoordinatorURL()
}

// Close stops the transport and waits for background work. Unfinished runs
// fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := m.adapter.Close()
	if m.monitor != nil {
		m.monitor.Stop()
	}
	m.wg.Wait()
	return err
}
