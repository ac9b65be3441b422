// Package run owns the lifecycle of pipeline runs on one node: it creates
// their executors, routes cross-node exchanges between executors and the
// transport, enforces the per-run barrier on the coordinator, and publishes
// every state change on the run's Stream.
//
// One Coordinator serves one node in one role. On the coordinator node
// (remote mode) it aggregates participant reports; on a participant (local
// mode) it relays its executor's output to the coordinator and hands replies
// back.
//
// All run state is guarded by a single mutex. Messages produced while the
// lock is held are delivered after it is released, so transport callbacks
// may re-enter the Coordinator freely.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/consortium/internal/cluster"
	"github.com/dreamware/consortium/internal/coordinator"
	"github.com/dreamware/consortium/internal/missedcache"
	"github.com/dreamware/consortium/internal/pipeline"
)

// Transport delivers run messages. With no sessions a message goes to the
// node's single peer (the coordinator); otherwise to each listed session.
type Transport interface {
	Send(msg cluster.RunMessage, sessions ...string) error
}

// Config identifies the node a Coordinator serves.
type Config struct {
	Mode               pipeline.Mode
	ClientID           string
	OperatingDirectory string
}

// Run is one pipeline run known to a Coordinator. Its mutable state lives
// behind the Coordinator; the accessors expose only what never changes.
type Run struct {
	executor     pipeline.Executor
	stream       *Stream
	result       *Result
	pending      *exchange
	err          error
	accepted     *position
	lastReport   *cluster.RunMessage
	reported     map[string]position
	id           string
	state        State
	participants []string
	waitingOn    []string
	progress     pipeline.Progress
}

type position struct {
	step      int
	iteration int
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Executor returns the executor driving the run.
func (r *Run) Executor() pipeline.Executor { return r.executor }

// Stream returns the run's state stream.
func (r *Run) Stream() *Stream { return r.stream }

// Result returns the run's eventual outcome.
func (r *Run) Result() *Result { return r.result }

// Participants returns the participant IDs the run was started with.
func (r *Run) Participants() []string { return slices.Clone(r.participants) }

// outbound is a message queued under the lock for delivery after it.
type outbound struct {
	msg      cluster.RunMessage
	sessions []string
}

// Coordinator tracks every run of one node.
type Coordinator struct {
	transport Transport
	factory   pipeline.Factory
	cache     missedcache.Cache
	registry  *coordinator.ClientRegistry
	logger    *zap.Logger
	now       func() time.Time
	runs      map[string]*Run
	cfg       Config
	mu        sync.Mutex
}

// NewCoordinator creates a Coordinator. registry and cache are only consulted
// in remote mode but must be non-nil.
func NewCoordinator(
	cfg Config,
	factory pipeline.Factory,
	registry *coordinator.ClientRegistry,
	cache missedcache.Cache,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		factory:  factory,
		registry: registry,
		cache:    cache,
		logger:   logger.With(zap.String("mode", string(cfg.Mode)), zap.String("client_id", cfg.ClientID)),
		now:      time.Now,
		runs:     make(map[string]*Run),
	}
}

// SetTransport sets the transport messages are sent through. It must be
// called before the first run starts.
func (c *Coordinator) SetTransport(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

// StartRun registers a new run, creates its executor and allocates a barrier
// slot for every participant. The run is left in state created until
// Execute is called.
func (c *Coordinator) StartRun(runID string, participants []string, spec pipeline.Spec) (*Run, error) {
	if runID == "" {
		return nil, cluster.ErrEmptyRunID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.runs[runID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
	}

	executor, err := c.factory.Create(spec, runID, pipeline.Options{
		Mode:               c.cfg.Mode,
		OperatingDirectory: c.cfg.OperatingDirectory,
		ClientID:           c.cfg.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline for run %s: %w", runID, err)
	}

	for _, clientID := range participants {
		if err := c.registry.AllocateSlot(clientID, runID); err != nil {
			return nil, fmt.Errorf("allocate slot for run %s: %w", runID, err)
		}
	}

	r := &Run{
		id:           runID,
		executor:     executor,
		participants: slices.Clone(participants),
		stream:       NewStream(),
		result:       newResult(),
		state:        StateCreated,
		reported:     make(map[string]position),
	}
	if c.cfg.Mode == pipeline.ModeRemote {
		r.waitingOn = c.registry.WaitingOn(runID)
	}
	c.runs[runID] = r
	c.publishLocked(r)

	c.logger.Info("run created",
		zap.String("run_id", runID),
		zap.Strings("participants", participants))
	return r, nil
}

// Execute moves the run to running and drives its executor to completion,
// settling the run's Result. It blocks until the executor returns.
func (c *Coordinator) Execute(ctx context.Context, runID string) error {
	c.mu.Lock()
	r, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if r.state != StateCreated {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunStarted, runID)
	}
	c.setStateLocked(r, StateRunning)
	c.mu.Unlock()

	output, err := r.executor.Run(ctx, c.RemoteHandler(runID), func(p pipeline.Progress) {
		c.UpdateProgress(runID, p)
	})
	return c.finish(r, output, err)
}

func (c *Coordinator) finish(r *Run, output json.RawMessage, runErr error) error {
	c.mu.Lock()
	var out []outbound
	switch {
	case r.err != nil:
		// failed through a peer; the executor error is a consequence
	case runErr != nil:
		out = c.executorErrorLocked(r, runErr)
	default:
		c.setStateLocked(r, StateFinished)
	}
	err := r.err
	if err != nil {
		output = nil
	}
	r.result.settle(output, err)
	r.stream.Close()
	c.mu.Unlock()

	c.deliver(out)
	if err == nil {
		c.logger.Info("run finished", zap.String("run_id", r.id))
	}
	return err
}

// executorErrorLocked fails r because its own executor failed.
func (c *Coordinator) executorErrorLocked(r *Run, err error) []outbound {
	step, iteration := r.executor.Position()

	if c.cfg.Mode == pipeline.ModeRemote {
		runErr := newCentralNodeError(r.id, err)
		r.err = runErr
		c.setStateLocked(r, StateCentralNodeError)
		c.pendingLocked(r).reject(runErr)

		payload := runErr.Payload()
		msg := cluster.RunMessage{RunID: r.id, Error: &payload, Step: step, Iteration: iteration}
		c.cachePut(r.id, msg)
		c.logger.Error("pipeline failed on central node", zap.String("run_id", r.id), zap.Error(err))
		return []outbound{{msg: msg, sessions: c.registry.Sessions(r.id)}}
	}

	r.err = err
	c.setStateLocked(r, StateLocalNodeError)
	c.pendingLocked(r).reject(err)

	payload := payloadOf(err)
	c.logger.Error("pipeline failed on participant", zap.String("run_id", r.id), zap.Error(err))
	return []outbound{{msg: cluster.RunMessage{
		ID:        c.cfg.ClientID,
		RunID:     r.id,
		Error:     &payload,
		Step:      step,
		Iteration: iteration,
	}}}
}

// RemoteHandler returns the function the run's executor calls for every
// cross-node exchange.
func (c *Coordinator) RemoteHandler(runID string) pipeline.RemoteHandler {
	return func(ctx context.Context, req pipeline.ExchangeRequest) (json.RawMessage, error) {
		c.mu.Lock()
		r, ok := c.runs[runID]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		if r.err != nil {
			err := r.err
			c.mu.Unlock()
			return nil, err
		}

		var ex *exchange
		switch prev := r.pending; {
		case req.Noop && prev != nil && prev.settled && !prev.claimed:
			// the result came in before the executor asked for it
			ex = prev
		default:
			if prev != nil && !prev.settled {
				prev.reject(ErrExchangeSuperseded)
			}
			ex = newExchange()
			r.pending = ex
		}
		ex.claimed = true

		var out []outbound
		if !req.Noop {
			out = c.communicateLocked(r, req.Input)
		}
		if req.TransmitOnly {
			ex.resolve(nil)
		} else if !ex.settled {
			c.setStateLocked(r, StateWaitingForRemote)
		}
		c.mu.Unlock()

		c.deliver(out)
		return ex.wait(ctx)
	}
}

// communicateLocked builds the message carrying output to the peer(s).
func (c *Coordinator) communicateLocked(r *Run, output json.RawMessage) []outbound {
	step, iteration := r.executor.Position()
	msg := cluster.RunMessage{
		RunID:     r.id,
		Output:    output,
		Step:      step,
		Iteration: iteration,
	}

	if c.cfg.Mode == pipeline.ModeRemote {
		c.cachePut(r.id, msg)
		return []outbound{{msg: msg, sessions: c.registry.Sessions(r.id)}}
	}
	msg.ID = c.cfg.ClientID
	r.lastReport = &msg
	return []outbound{{msg: msg}}
}

func (c *Coordinator) cachePut(runID string, msg cluster.RunMessage) {
	err := c.cache.Put(runID, missedcache.Entry{
		Message:        msg,
		PipelineStep:   msg.Step,
		ControllerStep: msg.Iteration,
	})
	if err != nil {
		c.logger.Warn("cache message", zap.String("run_id", runID), zap.Error(err))
	}
}

// pendingLocked returns the exchange a result should settle: the open one,
// or an unclaimed one holding the result until the executor asks.
func (c *Coordinator) pendingLocked(r *Run) *exchange {
	if r.pending == nil || (r.pending.settled && r.pending.claimed) {
		r.pending = newExchange()
	}
	return r.pending
}

// OnParticipantReport handles a run message a participant sent over
// sessionID. Only the client's current session is listened to. Reports for
// unknown runs, from clients outside the run, for runs already finished and
// for exchanges already aggregated are ignored.
func (c *Coordinator) OnParticipantReport(sessionID string, msg cluster.RunMessage) {
	log := c.logger.With(
		zap.String("run_id", msg.RunID),
		zap.String("client_id", msg.ID),
		zap.String("session_id", sessionID))

	if !c.registry.IsSession(msg.ID, sessionID) {
		log.Debug("ignoring report from a session that does not speak for the client")
		return
	}
	c.registry.Touch(msg.ID)

	c.mu.Lock()
	r, ok := c.runs[msg.RunID]
	if !ok || !c.registry.HasSlot(msg.ID, msg.RunID) {
		c.mu.Unlock()
		log.Debug("ignoring unsolicited report")
		return
	}

	var out []outbound
	switch {
	case r.err != nil:
		// the run already failed; make sure this participant knows
		out = append(out, outbound{msg: c.errorMessageLocked(r), sessions: []string{sessionID}})
	case r.state.Terminal():
		log.Debug("ignoring report for finished run")
	case msg.Error != nil:
		runErr := &ParticipantReportedError{RunID: r.id, ClientID: msg.ID, Reported: *msg.Error}
		r.err = runErr
		c.registry.Discard(r.id)
		r.waitingOn = c.registry.WaitingOn(r.id)
		c.setStateLocked(r, StateReceivedClientError)
		c.pendingLocked(r).reject(runErr)

		errMsg := c.errorMessageLocked(r)
		c.cachePut(r.id, errMsg)
		out = append(out, outbound{msg: errMsg, sessions: c.registry.Sessions(r.id)})
		log.Warn("participant reported error", zap.String("error", msg.Error.Message))
	default:
		// Iterations count from 1; a report at the position of one already
		// aggregated is a resend of it.
		pos := position{step: msg.Step, iteration: msg.Iteration}
		if last, seen := r.reported[msg.ID]; seen && last == pos && !c.registry.HasReported(msg.ID, r.id) {
			log.Debug("dropping report for an aggregated exchange",
				zap.Int("step", msg.Step), zap.Int("iteration", msg.Iteration))
			break
		}
		if pos.iteration > 0 {
			r.reported[msg.ID] = pos
		}
		c.registry.RecordOutput(msg.ID, r.id, msg.Output)
		r.waitingOn = c.registry.WaitingOn(r.id)
		c.setStateLocked(r, StateReceivedClientData)

		if len(r.waitingOn) == 0 {
			c.setStateLocked(r, StateReceivedAllClientsData)
			aggregate, err := json.Marshal(struct {
				Output map[string]json.RawMessage `json:"output"`
			}{Output: c.registry.Aggregate(r.id)})
			if err != nil {
				c.pendingLocked(r).reject(fmt.Errorf("aggregate outputs: %w", err))
				break
			}
			r.waitingOn = c.registry.WaitingOn(r.id)
			c.pendingLocked(r).resolve(aggregate)
			log.Debug("barrier closed")
		}
	}
	c.mu.Unlock()

	c.deliver(out)
}

// OnCoordinatorMessage handles a run message received from the coordinator.
// A replay of the message last accepted means the coordinator never got the
// answer to it, so the last report is sent again.
func (c *Coordinator) OnCoordinatorMessage(msg cluster.RunMessage) {
	log := c.logger.With(zap.String("run_id", msg.RunID))

	c.mu.Lock()
	resend := c.onCoordinatorMessageLocked(msg, log)
	c.mu.Unlock()

	if resend != nil {
		log.Info("coordinator replayed an accepted message, resending last report",
			zap.Int("step", resend.Step), zap.Int("iteration", resend.Iteration))
		c.deliver([]outbound{{msg: *resend}})
	}
}

func (c *Coordinator) onCoordinatorMessageLocked(msg cluster.RunMessage, log *zap.Logger) *cluster.RunMessage {
	r, ok := c.runs[msg.RunID]
	if !ok {
		log.Debug("ignoring message for unknown run")
		return nil
	}
	if r.err != nil || r.state.Terminal() {
		return nil
	}

	if msg.Error != nil {
		runErr := &CoordinatorReportedError{RunID: r.id, Reported: *msg.Error}
		r.err = runErr
		c.setStateLocked(r, StateReceivedError)
		c.pendingLocked(r).reject(runErr)
		log.Warn("coordinator reported error", zap.String("error", msg.Error.Message))
		return nil
	}

	pos := position{step: msg.Step, iteration: msg.Iteration}
	if msg.Replay && r.accepted != nil && *r.accepted == pos {
		if r.lastReport == nil {
			log.Debug("dropping replay of an accepted message",
				zap.Int("step", msg.Step), zap.Int("iteration", msg.Iteration))
			return nil
		}
		resend := *r.lastReport
		return &resend
	}
	r.accepted = &pos
	r.lastReport = nil
	c.setStateLocked(r, StateReceivedCentralNodeData)
	c.pendingLocked(r).resolve(msg.Output)
	return nil
}

// HandleRegister records a participant's registration. A client coming back
// from a disconnect is sent what it missed: the cached last message of every
// live run it has not reported for yet, or the error of runs that failed.
func (c *Coordinator) HandleRegister(sessionID, clientID string) {
	prev, err := c.registry.Register(clientID, sessionID)
	if err != nil {
		c.logger.Warn("rejecting registration", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c.logger.Info("client registered",
		zap.String("client_id", clientID),
		zap.String("session_id", sessionID),
		zap.String("previous_status", string(prev)))
	if prev != coordinator.StatusDisconnected {
		return
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []outbound
	for _, id := range ids {
		r := c.runs[id]
		if !c.registry.HasSlot(clientID, id) {
			continue
		}
		if r.err != nil {
			out = append(out, outbound{msg: c.errorMessageLocked(r), sessions: []string{sessionID}})
			continue
		}
		if c.registry.HasReported(clientID, id) {
			continue
		}
		entry, err := c.cache.Get(id)
		if err != nil {
			continue
		}
		msg := entry.Message
		msg.Replay = true
		out = append(out, outbound{msg: msg, sessions: []string{sessionID}})
	}
	c.mu.Unlock()

	if len(out) > 0 {
		c.logger.Info("replaying missed messages", zap.String("client_id", clientID), zap.Int("count", len(out)))
	}
	c.deliver(out)
}

// HandleDisconnect marks the participant owning sessionID as disconnected.
// Runs are not affected; the returned error is informational.
func (c *Coordinator) HandleDisconnect(sessionID, reason string) error {
	clientID, ok := c.registry.MarkDisconnected(sessionID, reason)
	if !ok {
		return nil
	}
	err := &ClientDisconnected{ClientID: clientID, SessionID: sessionID, Reason: reason}
	c.logger.Info("client disconnected", zap.String("session_id", sessionID), zap.Error(err))
	return err
}

// UpdateProgress records the executor's progress and publishes it.
func (c *Coordinator) UpdateProgress(runID string, p pipeline.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[runID]
	if !ok || r.state.Terminal() {
		return
	}
	r.progress = p
	c.publishLocked(r)
}

// StateStream returns the state stream of runID.
func (c *Coordinator) StateStream(runID string) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return r.stream, nil
}

// Run returns the run registered under runID.
func (c *Coordinator) Run(runID string) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[runID]
	return r, ok
}

// RunIDs returns the IDs of every run, sorted.
func (c *Coordinator) RunIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) errorMessageLocked(r *Run) cluster.RunMessage {
	payload := payloadOf(r.err)
	step, iteration := r.executor.Position()
	return cluster.RunMessage{RunID: r.id, Error: &payload, Step: step, Iteration: iteration}
}

func (c *Coordinator) setStateLocked(r *Run, s State) {
	r.state = s
	c.logger.Debug("run state", zap.String("run_id", r.id), zap.String("state", string(s)))
	c.publishLocked(r)
}

func (c *Coordinator) publishLocked(r *Run) {
	snap := Snapshot{
		At:        c.now(),
		RunID:     r.id,
		State:     r.state,
		WaitingOn: slices.Clone(r.waitingOn),
		Pipeline:  r.progress,
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	r.stream.Publish(snap)
}

// deliver sends queued messages. Must be called without the lock held.
func (c *Coordinator) deliver(out []outbound) {
	if len(out) == 0 {
		return
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	for _, o := range out {
		if t == nil {
			c.logger.Warn("no transport, dropping message", zap.String("run_id", o.msg.RunID))
			continue
		}
		if c.cfg.Mode == pipeline.ModeRemote && len(o.sessions) == 0 {
			// nobody connected; the cache covers them on reconnect
			continue
		}
		if err := t.Send(o.msg, o.sessions...); err != nil {
			c.logger.Warn("send run message",
				zap.String("run_id", o.msg.RunID),
				zap.Strings("sessions", o.sessions),
				zap.Error(err))
		}
	}
}
