// Package authorize runs the hand-off between this app and the aggregator's authorization page.
//
// A Broker starts a flow on the backend, opens the returned URL in a Window and waits for
// whichever comes first: a result Message on its Channel or the Window closing.
package authorize

import (
	"context"
	"sync"
	"time"

	"github.com/johnstarich/sagelink/backend"
	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultPollInterval = time.Second

// State is the Broker's position in an authorization attempt
type State int32

// Broker states. Terminal states return to StateIdle once the attempt's result is delivered
const (
	StateIdle State = iota
	StateAwaitingFlowStart
	StateAwaitingAuthorization
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFlowStart:
		return "awaiting_flow_start"
	case StateAwaitingAuthorization:
		return "awaiting_authorization"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is how an attempt ended
type Outcome string

const (
	// OutcomeCompleted means the user authorized access
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the aggregator or backend reported an error
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the user closed the window, cancelled, or a newer attempt replaced this one
	OutcomeCancelled Outcome = "cancelled"
)

func (o Outcome) state() State {
	switch o {
	case OutcomeCompleted:
		return StateCompleted
	case OutcomeFailed:
		return StateFailed
	default:
		return StateCancelled
	}
}

// Result is the outcome of one Authorize call
type Result struct {
	Outcome  Outcome
	Grant    model.Grant             `json:",omitempty"`
	Accounts []model.ExternalAccount `json:",omitempty"`
	Error    string                  `json:",omitempty"`
}

// FlowStarter starts an authorization flow for an institution
type FlowStarter interface {
	StartFlow(ctx context.Context, institutionID, redirectURL string) (backend.Flow, error)
}

// Config sets up a Broker
type Config struct {
	Starter FlowStarter
	Opener  Opener
	Channel Channel
	// Origin is the only message origin accepted
	Origin string
	// PollInterval is how often the window is checked for closure. Defaults to 1 second
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Broker runs at most one authorization attempt at a time. It is safe for concurrent use
type Broker struct {
	starter      FlowStarter
	opener       Opener
	channel      Channel
	origin       string
	pollInterval time.Duration
	logger       *zap.Logger

	state   atomic.Int32
	mu      sync.Mutex
	current *attempt
	grant   *model.Grant
}

// Status is a snapshot of the Broker
type Status struct {
	State         State
	InstitutionID string `json:",omitempty"`
	RequisitionID string `json:",omitempty"`
	AuthURL       string `json:",omitempty"`
}

type attempt struct {
	ctx           context.Context
	cancel        context.CancelFunc
	institutionID string
	once          sync.Once
	result        chan Result
	watchers      sync.WaitGroup

	mu            sync.Mutex
	window        Window
	requisitionID string
	authURL       string
}

// New creates a Broker
func New(config Config) (*Broker, error) {
	if config.Starter == nil || config.Opener == nil || config.Channel == nil {
		return nil, errors.New("Broker requires a flow starter, window opener and message channel")
	}
	if config.Origin == "" {
		return nil, errors.New("Broker requires an origin to accept messages from")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Broker{
		starter:      config.Starter,
		opener:       config.Opener,
		channel:      config.Channel,
		origin:       config.Origin,
		pollInterval: config.PollInterval,
		logger:       config.Logger,
	}, nil
}

// State returns the current state
func (b *Broker) State() State {
	return State(b.state.Load())
}

// Status returns the current state and the in-flight attempt's details
func (b *Broker) Status() Status {
	b.mu.Lock()
	a := b.current
	b.mu.Unlock()
	status := Status{State: b.State()}
	if a != nil {
		a.mu.Lock()
		status.InstitutionID = a.institutionID
		status.RequisitionID = a.requisitionID
		status.AuthURL = a.authURL
		a.mu.Unlock()
	}
	return status
}

// Grant returns the grant from the last successful authorization
func (b *Broker) Grant() (model.Grant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grant == nil {
		return model.Grant{}, false
	}
	return *b.grant, true
}

// ClearGrant forgets the stored grant, i.e. once its connection is registered
func (b *Broker) ClearGrant() {
	b.mu.Lock()
	b.grant = nil
	b.mu.Unlock()
}

// Cancel ends the in-flight attempt, if any, with OutcomeCancelled
func (b *Broker) Cancel() {
	b.mu.Lock()
	a := b.current
	b.mu.Unlock()
	if a != nil {
		a.resolve(Result{Outcome: OutcomeCancelled, Error: "Authorization was cancelled"})
	}
}

// Authorize starts a flow for institutionID and blocks until the user finishes, cancels or closes the window.
// Starting a new attempt cancels the one in flight.
// The returned error is non-nil when the attempt couldn't reach the user, i.e. ErrPopupBlocked or a flow start failure.
func (b *Broker) Authorize(ctx context.Context, institutionID, redirectURL string) (Result, error) {
	logger := b.logger.With(zap.String("institution", institutionID))
	a := b.begin(ctx, institutionID)
	defer a.cancel()

	b.setState(a, StateAwaitingFlowStart)
	flow, err := b.starter.StartFlow(a.ctx, institutionID, redirectURL)
	if err != nil {
		if a.ctx.Err() != nil {
			return b.finish(a), nil
		}
		logger.Error("Failed to start authorization flow", zap.Error(err))
		a.resolve(Result{Outcome: OutcomeFailed, Error: err.Error()})
		return b.finish(a), err
	}
	a.mu.Lock()
	a.requisitionID = flow.RequisitionID
	a.authURL = flow.AuthURL
	a.mu.Unlock()
	logger = logger.With(zap.String("requisition", flow.RequisitionID))

	if n := drain(b.channel); n > 0 {
		logger.Debug("Discarded stale authorization messages", zap.Int("count", n))
	}

	window, err := b.opener.Open(a.ctx, flow.AuthURL)
	if err != nil {
		if a.ctx.Err() != nil {
			return b.finish(a), nil
		}
		logger.Warn("Failed to open authorization window", zap.Error(err))
		a.resolve(Result{Outcome: OutcomeFailed, Error: ErrPopupBlocked.Error()})
		return b.finish(a), ErrPopupBlocked
	}
	if !a.setWindow(window) {
		// superseded while opening
		window.Close()
		return b.finish(a), nil
	}

	b.setState(a, StateAwaitingAuthorization)
	logger.Info("Waiting for authorization")
	go b.listen(a, logger)
	go b.poll(a)
	return b.finish(a), nil
}

// begin supersedes any in-flight attempt and registers a new one
func (b *Broker) begin(ctx context.Context, institutionID string) *attempt {
	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{
		ctx:           attemptCtx,
		cancel:        cancel,
		institutionID: institutionID,
		result:        make(chan Result, 1),
	}

	b.mu.Lock()
	previous := b.current
	b.current = a
	b.mu.Unlock()
	if previous != nil {
		b.logger.Info("Superseding authorization in progress", zap.String("institution", previous.institutionID))
		previous.resolve(Result{Outcome: OutcomeCancelled, Error: "Superseded by a new authorization"})
		previous.watchers.Wait()
	}
	return a
}

func (b *Broker) setState(a *attempt, s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == a {
		b.state.Store(int32(s))
	}
}

// finish waits for a's result, records it, then returns the Broker to idle
func (b *Broker) finish(a *attempt) Result {
	var result Result
	select {
	case result = <-a.result:
	case <-a.ctx.Done():
		a.resolve(Result{Outcome: OutcomeCancelled, Error: "Authorization was cancelled"})
		result = <-a.result
	}
	a.watchers.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if result.Outcome == OutcomeCompleted {
		grant := result.Grant
		b.grant = &grant
	}
	if b.current == a {
		b.state.Store(int32(result.Outcome.state()))
		b.current = nil
		b.state.Store(int32(StateIdle))
	}
	b.logger.Info("Authorization finished",
		zap.String("institution", a.institutionID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("error", result.Error),
	)
	return result
}

func (b *Broker) listen(a *attempt, logger *zap.Logger) {
	defer a.watchers.Done()
	for {
		select {
		case <-a.ctx.Done():
			a.resolve(Result{Outcome: OutcomeCancelled, Error: "Authorization was cancelled"})
			return
		case msg, ok := <-b.channel.Messages():
			if !ok {
				a.resolve(Result{Outcome: OutcomeFailed, Error: ErrChannelClosed.Error()})
				return
			}
			if result, ok := b.handle(a, msg, logger); ok {
				a.resolve(result)
				return
			}
		}
	}
}

// handle converts msg into a Result. Returns false if msg should be ignored
func (b *Broker) handle(a *attempt, msg Message, logger *zap.Logger) (Result, bool) {
	if !SameOrigin(msg.Origin, b.origin) {
		logger.Warn("Ignoring authorization message from unexpected origin", zap.String("origin", msg.Origin))
		return Result{}, false
	}
	requisitionID := a.requisition()
	switch msg.Type {
	case MessageSuccess:
		if msg.Data.RequisitionID != "" && msg.Data.RequisitionID != requisitionID {
			logger.Warn("Ignoring authorization for another requisition", zap.String("messageRequisition", msg.Data.RequisitionID))
			return Result{}, false
		}
		return Result{
			Outcome:  OutcomeCompleted,
			Grant:    model.Grant{RequisitionID: requisitionID, InstitutionID: a.institutionID},
			Accounts: msg.Data.Accounts,
		}, true
	case MessageError:
		errMsg := msg.Data.Error
		if errMsg == "" {
			errMsg = "Authorization failed"
		}
		return Result{Outcome: OutcomeFailed, Error: errMsg}, true
	case MessageCancelled:
		return Result{Outcome: OutcomeCancelled, Error: "Authorization was cancelled"}, true
	default:
		logger.Warn("Ignoring unknown authorization message", zap.String("type", string(msg.Type)))
		return Result{}, false
	}
}

// poll treats a closed window like a cancellation
func (b *Broker) poll(a *attempt) {
	defer a.watchers.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if a.windowClosed() {
				a.resolve(Result{Outcome: OutcomeCancelled, Error: "The authorization window was closed"})
				return
			}
		}
	}
}

// resolve delivers the first result only, then stops the attempt's watchers and closes its window
func (a *attempt) resolve(result Result) {
	a.once.Do(func() {
		a.result <- result
		a.cancel()
		a.mu.Lock()
		window := a.window
		a.mu.Unlock()
		if window != nil {
			window.Close()
		}
	})
}

// setWindow registers the window and its two watchers. Returns false if the attempt already ended
func (a *attempt) setWindow(w Window) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx.Err() != nil {
		return false
	}
	a.window = w
	a.watchers.Add(2)
	return true
}

func (a *attempt) windowClosed() bool {
	a.mu.Lock()
	window := a.window
	a.mu.Unlock()
	return window != nil && window.Closed()
}

func (a *attempt) requisition() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requisitionID
}
