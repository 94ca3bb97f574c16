package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/metrics"
	"github.com/mikeyg42/psoagent/internal/orchestrator"
	"github.com/mikeyg42/psoagent/internal/session"
)

// Controller starts and stops the streaming session. Interrupt latches a
// stop and aborts an in-flight Start without waiting for it.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, reason string) error
	Interrupt(reason string)
}

// PendingSource is the pending-command service.
type PendingSource interface {
	Pending(ctx context.Context) ([]PendingCommand, error)
	Acknowledge(ctx context.Context, ids []string) error
}

// SessionHistory is the read side of the session-state service.
type SessionHistory interface {
	LastSession(ctx context.Context) (*LastSession, error)
}

type Deps struct {
	Operator     string
	ResumeWindow time.Duration
	DedupeSize   int

	Controller Controller
	Session    *session.State
	Pending    PendingSource
	History    SessionHistory
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Processor applies directives one at a time.
type Processor struct {
	deps   Deps
	seen   *lru.Cache[string, struct{}]
	logger *zap.Logger

	applyMu sync.Mutex

	backfillOnce sync.Once
	backfilled   chan struct{}

	inboxMu sync.Mutex
	inbox   [][]byte
	wake    chan struct{}
}

func New(deps Deps) (*Processor, error) {
	if deps.Controller == nil {
		return nil, errors.New("command processor needs a controller")
	}
	if deps.DedupeSize <= 0 {
		deps.DedupeSize = 256
	}
	if deps.ResumeWindow <= 0 {
		deps.ResumeWindow = 5 * time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, err := lru.New[string, struct{}](deps.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &Processor{
		deps:   deps,
		seen:   seen,
		logger:     logger.Named("commands"),
		wake:       make(chan struct{}, 1),
		backfilled: make(chan struct{}),
	}, nil
}

// Process applies cmd and acknowledges it. Apply errors are logged and never
// retried here; acknowledgment is attempted regardless and its failure is
// only logged. A redelivered id is acknowledged without applying it again.
func (p *Processor) Process(ctx context.Context, cmd PendingCommand) {
	directive := Normalize(cmd.Command)
	if directive == Stop {
		p.interrupt(cmd.ID)
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	logger := p.logger.With(
		zap.String("command_id", cmd.ID),
		zap.String("directive", string(directive)),
		zap.String("raw", cmd.Command))

	stage := StageReceived
	advance := func() {
		if n, ok := next(stage); ok {
			stage = n
			logger.Debug("Directive stage", zap.String("stage", string(stage)))
		}
	}

	if !Known(cmd.Command) {
		logger.Warn("Unknown directive, treating as STOP")
	}

	if cmd.ID != "" {
		if dup, _ := p.seen.ContainsOrAdd(cmd.ID, struct{}{}); dup {
			logger.Info("Directive redelivered, acknowledging without applying")
			p.deps.Metrics.IncCommand(string(directive), "duplicate")
			p.acknowledge(ctx, logger, cmd.ID)
			return
		}
	}

	advance()
	var err error
	switch directive {
	case Start:
		err = p.deps.Controller.Start(ctx)
	default:
		err = p.deps.Controller.Stop(ctx, orchestrator.ReasonCommand)
	}
	outcome := "applied"
	if err != nil {
		outcome = "failed"
		logger.Error("Failed to apply directive", zap.Error(err))
	} else {
		logger.Info("Directive applied")
	}
	p.deps.Metrics.IncCommand(string(directive), outcome)

	p.acknowledge(ctx, logger, cmd.ID)
	advance()
}

// interrupt latches a stop ahead of the apply lock so a start holding it is
// cut short. Redelivered ids are left alone.
func (p *Processor) interrupt(id string) {
	if id != "" && p.seen.Contains(id) {
		return
	}
	p.deps.Controller.Interrupt(orchestrator.ReasonCommand)
}

func (p *Processor) acknowledge(ctx context.Context, logger *zap.Logger, id string) {
	if id == "" || p.deps.Pending == nil {
		return
	}
	if err := p.deps.Pending.Acknowledge(ctx, []string{id}); err != nil {
		logger.Warn("Failed to acknowledge directive", zap.Error(err))
	}
}

// HandleMessage parses a push payload and processes it. Messages addressed to
// another operator are ignored.
func (p *Processor) HandleMessage(ctx context.Context, payload []byte) error {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("invalid directive payload: %w", err)
	}
	if !p.forOperator(msg) {
		p.logger.Debug("Directive for another operator ignored", zap.String("employee", msg.EmployeeEmail))
		p.deps.Metrics.IncCommand(string(Normalize(msg.Command)), "ignored")
		return nil
	}
	if strings.TrimSpace(msg.Command) == "" {
		return errors.New("directive payload has no command")
	}
	p.Process(ctx, PendingCommand{ID: msg.ID, Command: msg.Command, Timestamp: msg.Timestamp})
	return nil
}

func (p *Processor) forOperator(msg message) bool {
	return msg.EmployeeEmail == "" || strings.EqualFold(strings.TrimSpace(msg.EmployeeEmail), p.deps.Operator)
}

// Deliver queues a live push for Run. It never blocks or drops. A stop for
// this operator interrupts a start in progress right away; the stop itself is
// applied in order by Run.
func (p *Processor) Deliver(payload []byte) {
	var msg message
	if json.Unmarshal(payload, &msg) == nil && p.forOperator(msg) &&
		strings.TrimSpace(msg.Command) != "" && Normalize(msg.Command) == Stop {
		p.interrupt(msg.ID)
	}

	p.inboxMu.Lock()
	p.inbox = append(p.inbox, slices.Clone(payload))
	p.inboxMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) drainInbox() [][]byte {
	p.inboxMu.Lock()
	defer p.inboxMu.Unlock()
	out := p.inbox
	p.inbox = nil
	return out
}

// Backfill fetches every unacknowledged directive and applies them in
// timestamp order. The first call releases Resume whatever its outcome.
func (p *Processor) Backfill(ctx context.Context) error {
	defer p.backfillOnce.Do(func() { close(p.backfilled) })
	if p.deps.Pending == nil {
		return nil
	}
	cmds, err := p.deps.Pending.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pending commands: %w", err)
	}
	slices.SortStableFunc(cmds, func(a, b PendingCommand) int {
		return a.Timestamp.Compare(b.Timestamp.Time)
	})
	p.logger.Info("Backfilling directives", zap.Int("count", len(cmds)))
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cmd.Acknowledged {
			continue
		}
		p.Process(ctx, cmd)
	}
	return nil
}

// Run backfills, then applies live pushes until ctx is done. Pushes delivered
// during the backfill wait in the inbox. A failed backfill is logged and the
// processor goes live anyway.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Backfill(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("Backfill failed", zap.Error(err))
	}
	for {
		for _, payload := range p.drainInbox() {
			if err := p.HandleMessage(ctx, payload); err != nil {
				p.logger.Warn("Dropping directive", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
	}
}

// Resume restarts capture after the signaling link comes back if the last
// recorded session allows it. It reports whether a start was issued. It waits
// for the first backfill, and a stop applied or interrupted meanwhile wins.
func (p *Processor) Resume(ctx context.Context) (bool, error) {
	if p.deps.History == nil {
		return false, nil
	}
	select {
	case <-p.backfilled:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if p.settled() {
		return false, nil
	}
	last, err := p.deps.History.LastSession(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fetch last session: %w", err)
	}
	if !ShouldResume(last, p.deps.Now(), p.deps.ResumeWindow) {
		p.logger.Debug("Not resuming", zap.Any("last_session", last))
		return false, nil
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if p.settled() {
		p.logger.Info("Resume superseded by a directive")
		return false, nil
	}
	p.logger.Info("Resuming session after reconnect")
	if err := p.deps.Controller.Start(ctx); err != nil {
		return true, fmt.Errorf("resume: %w", err)
	}
	return true, nil
}

// settled reports whether the session is already running or was stopped on
// purpose, so resuming must not touch it.
func (p *Processor) settled() bool {
	return p.deps.Session != nil && (p.deps.Session.ManualStop() || p.deps.Session.Active())
}
