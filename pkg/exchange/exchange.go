// Package exchange is the orchestrator: a single goroutine owns the engine,
// ledger, risk state and session controller, fed by a command channel.
// Everything observable leaves through the event queue in emission order.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nexusarena/arena/params"
	"github.com/nexusarena/arena/pkg/engine"
	"github.com/nexusarena/arena/pkg/ledger"
	"github.com/nexusarena/arena/pkg/num"
	"github.com/nexusarena/arena/pkg/risk"
	"github.com/nexusarena/arena/pkg/schema"
	"github.com/nexusarena/arena/pkg/session"
	"github.com/nexusarena/arena/pkg/util"
)

const eventQueueSize = 1024

// Subscriber receives every broadcast event frame. A failed Send drops the
// subscriber permanently.
type Subscriber interface {
	ID() string
	Send(frame []byte) error
}

// accountFlags is the per-trader risk state owned by the core loop.
type accountFlags struct {
	FrozenUntil   time.Time
	InLiquidation bool
	Bankrupt      bool
}

type submitCmd struct {
	req   schema.OrderRequest
	reply chan schema.Event
}

type welcomeCmd struct {
	traderID string
	reply    chan schema.Welcome
}

type bookCmd struct {
	reply chan schema.BookUpdate
}

type leaderboardCmd struct {
	reply chan []schema.RankingRow
}

type endRoundCmd struct {
	reply chan struct{}
}

type interruptCmd struct {
	reply chan struct{}
}

// Exchange wires the matching core to its transports. All fields below the
// command channel are touched only by the Run goroutine.
type Exchange struct {
	cfg   params.Config
	log   *zap.Logger
	clock util.Clock

	cmds         chan any
	events       chan []byte
	done         chan struct{}
	nextTraderID atomic.Int64

	subMu sync.Mutex
	subs  []Subscriber

	engine  *engine.Engine
	ledger  *ledger.Ledger
	risk    *risk.Engine
	session *session.Controller

	accounts     map[string]*accountFlags
	lastMark     decimal.Decimal
	fallback     decimal.Decimal
	shuttingDown bool
	finalized    bool
}

func New(cfg params.Config, log *zap.Logger, clock util.Clock) *Exchange {
	return &Exchange{
		cfg:      cfg,
		log:      log,
		clock:    clock,
		cmds:     make(chan any),
		events:   make(chan []byte, eventQueueSize),
		done:     make(chan struct{}),
		engine:   engine.New(cfg.DebugChecks),
		ledger:   ledger.New(num.Round4(decimal.NewFromFloat(cfg.Margin.StartingCapital))),
		risk:     risk.New(decimal.NewFromFloat(cfg.Margin.InitialMarginRate), decimal.NewFromFloat(cfg.Margin.MaintenanceMarginRate)),
		session:  session.New(cfg.Tournament.RoundDuration, cfg.Tournament.TotalRounds),
		accounts: make(map[string]*accountFlags),
		fallback: num.Round4(decimal.NewFromFloat(cfg.Market.FallbackPrice)),
	}
}

// Subscribe registers an event stream consumer. Safe from any goroutine;
// registration never blocks matching.
func (x *Exchange) Subscribe(s Subscriber) {
	x.subMu.Lock()
	x.subs = append(x.subs, s)
	x.subMu.Unlock()
}

// AllocateTraderID hands out the next connection-scoped trader identity.
func (x *Exchange) AllocateTraderID() string {
	return fmt.Sprintf("trader-%d", x.nextTraderID.Add(1))
}

// Done closes when the core loop and dispatcher have fully stopped.
func (x *Exchange) Done() <-chan struct{} { return x.done }

// Clock exposes the core's time source so transports stamp their frames from
// the same clock.
func (x *Exchange) Clock() util.Clock { return x.clock }

// Run drives the core until ctx is cancelled or the tournament completes.
func (x *Exchange) Run(ctx context.Context) {
	var dispatcherWG sync.WaitGroup
	dispatcherWG.Add(1)
	go func() {
		defer dispatcherWG.Done()
		x.dispatch()
	}()

	x.publish(x.session.Start(x.clock.Now()))
	x.log.Info("session started", zap.Int("round", x.session.Round()))
	timerC := x.clock.After(x.session.Duration())

	for {
		select {
		case <-ctx.Done():
			x.interrupt()
			close(x.events)
			dispatcherWG.Wait()
			close(x.done)
			return

		case <-timerC:
			x.endRound()
			if x.shuttingDown {
				close(x.events)
				dispatcherWG.Wait()
				close(x.done)
				return
			}
			timerC = x.clock.After(x.session.Duration())

		case cmd := <-x.cmds:
			switch c := cmd.(type) {
			case submitCmd:
				c.reply <- x.processOrder(c.req)
			case welcomeCmd:
				c.reply <- x.buildWelcome(c.traderID)
			case bookCmd:
				c.reply <- x.buildBookUpdate()
			case leaderboardCmd:
				c.reply <- x.buildLeaderboard()
			case endRoundCmd:
				x.endRound()
				if !x.shuttingDown {
					timerC = x.clock.After(x.session.Duration())
				}
				c.reply <- struct{}{}
				if x.shuttingDown {
					close(x.events)
					dispatcherWG.Wait()
					close(x.done)
					return
				}
			case interruptCmd:
				x.interrupt()
				c.reply <- struct{}{}
				close(x.events)
				dispatcherWG.Wait()
				close(x.done)
				return
			}
		}
	}
}

// Submit routes one order into the core and returns the accepted or rejected
// response for the submitting client.
func (x *Exchange) Submit(ctx context.Context, req schema.OrderRequest) (schema.Event, error) {
	cmd := submitCmd{req: req, reply: make(chan schema.Event, 1)}
	select {
	case x.cmds <- cmd:
	case <-x.done:
		return schema.NewOrderRejected(schema.ReasonShuttingDown, nil, req.TraderID, req.ClientOrderID, schema.UTCMillis(x.clock.Now())), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case ev := <-cmd.reply:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Welcome builds the gateway handshake for a fresh connection.
func (x *Exchange) Welcome(ctx context.Context, traderID string) (schema.Welcome, error) {
	cmd := welcomeCmd{traderID: traderID, reply: make(chan schema.Welcome, 1)}
	select {
	case x.cmds <- cmd:
		return <-cmd.reply, nil
	case <-x.done:
		return schema.Welcome{}, fmt.Errorf("exchange stopped")
	case <-ctx.Done():
		return schema.Welcome{}, ctx.Err()
	}
}

// BookSnapshot returns the current top-of-book view for the REST surface.
func (x *Exchange) BookSnapshot(ctx context.Context) (schema.BookUpdate, error) {
	cmd := bookCmd{reply: make(chan schema.BookUpdate, 1)}
	select {
	case x.cmds <- cmd:
		return <-cmd.reply, nil
	case <-x.done:
		return schema.BookUpdate{}, fmt.Errorf("exchange stopped")
	case <-ctx.Done():
		return schema.BookUpdate{}, ctx.Err()
	}
}

// Leaderboard returns the live standings for the REST surface.
func (x *Exchange) Leaderboard(ctx context.Context) ([]schema.RankingRow, error) {
	cmd := leaderboardCmd{reply: make(chan []schema.RankingRow, 1)}
	select {
	case x.cmds <- cmd:
		return <-cmd.reply, nil
	case <-x.done:
		return nil, fmt.Errorf("exchange stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EndRound forces the session boundary now. Used by tests and admin tooling.
func (x *Exchange) EndRound(ctx context.Context) error {
	cmd := endRoundCmd{reply: make(chan struct{}, 1)}
	select {
	case x.cmds <- cmd:
		<-cmd.reply
		return nil
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt requests orderly shutdown: reject-all, one partial round
// finalization if active, then a terminal tournament_complete.
func (x *Exchange) Interrupt(ctx context.Context) error {
	cmd := interruptCmd{reply: make(chan struct{}, 1)}
	select {
	case x.cmds <- cmd:
		<-cmd.reply
		return nil
	case <-x.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish marshals events and hands them to the dispatcher in order.
func (x *Exchange) publish(events ...schema.Event) {
	for _, ev := range events {
		frame, err := json.Marshal(ev)
		if err != nil {
			x.log.Error("marshal event", zap.String("type", ev.EventType()), zap.Error(err))
			continue
		}
		x.events <- frame
	}
}

// dispatch drains the event queue and fans each frame to every subscriber.
// A subscriber whose Send fails is dropped and never retried.
func (x *Exchange) dispatch() {
	for frame := range x.events {
		x.subMu.Lock()
		subs := make([]Subscriber, len(x.subs))
		copy(subs, x.subs)
		x.subMu.Unlock()

		var dropped []string
		for _, s := range subs {
			if err := s.Send(frame); err != nil {
				dropped = append(dropped, s.ID())
			}
		}
		if len(dropped) > 0 {
			x.removeSubscribers(dropped)
		}
	}
}

func (x *Exchange) removeSubscribers(ids []string) {
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		gone[id] = true
	}
	x.subMu.Lock()
	kept := x.subs[:0]
	for _, s := range x.subs {
		if !gone[s.ID()] {
			kept = append(kept, s)
		}
	}
	x.subs = kept
	x.subMu.Unlock()
	for _, id := range ids {
		x.log.Warn("subscriber dropped", zap.String("subscriber", id))
	}
}

func (x *Exchange) account(traderID string) *accountFlags {
	a, ok := x.accounts[traderID]
	if !ok {
		a = &accountFlags{}
		x.accounts[traderID] = a
	}
	return a
}

func (x *Exchange) now() time.Time { return x.clock.Now() }

func (x *Exchange) nowMillis() uint64 { return schema.UTCMillis(x.clock.Now()) }
