// Package unit implements the isolated execution context that runs one task
// at a time. A unit owns no shared state: commands arrive on its inbox and
// every observable effect leaves as a Message on the manager's fan-in
// channel. A crashing or hanging handler can therefore never corrupt
// coordinator state or other units.
package unit

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/emberworks/bellows/internal/handler"
	"github.com/emberworks/bellows/internal/model"
)

// Unit is a single execution context backed by a dedicated goroutine.
type Unit struct {
	id       string
	epoch    uint64
	registry *handler.Registry
	inbox    chan *model.Task
	outbox   chan<- Message
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a unit. The outbox is the manager's fan-in channel; epoch tags
// every message this generation emits.
func New(id string, epoch uint64, reg *handler.Registry, outbox chan<- Message, logger *slog.Logger) *Unit {
	ctx, cancel := context.WithCancel(context.Background())
	return &Unit{
		id:       id,
		epoch:    epoch,
		registry: reg,
		inbox:    make(chan *model.Task, 1),
		outbox:   outbox,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the unit goroutine. The unit reports idle once it is ready
// to accept work.
func (u *Unit) Start() {
	go u.run()
}

// Execute hands the unit its next task. The manager only dispatches to idle
// units, so the buffered send never blocks.
func (u *Unit) Execute(t *model.Task) {
	select {
	case u.inbox <- t:
	case <-u.ctx.Done():
	}
}

// Terminate tells the unit to stop. Safe to call more than once. An
// in-flight handler is abandoned via context cancellation; the unit's final
// exited message is discarded by the manager as stale.
func (u *Unit) Terminate() {
	u.cancel()
}

func (u *Unit) run() {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("unit loop panic", "unit_id", u.id, "panic", r)
		}
		u.send(Message{UnitID: u.id, Epoch: u.epoch, Type: MsgExited})
	}()

	u.send(Message{UnitID: u.id, Epoch: u.epoch, Type: MsgStatus, Status: model.UnitIdle})

	for {
		select {
		case t := <-u.inbox:
			u.execute(t)
		case <-u.ctx.Done():
			return
		}
	}
}

func (u *Unit) execute(t *model.Task) {
	fn, err := u.registry.Lookup(t.Handler)
	if err != nil {
		// Internal fault, not a handler failure: report it and recover to idle.
		u.send(Message{UnitID: u.id, Epoch: u.epoch, Type: MsgError, TaskID: t.ID, Err: err.Error()})
		u.send(Message{UnitID: u.id, Epoch: u.epoch, Type: MsgStatus, Status: model.UnitIdle})
		return
	}

	res, crashed := Invoke(u.ctx, fn, t, func(pct float64) {
		u.post(Message{UnitID: u.id, Epoch: u.epoch, Type: MsgProgress, TaskID: t.ID, Progress: pct})
	})
	if crashed {
		u.logger.Error("handler goroutine exited without returning",
			"unit_id", u.id, "task_id", t.ID, "handler", t.Handler)
		runtime.Goexit()
	}

	u.send(Message{UnitID: u.id, Epoch: u.epoch, Type: MsgResult, TaskID: t.ID, Result: &res})
}

// send delivers a message to the manager, giving up only if the unit is
// being torn down. Results and status changes must not be dropped.
func (u *Unit) send(msg Message) {
	select {
	case u.outbox <- msg:
	case <-u.ctx.Done():
		// Teardown: drop the message, but let a final exited report through
		// if the fan-in channel has room.
		if msg.Type == MsgExited {
			select {
			case u.outbox <- msg:
			default:
			}
		}
	}
}

// post is a best-effort send for progress messages, which may be dropped
// under backpressure.
func (u *Unit) post(msg Message) {
	select {
	case u.outbox <- msg:
	default:
	}
}
