package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	commandBuffer = 16
	outputBuffer  = 64

	// preemptGrace bounds how long an emergency stop waits for the
	// preempted command to observe cancellation before closing positions
	// anyway.
	preemptGrace = 5 * time.Second
)

// ErrStopped is returned by Submit once the command loop has exited.
var ErrStopped = errors.New("control: orchestrator stopped")

type submission struct {
	id  string
	cmd Command
}

// Orchestrator serializes inbound commands onto a single loop. Mutating
// commands (download, sync, train, trade) hold the busy slot and run on
// sub-goroutines; Status and StopTrading are answered regardless. The loop
// itself never performs blocking work.
type Orchestrator struct {
	dispatcher Dispatcher
	commands   chan submission
	out        chan Message
	done       chan struct{}
	wg         sync.WaitGroup
	grace      time.Duration

	mu         sync.Mutex
	active     string
	activeID   string
	cancel     context.CancelFunc
	activeDone chan struct{}
}

// New builds an orchestrator over the dispatcher. Call Run to start the loop.
func New(d Dispatcher) *Orchestrator {
	return &Orchestrator{
		dispatcher: d,
		commands:   make(chan submission, commandBuffer),
		out:        make(chan Message, outputBuffer),
		done:       make(chan struct{}),
		grace:      preemptGrace,
	}
}

// Out exposes the progress stream. Consumers must drain it; when the buffer
// is full messages are dropped rather than stalling the control loop.
func (o *Orchestrator) Out() <-chan Message { return o.out }

// Submit enqueues a command and returns its correlation id. Replies and
// progress arrive on Out tagged with that id.
func (o *Orchestrator) Submit(cmd Command) (string, error) {
	id := uuid.NewString()
	select {
	case o.commands <- submission{id: id, cmd: cmd}:
		return id, nil
	case <-o.done:
		return "", ErrStopped
	}
}

// Run consumes commands until ctx ends, then waits for the active command
// to wind down and closes the output stream.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().Msg("Control loop started")
	for {
		select {
		case <-ctx.Done():
			close(o.done)
			o.wg.Wait()
			close(o.out)
			log.Info().Msg("Control loop stopped")
			return
		case sub := <-o.commands:
			o.handle(ctx, sub)
		}
	}
}

// Snapshot merges the dispatcher's view with the busy slot. Safe to call
// from any goroutine; it backs both the Status command and HTTP /status.
func (o *Orchestrator) Snapshot() StatusSnapshot {
	snap := o.dispatcher.Snapshot()
	o.mu.Lock()
	if o.active != "" {
		snap.State = "busy"
		snap.ActiveCommand = o.active
	} else {
		snap.State = "idle"
	}
	o.mu.Unlock()
	return snap
}

func (o *Orchestrator) handle(ctx context.Context, sub submission) {
	log.Debug().Str("command", sub.cmd.Name()).Str("correlation_id", sub.id).Msg("Command received")

	switch cmd := sub.cmd.(type) {
	case Status:
		snap := o.Snapshot()
		o.emit(Message{
			CorrelationID: sub.id, Command: nameStatus,
			Stage: "done", Percent: 100, Snapshot: &snap, Terminal: true,
		})
	case StopTrading:
		o.stopTrading(sub)
	case EmergencyStop:
		o.emergencyStop(ctx, sub)
	case DownloadData:
		o.launch(ctx, sub, func(c context.Context, report Progress) error {
			return o.dispatcher.Download(c, cmd, report)
		})
	case SyncSymbols:
		o.launch(ctx, sub, func(c context.Context, report Progress) error {
			return o.dispatcher.Sync(c, cmd, report)
		})
	case TrainHist:
		o.launch(ctx, sub, func(c context.Context, report Progress) error {
			return o.dispatcher.Train(c, cmd, report)
		})
	case StartTrading:
		o.launch(ctx, sub, func(c context.Context, report Progress) error {
			return o.dispatcher.Trade(c, cmd, report)
		})
	default:
		o.emit(Message{CorrelationID: sub.id, Command: sub.cmd.Name(), Err: "unknown command", Terminal: true})
	}
}

// launch runs one mutating command on a sub-goroutine holding the busy slot.
func (o *Orchestrator) launch(ctx context.Context, sub submission, run func(context.Context, Progress) error) {
	name := sub.cmd.Name()

	o.mu.Lock()
	if o.active != "" {
		active := o.active
		o.mu.Unlock()
		log.Warn().Str("command", name).Str("active", active).Msg("Command rejected, orchestrator busy")
		o.emit(Message{
			CorrelationID: sub.id, Command: name,
			Stage: "rejected", Err: "busy: " + active + " in progress", Terminal: true,
		})
		return
	}
	cmdCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.active, o.activeID, o.cancel, o.activeDone = name, sub.id, cancel, done
	o.mu.Unlock()

	report := func(stage string, percent float64, text string) {
		o.emit(Message{CorrelationID: sub.id, Command: name, Stage: stage, Percent: percent, Text: text})
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		defer o.release(sub.id)

		err := run(cmdCtx, report)
		switch {
		case err == nil:
			o.emit(Message{CorrelationID: sub.id, Command: name, Stage: "done", Percent: 100, Text: "completed", Terminal: true})
		case errors.Is(err, context.Canceled):
			o.emit(Message{CorrelationID: sub.id, Command: name, Stage: "cancelled", Text: "cancelled", Terminal: true})
		default:
			log.Error().Err(err).Str("command", name).Str("correlation_id", sub.id).Msg("Command failed")
			o.emit(Message{CorrelationID: sub.id, Command: name, Stage: "failed", Err: err.Error(), Terminal: true})
		}
	}()
}

func (o *Orchestrator) stopTrading(sub submission) {
	o.mu.Lock()
	trading := o.active == nameTrade
	cancel := o.cancel
	o.mu.Unlock()

	text := "no trading session active"
	if trading {
		cancel()
		text = "trading session stopping"
	}
	o.emit(Message{CorrelationID: sub.id, Command: nameStop, Stage: "done", Percent: 100, Text: text, Terminal: true})
}

// emergencyStop seizes the busy slot, cancels whatever held it and flattens
// the book once the preempted command has wound down.
func (o *Orchestrator) emergencyStop(ctx context.Context, sub submission) {
	o.mu.Lock()
	if o.active == nameEmergency {
		o.mu.Unlock()
		o.emit(Message{
			CorrelationID: sub.id, Command: nameEmergency,
			Stage: "rejected", Err: "busy: emergency_stop in progress", Terminal: true,
		})
		return
	}
	preempted := o.active
	prevDone := o.activeDone
	if o.cancel != nil {
		o.cancel()
	}
	cmdCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.active, o.activeID, o.cancel, o.activeDone = nameEmergency, sub.id, cancel, done
	o.mu.Unlock()

	if preempted != "" {
		log.Warn().Str("preempted", preempted).Msg("Emergency stop preempting active command")
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		defer o.release(sub.id)

		if prevDone != nil {
			select {
			case <-prevDone:
			case <-time.After(o.grace):
				log.Warn().Str("command", preempted).Msg("Preempted command did not exit in time")
			}
		}

		if err := o.dispatcher.Halt(cmdCtx); err != nil {
			log.Error().Err(err).Msg("Emergency stop failed")
			o.emit(Message{CorrelationID: sub.id, Command: nameEmergency, Stage: "failed", Err: err.Error(), Terminal: true})
			return
		}
		o.emit(Message{
			CorrelationID: sub.id, Command: nameEmergency,
			Stage: "done", Percent: 100, Text: "all positions closed, engine stopped", Terminal: true,
		})
	}()
}

// release clears the busy slot if the finishing command still owns it.
func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.activeID != id {
		return
	}
	o.cancel()
	o.active, o.activeID, o.cancel, o.activeDone = "", "", nil, nil
}

func (o *Orchestrator) emit(msg Message) {
	select {
	case o.out <- msg:
	default:
		log.Debug().Str("command", msg.Command).Msg("Progress consumer lagging, message dropped")
	}
}
