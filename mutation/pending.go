package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	dp "github.com/unkn0wn-root/dataprovider"
)

// State is where a mutation is in its lifecycle.
type State string

const (
	StateQueued     State = "queued"
	StateCommitting State = "committing"
	StateConfirmed  State = "confirmed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

const (
	eventCommit  = "commit"
	eventConfirm = "confirm"
	eventCancel  = "cancel"
	eventFail    = "fail"
)

// pending is one mutation owned by the pipeline. Only undoable mutations ever
// sit in queued; the others start in committing.
type pending struct {
	id       string
	mut      Mutation
	mode     Mode
	ids      []dp.Identifier
	opts     ExecOptions
	machine  *fsm.FSM
	snapshot *dp.Snapshot
	deadline time.Time

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

func newPending(id string, m Mutation, ids []dp.Identifier, opts ExecOptions, log dp.Logger) *pending {
	initial := StateCommitting
	if opts.Mode == Undoable {
		initial = StateQueued
	}
	pm := &pending{
		id:   id,
		mut:  m,
		mode: opts.Mode,
		ids:  ids,
		opts: opts,
		done: make(chan struct{}),
	}
	pm.machine = fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventCommit, Src: []string{string(StateQueued)}, Dst: string(StateCommitting)},
			{Name: eventConfirm, Src: []string{string(StateCommitting)}, Dst: string(StateConfirmed)},
			{Name: eventCancel, Src: []string{string(StateQueued)}, Dst: string(StateCancelled)},
			{Name: eventFail, Src: []string{string(StateCommitting)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("mutation state", dp.Fields{"mutation": id, "from": e.Src, "to": e.Dst})
			},
		},
	)
	return pm
}

func (pm *pending) state() State { return State(pm.machine.Current()) }

func (pm *pending) transition(ctx context.Context, event string) error {
	return pm.machine.Event(ctx, event)
}

func (pm *pending) resolve(res Result, err error) {
	pm.once.Do(func() {
		pm.result, pm.err = res, err
		close(pm.done)
	})
}

// Handle is the caller's view of a submitted mutation.
type Handle struct {
	pm *pending
	pl *Pipeline
}

// ID identifies the mutation; it is the id undo events carry.
func (h *Handle) ID() string { return h.pm.id }

func (h *Handle) Mode() Mode { return h.pm.mode }

// Deadline is when the undo window closes; zero unless undoable.
func (h *Handle) Deadline() time.Time { return h.pm.deadline }

// Done is closed once the mutation is confirmed, failed or cancelled.
func (h *Handle) Done() <-chan struct{} { return h.pm.done }

func (h *Handle) State() State { return h.pm.state() }

// IsPending reports whether the mutation is still queued or committing.
func (h *Handle) IsPending() bool {
	s := h.pm.state()
	return s == StateQueued || s == StateCommitting
}

// Wait blocks until the mutation settles or ctx is done. A cancelled mutation
// returns *dp.CancelledError; a rejected one returns *dp.TransportError.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.pm.done:
		return h.pm.result, h.pm.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel cancels an undoable mutation whose window is still open.
func (h *Handle) Cancel() error {
	if h.pm.mode != Undoable {
		return ErrNotUndoable
	}
	return h.pl.Cancel(h.pm.id)
}
