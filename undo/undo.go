// Package undo broadcasts the lifecycle of undoable mutations and owns their
// countdown timers.
//
// The Emitter is shared by unrelated parts of a UI: a notification showing an
// "Undo" button subscribes to it, the mutation pipeline starts and resolves
// timers through it. It never sees records or cache state, only mutation ids
// and events.
package undo

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	dp "github.com/unkn0wn-root/dataprovider"
)

// Event is one step of an undoable mutation's lifecycle.
type Event string

const (
	EventStart   Event = "start"
	EventConfirm Event = "confirm"
	EventCancel  Event = "cancel"
	// EventFail is published when the deadline passed, the write was
	// dispatched and the backend rejected it.
	EventFail Event = "fail"
)

var (
	ErrUnknownMutation   = errors.New("undo: unknown mutation")
	ErrAlreadyDispatched = errors.New("undo: mutation already dispatched")
)

// Message is what subscribers receive.
type Message struct {
	MutationID string
	Event      Event
	Deadline   time.Time // set on start
	Err        error     // set on fail
}

// Listener receives messages synchronously, in the goroutine that caused
// them. It must not block.
type Listener func(Message)

type Options struct {
	Clock  clock.Clock // nil => real clock
	Logger dp.Logger   // nil => NopLogger
}

type timer struct {
	t        *clock.Timer
	deadline time.Time
	fired    bool // deadline passed; no longer cancellable
}

// Emitter is a process-wide pub/sub channel plus the map of open undo timers.
// Safe for concurrent use.
type Emitter struct {
	clock clock.Clock
	log   dp.Logger

	mu      sync.Mutex
	timers  map[string]*timer
	subs    map[uint64]Listener
	nextSub uint64
}

func New(opts Options) *Emitter {
	e := &Emitter{
		clock:  opts.Clock,
		log:    opts.Logger,
		timers: make(map[string]*timer),
		subs:   make(map[uint64]Listener),
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.log == nil {
		e.log = dp.NopLogger{}
	}
	return e
}

// Subscribe registers fn and returns its unsubscribe function.
func (e *Emitter) Subscribe(fn Listener) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Start opens a countdown for id and publishes start. When the window elapses
// without Cancel, onExpire runs once in its own goroutine; from then on Cancel
// fails with ErrAlreadyDispatched and the caller must resolve id with Confirm
// or Fail. Starting an id that is already open replaces its timer.
func (e *Emitter) Start(id string, window time.Duration, onExpire func()) time.Time {
	deadline := e.clock.Now().Add(window)
	tm := &timer{deadline: deadline}

	e.mu.Lock()
	if prev := e.timers[id]; prev != nil {
		prev.t.Stop()
	}
	e.timers[id] = tm
	tm.t = e.clock.AfterFunc(window, func() { e.expire(id, tm, onExpire) })
	e.mu.Unlock()

	e.log.Debug("undo window opened", dp.Fields{"mutation": id, "deadline": deadline})
	e.publish(Message{MutationID: id, Event: EventStart, Deadline: deadline})
	return deadline
}

func (e *Emitter) expire(id string, tm *timer, onExpire func()) {
	e.mu.Lock()
	if e.timers[id] != tm || tm.fired {
		e.mu.Unlock()
		return
	}
	tm.fired = true
	e.mu.Unlock()

	e.log.Debug("undo window elapsed", dp.Fields{"mutation": id})
	if onExpire != nil {
		onExpire()
	}
}

// Cancel stops the countdown of id and publishes cancel.
func (e *Emitter) Cancel(id string) error {
	e.mu.Lock()
	tm, ok := e.timers[id]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownMutation
	}
	if tm.fired {
		e.mu.Unlock()
		return ErrAlreadyDispatched
	}
	tm.t.Stop()
	delete(e.timers, id)
	e.mu.Unlock()

	e.publish(Message{MutationID: id, Event: EventCancel})
	return nil
}

// Confirm removes the timer of id and publishes confirm. Unknown ids are ignored.
func (e *Emitter) Confirm(id string) {
	if e.remove(id) {
		e.publish(Message{MutationID: id, Event: EventConfirm})
	}
}

// Fail removes the timer of id and publishes fail. Unknown ids are ignored.
func (e *Emitter) Fail(id string, err error) {
	if e.remove(id) {
		e.publish(Message{MutationID: id, Event: EventFail, Err: err})
	}
}

func (e *Emitter) remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	tm, ok := e.timers[id]
	if !ok {
		return false
	}
	tm.t.Stop()
	delete(e.timers, id)
	return true
}

// Pending returns the ids whose undo window is still open, sorted.
func (e *Emitter) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.timers))
	for id, tm := range e.timers {
		if !tm.fired {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Deadline returns when the undo window of id closes.
func (e *Emitter) Deadline(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tm, ok := e.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return tm.deadline, true
}

func (e *Emitter) publish(m Message) {
	e.mu.Lock()
	ls := make([]Listener, 0, len(e.subs))
	keys := make([]uint64, 0, len(e.subs))
	for k := range e.subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		ls = append(ls, e.subs[k])
	}
	e.mu.Unlock()

	for _, fn := range ls {
		fn(m)
	}
}
