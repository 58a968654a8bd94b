// Package mutation executes writes against a DataProvider in one of three
// modes: pessimistic, optimistic and undoable.
//
// Optimistic and undoable writes patch the proxy's cached reads before the
// backend answers and restore them if the write is rejected or cancelled.
// Undoable writes wait out an undo window, tracked by an undo.Emitter, before
// they are dispatched at all.
package mutation

import (
	"errors"
	"fmt"

	"github.com/tiendc/go-deepcopy"

	dp "github.com/unkn0wn-root/dataprovider"
)

// Mode selects how a mutation is executed.
type Mode int

const (
	// Pessimistic dispatches at once; caches change only after success.
	Pessimistic Mode = iota
	// Optimistic patches cached reads, then dispatches at once.
	Optimistic
	// Undoable patches cached reads and dispatches once the undo window
	// elapses without a cancel.
	Undoable
)

func (m Mode) String() string {
	switch m {
	case Pessimistic:
		return "pessimistic"
	case Optimistic:
		return "optimistic"
	case Undoable:
		return "undoable"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

var (
	ErrInvalidMutation = errors.New("mutation: invalid mutation")
	ErrNotUndoable     = errors.New("mutation: not undoable")
	ErrClosed          = errors.New("mutation: pipeline closed")
)

// Mutation is one write. Params is the params struct matching Method
// (dp.UpdateParams for dp.MethodUpdate and so on); Method may be left empty
// and is then derived from Params.
type Mutation struct {
	Resource string
	Method   dp.Method
	Params   any
}

// Result is what a confirmed mutation returned: a record for single-record
// writes, ids for bulk writes.
type Result struct {
	Data dp.Record
	IDs  []dp.Identifier
}

// normalize validates m and returns it with a private copy of its params.
func normalize(m Mutation) (Mutation, []dp.Identifier, error) {
	if m.Resource == "" {
		return m, nil, fmt.Errorf("%w: empty resource", ErrInvalidMutation)
	}
	var (
		method dp.Method
		ids    []dp.Identifier
		cp     any
		err    error
	)
	switch x := m.Params.(type) {
	case dp.CreateParams:
		var c dp.CreateParams
		err = deepcopy.Copy(&c, &x)
		method, cp = dp.MethodCreate, c
	case dp.UpdateParams:
		var c dp.UpdateParams
		err = deepcopy.Copy(&c, &x)
		method, ids, cp = dp.MethodUpdate, []dp.Identifier{x.ID}, c
	case dp.UpdateManyParams:
		var c dp.UpdateManyParams
		err = deepcopy.Copy(&c, &x)
		method, ids, cp = dp.MethodUpdateMany, append([]dp.Identifier(nil), x.IDs...), c
	case dp.DeleteParams:
		var c dp.DeleteParams
		err = deepcopy.Copy(&c, &x)
		method, ids, cp = dp.MethodDelete, []dp.Identifier{x.ID}, c
	case dp.DeleteManyParams:
		var c dp.DeleteManyParams
		err = deepcopy.Copy(&c, &x)
		method, ids, cp = dp.MethodDeleteMany, append([]dp.Identifier(nil), x.IDs...), c
	default:
		return m, nil, fmt.Errorf("%w: unsupported params %T", ErrInvalidMutation, m.Params)
	}
	if err != nil {
		return m, nil, fmt.Errorf("copy params: %w", err)
	}
	if m.Method != "" && m.Method != method {
		return m, nil, fmt.Errorf("%w: method %s with %T", ErrInvalidMutation, m.Method, m.Params)
	}
	m.Method, m.Params = method, cp
	return m, ids, nil
}

// patchFor is the optimistic effect of m on cached reads; nil for creates.
func patchFor(m Mutation, ids []dp.Identifier) dp.PatchFunc {
	switch x := m.Params.(type) {
	case dp.UpdateParams:
		return dp.UpdatePatch(ids, x.Data)
	case dp.UpdateManyParams:
		return dp.UpdatePatch(ids, x.Data)
	case dp.DeleteParams, dp.DeleteManyParams:
		return dp.DeletePatch(ids)
	}
	return nil
}
