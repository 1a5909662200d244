package service

import (
	"fmt"
	"time"

	"github.com/Gopher0727/Orbo/internal/model"
)

// MappingOp is one of OpAdd, OpRemove, OpArchive and OpRestore.
type MappingOp interface {
	mappingOp()
}

type OpAdd struct{}

// OpRemove is the hard-delete path.
type OpRemove struct{}

type OpArchive struct {
	Reason string
	At     time.Time
}

type OpRestore struct{}

func (OpAdd) mappingOp()     {}
func (OpRemove) mappingOp()  {}
func (OpArchive) mappingOp() {}
func (OpRestore) mappingOp() {}

// ApplyTransition is the single mapping state machine. It returns the next
// state and whether it differs from the current one. Authorization and the
// group's bot status are checked by callers.
//
//	           add                 archive
//	Deleted ────────► Active ◄──────────────► Archived
//	   ▲               │  add / restore          │
//	   └──── remove ───┴─────────── remove ──────┘
func ApplyTransition(state model.MappingState, op MappingOp) (model.MappingState, bool, error) {
	switch st := state.(type) {
	case model.Deleted:
		switch op.(type) {
		case OpAdd:
			return model.Active{}, true, nil
		case OpRemove, OpArchive, OpRestore:
			return st, false, ErrMappingNotFound
		}
	case model.Active:
		switch o := op.(type) {
		case OpAdd, OpRestore:
			return st, false, nil
		case OpRemove:
			return model.Deleted{}, true, nil
		case OpArchive:
			return model.Archived{Reason: o.Reason, At: o.At}, true, nil
		}
	case model.Archived:
		switch op.(type) {
		case OpAdd, OpRestore:
			return model.Active{}, true, nil
		case OpRemove:
			return model.Deleted{}, true, nil
		case OpArchive:
			return st, false, nil
		}
	}
	return state, false, fmt.Errorf("unsupported mapping transition %T on %T", op, state)
}
