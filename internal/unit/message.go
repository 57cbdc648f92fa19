package unit

import "github.com/emberworks/bellows/internal/model"

// Unit→manager message types.
const (
	MsgStatus   = "status"
	MsgProgress = "progress"
	MsgResult   = "result"
	MsgError    = "error"
	MsgExited   = "exited"
)

// Message is the envelope for all unit→manager messages. During execution a
// unit sends progress messages; completion produces exactly one result (or,
// for internal faults, one error). An exited message without a preceding
// terminate marks an unexpected death.
//
// Epoch identifies the unit generation that produced the message, so the
// manager can discard stragglers from a unit it has already replaced.
type Message struct {
	UnitID   string
	Epoch    uint64
	Type     string
	TaskID   string
	Status   string
	Progress float64
	Result   *model.TaskResult
	Err      string
}
