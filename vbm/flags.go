package vbm

import (
	"log/slog"

	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific manager behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the manager will not synchronize access to its pools
	// internally. The consumer must guarantee that Drain, Trim, Destroy and the query methods are never
	// called concurrently with one another. Enqueue and SubmitAsync remain safe from any goroutine.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

// Action identifies which mutation a DescriptorRequest carries
type Action uint32

const (
	// ActionAdd places a new descriptor into the matching pool
	ActionAdd Action = iota + 1
	// ActionRemove removes a live descriptor and compacts the buffer it lived in
	ActionRemove
)

var actionMapping = map[Action]string{
	ActionAdd:    "ActionAdd",
	ActionRemove: "ActionRemove",
}

func (a Action) String() string {
	return actionMapping[a]
}

// Stage is the position of a DescriptorRequest in its lifecycle. Stages only ever move forward.
type Stage uint32

const (
	// StageNone is the stage of a request that has been created but not enqueued
	StageNone Stage = iota
	// StageRequested is the stage of a request that is waiting in the queue
	StageRequested
	// StageInProcess is the stage of a request that the drain is currently applying
	StageInProcess
	// StageProcessed is the final stage of every request, whether it succeeded or not
	StageProcessed
)

var stageMapping = map[Stage]string{
	StageNone:      "StageNone",
	StageRequested: "StageRequested",
	StageInProcess: "StageInProcess",
	StageProcessed: "StageProcessed",
}

func (s Stage) String() string {
	return stageMapping[s]
}

// LevelTrace is used for duplicate removes and other events that are expected during normal
// operation but can be useful when chasing a bug
const LevelTrace = slog.Level(-8)
