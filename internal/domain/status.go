package domain

import "strings"

// JobStatus is the lifecycle state of a detonation job.
type JobStatus string

const (
	StatusFresh         JobStatus = "fresh"
	StatusInstantiate   JobStatus = "instantiate"
	StatusInstantiating JobStatus = "instantiating"
	StatusInstantiated  JobStatus = "instantiated"
	StatusConnect       JobStatus = "connect"
	StatusConnecting    JobStatus = "connecting"
	StatusConnected     JobStatus = "connected"
	StatusExecute       JobStatus = "execute"
	StatusExecuting     JobStatus = "executing"
	StatusExecuted      JobStatus = "executed"
	StatusStop          JobStatus = "stop"
	StatusStopping      JobStatus = "stopping"
	StatusStopped       JobStatus = "stopped"
	StatusRemove        JobStatus = "remove"
	StatusRemoving      JobStatus = "removing"
	StatusRemoved       JobStatus = "removed"
	StatusFinished      JobStatus = "finished"
	StatusError         JobStatus = "error"
	StatusKilled        JobStatus = "killed"
)

// Stage names a connector operation.
type Stage string

const (
	StageInstantiate Stage = "instantiate"
	StageConnect     Stage = "connect"
	StageExecute     Stage = "execute"
	StageStop        Stage = "stop"
	StageRemove      Stage = "remove"
)

// StageStep describes how a ready or request state is advanced.
type StageStep struct {
	Stage    Stage
	Progress JobStatus
	Done     JobStatus
}

var stageSteps = map[JobStatus]StageStep{
	StatusFresh:        {StageInstantiate, StatusInstantiating, StatusInstantiated},
	StatusInstantiate:  {StageInstantiate, StatusInstantiating, StatusInstantiated},
	StatusInstantiated: {StageConnect, StatusConnecting, StatusConnected},
	StatusConnect:      {StageConnect, StatusConnecting, StatusConnected},
	StatusConnected:    {StageExecute, StatusExecuting, StatusExecuted},
	StatusExecute:      {StageExecute, StatusExecuting, StatusExecuted},
	StatusExecuted:     {StageStop, StatusStopping, StatusStopped},
	StatusStop:         {StageStop, StatusStopping, StatusStopped},
	StatusStopped:      {StageRemove, StatusRemoving, StatusRemoved},
	StatusRemove:       {StageRemove, StatusRemoving, StatusRemoved},
}

// NextStep returns the stage to dispatch for a ready or request state.
func NextStep(status JobStatus) (StageStep, bool) {
	step, ok := stageSteps[status]
	return step, ok
}

// StepFor returns the progress and completion states of a stage.
func StepFor(stage Stage) StageStep {
	switch stage {
	case StageInstantiate:
		return stageSteps[StatusInstantiate]
	case StageConnect:
		return stageSteps[StatusConnect]
	case StageExecute:
		return stageSteps[StatusExecute]
	case StageStop:
		return stageSteps[StatusStop]
	default:
		return stageSteps[StatusRemove]
	}
}

// Terminal reports whether the driver no longer advances the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusKilled:
		return true
	default:
		return false
	}
}

// InProgress reports whether an asynchronous stage action owns the job.
func (s JobStatus) InProgress() bool {
	switch s {
	case StatusInstantiating, StatusConnecting, StatusExecuting, StatusStopping, StatusRemoving:
		return true
	default:
		return false
	}
}

// NormalizeJobStatus maps stored values to a canonical status.
func NormalizeJobStatus(value string) JobStatus {
	s := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := transitions[s]; ok {
		return s
	}
	switch s {
	case StatusFinished, StatusError, StatusKilled:
		return s
	}
	return ""
}

var transitions = map[JobStatus][]JobStatus{
	StatusFresh:         {StatusInstantiate, StatusInstantiating},
	StatusInstantiate:   {StatusInstantiating},
	StatusInstantiating: {StatusInstantiated},
	StatusInstantiated:  {StatusConnect, StatusConnecting},
	StatusConnect:       {StatusConnecting},
	StatusConnecting:    {StatusConnected},
	StatusConnected:     {StatusExecute, StatusExecuting},
	StatusExecute:       {StatusExecuting},
	StatusExecuting:     {StatusExecuted},
	StatusExecuted:      {StatusStop, StatusStopping},
	StatusStop:          {StatusStopping},
	StatusStopping:      {StatusStopped},
	StatusStopped:       {StatusRemove, StatusRemoving},
	StatusRemove:        {StatusRemoving},
	StatusRemoving:      {StatusRemoved},
	StatusRemoved:       {StatusFinished},
}

// CanTransition reports whether next is an edge of the lifecycle graph.
// Any non-terminal state may fail into error. Operator escapes (reset
// to fresh, force to killed, force stop) are checked by CanForce.
func CanTransition(current, next JobStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if next == StatusError {
		return !current.Terminal()
	}
	for _, candidate := range transitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CanForce reports whether an operator trigger or a forced cleanup may
// move current to next outside the lifecycle graph.
func CanForce(current, next JobStatus) bool {
	switch next {
	case StatusStopped, StatusRemoved:
		return !current.Terminal()
	case StatusFresh:
		return current != ""
	case StatusKilled:
		return current != StatusKilled && current != StatusFinished
	case StatusStop:
		return !current.Terminal() && current != StatusStopping && current != StatusStopped &&
			current != StatusRemove && current != StatusRemoving && current != StatusRemoved
	default:
		return false
	}
}
