package workflow

import (
	"fmt"
	"strings"
)

// UnknownActionPolicy decides what the reducer does with an action it does not recognise.
type UnknownActionPolicy int

const (
	// IgnoreUnknown leaves the state untouched.
	IgnoreUnknown UnknownActionPolicy = iota
	// ResetOnUnknown falls back to the initial state, matching the legacy web reducer.
	ResetOnUnknown
)

// ParseUnknownActionPolicy maps a config value to a policy.
func ParseUnknownActionPolicy(raw string) (UnknownActionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ignore":
		return IgnoreUnknown, nil
	case "reset":
		return ResetOnUnknown, nil
	default:
		return IgnoreUnknown, fmt.Errorf("unknown action policy %q", raw)
	}
}

// Reducer is the pure transition function, parameterised by its unknown-action policy.
type Reducer struct {
	Unknown UnknownActionPolicy
}

// Transition applies action to state with the default policy.
func Transition(state State, action Action) State {
	return Reducer{}.Transition(state, action)
}

// Known reports whether the reducer recognises action.
func Known(action Action) bool {
	switch action.(type) {
	case Reset, StagedFile, ClearedFile, SelectedFile, UploadFile, UploadFileSuccess,
		LoadFile, LoadFileSuccess, EnqueueJob, EnqueueJobSuccess:
		return true
	default:
		return false
	}
}

// Transition returns the next state. It never panics and performs no I/O.
//
// Completion actions only land from their in-flight status; anywhere else they are
// no-ops, so JOB_ENQUEUED is only reachable through JOB_ENQUEUEING.
func (r Reducer) Transition(state State, action Action) State {
	switch a := action.(type) {
	case Reset:
		return Initial()
	case StagedFile:
		state.Status = StatusFileStaged
		return state
	case ClearedFile:
		state.Status = StatusNoFile
		state.MediaFileToken = ""
		return state
	case SelectedFile:
		if a.MediaFileToken == "" {
			return state
		}
		state.Status = StatusFileSelected
		state.MediaFileToken = a.MediaFileToken
		return state
	case UploadFile:
		state.Status = StatusFileUploading
		return state
	case UploadFileSuccess:
		if state.Status != StatusFileUploading || a.MediaFileToken == "" {
			return state
		}
		state.Status = StatusFileUploaded
		state.MediaFileToken = a.MediaFileToken
		return state
	case LoadFile:
		if state.MediaFileToken == "" {
			return state
		}
		state.Status = StatusFileLoading
		return state
	case LoadFileSuccess:
		if state.Status != StatusFileLoading || a.MediaFileToken == "" {
			return state
		}
		state.Status = StatusFileLoaded
		state.MediaFileToken = a.MediaFileToken
		state.MediaFile = a.MediaFile
		return state
	case EnqueueJob:
		if !a.Fileless && state.MediaFileToken == "" {
			return state
		}
		state.Status = StatusJobEnqueueing
		return state
	case EnqueueJobSuccess:
		if state.Status != StatusJobEnqueueing || a.InferenceJobToken == "" {
			return state
		}
		state.Status = StatusJobEnqueued
		state.InferenceJobToken = a.InferenceJobToken
		return state
	default:
		if r.Unknown == ResetOnUnknown {
			return Initial()
		}
		return state
	}
}
