package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDeviceNotReady  = errors.New("device not ready")
	ErrInitialization  = errors.New("initialization failed")
	ErrStorage         = errors.New("session storage read/write error")
	ErrPartialDispatch = errors.New("dispatch failed for one or more targets")
	ErrInvalidRequest  = errors.New("invalid request")

	ErrInvalidBackend  = errors.New("invalid backend")
	ErrDataStoreAccess = errors.New("data store read/write error")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}

// NotReadyError is returned when an operation needs a Ready connection and the device has none.
// State tells the caller whether to wait (initializing, awaiting_pairing), re-pair (disconnected)
// or initialize the device first (uninitialized).
type NotReadyError struct {
	DeviceID string
	State    ConnState
}

func (e *NotReadyError) Error() string {
	if e.State == StateUninitialized {
		return fmt.Sprintf("device %s not found: no live connection", e.DeviceID)
	}
	return fmt.Sprintf("device %s not ready: %s", e.DeviceID, e.State)
}

// Is makes every NotReadyError match ErrDeviceNotReady, and the never-initialized
// case additionally match ErrNotFound.
func (e *NotReadyError) Is(target error) bool {
	switch target {
	case ErrDeviceNotReady:
		return true
	case ErrNotFound:
		return e.State == StateUninitialized
	}
	return false
}

// TargetError is the outcome of one failed send inside a multi-target dispatch.
type TargetError struct {
	Target string `json:"target"`
	Err    error  `json:"-"`
}

func (t TargetError) Message() string {
	if t.Err == nil {
		return ""
	}
	return t.Err.Error()
}

// PartialDispatchError lists the targets whose send failed. Targets not listed were sent.
type PartialDispatchError struct {
	DeviceID string
	Total    int
	Failed   []TargetError
}

func (e *PartialDispatchError) Error() string {
	targets := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		targets = append(targets, fmt.Sprintf("%s (%v)", f.Target, f.Err))
	}
	return fmt.Sprintf("device %s: %d of %d sends failed: %s",
		e.DeviceID, len(e.Failed), e.Total, strings.Join(targets, ", "))
}

func (e *PartialDispatchError) Is(target error) bool {
	return target == ErrPartialDispatch
}

// FailedTargets returns the failed target identifiers in dispatch order.
func (e *PartialDispatchError) FailedTargets() []string {
	out := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Target)
	}
	return out
}
