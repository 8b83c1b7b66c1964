package gitsync

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrRejected means the remote refused the push because its label
	// moved past our snapshot. Pull first, then push again.
	ErrRejected = errors.New("push rejected by remote")

	// ErrDivergedHistory means local and remote histories share an
	// ancestor but both advanced past it. Neither side can
	// fast-forward; resolution is a manual decision.
	ErrDivergedHistory = errors.New("local and remote histories have diverged")
)

// DivergedHistoryError carries both tips so the caller can inspect or
// report them.
type DivergedHistoryError struct {
	Plane     string
	LocalTip  plumbing.Hash
	RemoteTip plumbing.Hash
}

func (e *DivergedHistoryError) Error() string {
	return fmt.Sprintf("plane %s: local %s and remote %s have diverged",
		e.Plane, e.LocalTip, e.RemoteTip)
}

func (e *DivergedHistoryError) Is(target error) bool {
	return target == ErrDivergedHistory
}

// RejectedError reports a push the remote turned down.
type RejectedError struct {
	Plane  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("plane %s: push rejected: %s", e.Plane, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}
