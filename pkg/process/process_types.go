/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

const (
	// A valid exit code of a process is a non-negative number. We use UnknownExitCode to indicate that we have not obtained the exit code yet.
	UnknownExitCode int32 = -1

	// Unknown PID code is used when the process was not started (or failed to start)
	UnknownPID int32 = -1

	// How long to wait for a process to go away after it has been forcefully killed.
	killWaitTimeout = 5 * time.Second

	// How long Wait() keeps copying stdio of a process that has exited.
	stdioWaitDelay = 1 * time.Second

	childStopTimeout = 2 * time.Second
)

var (
	ErrProcessNotFound   = errors.New("process is not tracked by this executor")
	ErrProcessNotStopped = errors.New("process did not exit after it was killed")
)

type Executor interface {
	// Starts the process described by given command instance and begins waiting for it to exit.
	// When the passed context is cancelled, the process is automatically stopped.
	// The exit handler (if not nil) is called exactly once, when the process exits.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ProcessExitHandler) (pid int32, err error)

	// Stops the process with a given PID. The process is asked to exit first (where the OS supports it)
	// and killed if it is still running after the grace period.
	StopProcess(pid int32, gracePeriod time.Duration) error
}

type ProcessExitHandler interface {
	// Indicates that process with a given PID has finished execution
	// If err is nil, the process exit code was properly captured and the exitCode value is valid
	// if err is not nil, there was a problem tracking the process and the exitCode value is not valid
	OnProcessExited(pid int32, exitCode int32, err error)
}

// Make it easy to supply a function as a process exit handler.
type ProcessExitHandlerFunc func(int32, int32, error)

func (f ProcessExitHandlerFunc) OnProcessExited(pid int32, exitCode int32, err error) {
	f(pid, exitCode, err)
}

type ProcessExitInfo struct {
	PID      int32
	ExitCode int32
	Err      error
}
