/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/pkg/resiliency"
)

type waitState struct {
	cmd         *exec.Cmd
	waitEndedCh chan struct{} // Closed when the process has exited and the exit code was captured
	exitCode    int32
	waitErr     error
	stopping    bool
}

type OSExecutor struct {
	procs map[int32]*waitState
	lock  *sync.Mutex
	log   logr.Logger
}

func NewOSExecutor(log logr.Logger) *OSExecutor {
	return &OSExecutor{
		procs: make(map[int32]*waitState),
		lock:  &sync.Mutex{},
		log:   log.WithName("os-executor"),
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler) (int32, error) {
	if cmd.WaitDelay == 0 {
		// Descendants may inherit the stdio pipes and keep Wait() from returning after the process exits.
		cmd.WaitDelay = stdioWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return UnknownPID, err
	}

	pid := int32(cmd.Process.Pid)
	ws := &waitState{
		cmd:         cmd,
		waitEndedCh: make(chan struct{}),
		exitCode:    UnknownExitCode,
	}

	e.lock.Lock()
	e.procs[pid] = ws
	e.lock.Unlock()

	e.log.V(1).Info("process started", "PID", pid, "Command", cmd.Path)

	go func() {
		waitErr := cmd.Wait()
		exitCode, execErr := getProcessExecResult(waitErr, cmd)

		e.lock.Lock()
		ws.exitCode = exitCode
		ws.waitErr = execErr
		stopping := ws.stopping
		delete(e.procs, pid)
		e.lock.Unlock()
		close(ws.waitEndedCh)

		e.log.V(1).Info("process exited", "PID", pid, "ExitCode", exitCode, "Stopping", stopping)

		if handler != nil {
			handler.OnProcessExited(pid, exitCode, execErr)
		}
	}()

	go func() {
		select {
		case <-ws.waitEndedCh:
		case <-ctx.Done():
			if stopErr := e.stop(ws, pid, 0); stopErr != nil {
				e.log.Error(stopErr, "could not stop process after context was cancelled", "PID", pid)
			}
		}
	}()

	return pid, nil
}

func (e *OSExecutor) StopProcess(pid int32, gracePeriod time.Duration) error {
	e.lock.Lock()
	ws, found := e.procs[pid]
	e.lock.Unlock()

	if !found {
		return fmt.Errorf("could not stop process %d: %w", pid, ErrProcessNotFound)
	}

	return e.stop(ws, pid, gracePeriod)
}

func (e *OSExecutor) stop(ws *waitState, pid int32, gracePeriod time.Duration) error {
	e.lock.Lock()
	alreadyStopping := ws.stopping
	ws.stopping = true
	e.lock.Unlock()

	if alreadyStopping {
		// Somebody else is driving the shutdown; just wait for the outcome.
		<-ws.waitEndedCh
		return nil
	}

	// The tree must be captured before the root goes away; orphaned children are re-parented.
	var descendants []ProcessTreeItem
	if tree, treeErr := GetProcessTree(pid); treeErr != nil {
		e.log.V(1).Info("could not get process tree", "PID", pid, "Error", treeErr.Error())
	} else {
		descendants = tree[1:]
	}
	e.log.V(1).Info("stopping process tree", "root", pid, "tree", descendants)

	rootErr := e.stopRoot(ws, pid, gracePeriod)
	childErr := e.stopDescendants(descendants)
	return errors.Join(rootErr, childErr)
}

func (e *OSExecutor) stopRoot(ws *waitState, pid int32, gracePeriod time.Duration) error {
	if gracePeriod > 0 {
		exited, err := e.askToExit(ws, gracePeriod)
		if err != nil {
			e.log.V(1).Info("could not ask process to exit, falling back to kill", "PID", pid, "Error", err.Error())
		} else if exited {
			e.log.V(1).Info("process exited gracefully", "PID", pid)
			return nil
		}
	}

	killErr := ws.cmd.Process.Kill()
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) && !isProcessDone(ws) {
		return fmt.Errorf("could not kill process %d: %w", pid, killErr)
	}

	select {
	case <-ws.waitEndedCh:
		e.log.V(1).Info("process killed", "PID", pid)
		return nil
	case <-time.After(killWaitTimeout):
		return fmt.Errorf("process %d: %w", pid, ErrProcessNotStopped)
	}
}

// Descendants are killed without a grace period, concurrently.
func (e *OSExecutor) stopDescendants(descendants []ProcessTreeItem) error {
	if len(descendants) == 0 {
		return nil
	}

	errs := make([]error, len(descendants))
	var wg sync.WaitGroup
	for i, item := range descendants {
		i, item := i, item
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Retry as killing occasionally fails with transient errors.
			errs[i] = resiliency.RetryExponentialWithTimeout(context.Background(), childStopTimeout, func() error {
				return killTreeItem(item)
			})
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("some children processes could not be stopped: %w", err)
	}
	return nil
}

func isProcessDone(ws *waitState) bool {
	select {
	case <-ws.waitEndedCh:
		return true
	default:
		return false
	}
}

// Returns the process exit code and the process execution error depending on the result of command wait call.
func getProcessExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	if waitErr == nil || (errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil) {
		return int32(cmd.ProcessState.ExitCode()), nil
	} else if errors.As(waitErr, &ee) {
		return int32(ee.ExitCode()), nil
	} else {
		return UnknownExitCode, waitErr
	}
}

var _ Executor = (*OSExecutor)(nil)
