/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// Sends SIGTERM and waits up to gracePeriod for the process to exit.
func (e *OSExecutor) askToExit(ws *waitState, gracePeriod time.Duration) (bool, error) {
	err := ws.cmd.Process.Signal(syscall.SIGTERM)
	switch {
	case errors.Is(err, os.ErrProcessDone):
		<-ws.waitEndedCh
		return true, nil
	case err != nil:
		return false, fmt.Errorf("could not send signal %s to process %d: %w", syscall.SIGTERM.String(), ws.cmd.Process.Pid, err)
	}

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()

	select {
	case <-ws.waitEndedCh:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}
