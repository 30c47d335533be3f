/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build windows

package process

import (
	"time"
)

// Windows has no signals, and there is no universal way to "ask a process to stop",
// so the process is killed right away.
func (e *OSExecutor) askToExit(_ *waitState, _ time.Duration) (bool, error) {
	return false, nil
}
