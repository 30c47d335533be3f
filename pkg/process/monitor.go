/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"time"
)

const defaultMonitorInterval = 1 * time.Second

// Returns a channel that is closed when the process with given PID exits
// (or when the context is cancelled).
func MonitorPid(ctx context.Context, pid int32, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if !processExists(pid) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return exited
}
