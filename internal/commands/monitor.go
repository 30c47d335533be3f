/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dapmux/pkg/process"
)

const (
	monitorFlagName         = "monitor"
	monitorIntervalFlagName = "monitor-interval"
)

var (
	monitorPid      int64 = int64(process.UnknownPID)
	monitorInterval uint8
)

// AddMonitorFlags adds flags that make the command exit when a given (parent) process exits.
func AddMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().Int64VarP(&monitorPid, monitorFlagName, "m", int64(process.UnknownPID), "If present, tells dapmux to monitor a given process ID (PID) and gracefully shut down if the monitored process exits for any reason.")
	cmd.Flags().Uint8VarP(&monitorInterval, monitorIntervalFlagName, "i", 0, "If present, specifies the time in seconds between checks for the monitor PID.")
}

// GetMonitorContextFromFlags returns a context that is cancelled when the process named by the monitor flag exits.
// Without the flag, the context only ends when the parent context does.
func GetMonitorContextFromFlags(ctx context.Context, log logr.Logger) (context.Context, context.CancelFunc) {
	monitorCtx, cancel := context.WithCancel(ctx)
	if monitorPid == int64(process.UnknownPID) {
		return monitorCtx, cancel
	}

	pid, pidErr := toPid(monitorPid)
	if pidErr != nil {
		log.Error(pidErr, "Process to monitor is invalid, monitoring disabled", "pid", monitorPid)
		return monitorCtx, cancel
	}

	exited := process.MonitorPid(monitorCtx, pid, time.Duration(monitorInterval)*time.Second)
	go func() {
		<-exited
		if monitorCtx.Err() == nil {
			log.Info("Monitored process exited, shutting down", "pid", pid)
		}
		cancel()
	}()

	return monitorCtx, cancel
}

func toPid(value int64) (int32, error) {
	if value <= 0 || value > math.MaxInt32 {
		return process.UnknownPID, fmt.Errorf("'%d' is not a valid process ID", value)
	}
	return int32(value), nil
}
