/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"errors"
	"fmt"
	"slices"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
)

type ProcessTreeItem struct {
	Pid int32
	// Used to distinguish between different instances of processes with the same PID.
	IdentityTime time.Time
}

// Essentially the same as ps.ErrorProcessNotRunning, but the ps package is not exposed outside of this package.
var ErrorProcessNotFound = errors.New("process does not exist")

// Returns the given process and all its descendants.
// The list starts with the root of the hierarchy, then the children, then the grandchildren etc.
func GetProcessTree(pid int32) ([]ProcessTreeItem, error) {
	root, err := ps.NewProcess(pid)
	if err != nil {
		if errors.Is(err, ps.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("process with pid %d does not exist: %w", pid, ErrorProcessNotFound)
		}
		return nil, err
	}

	tree := []ProcessTreeItem{}
	next := []*ps.Process{root}

	for len(next) > 0 {
		current := next[0]
		next = next[1:]
		if slices.ContainsFunc(tree, func(item ProcessTreeItem) bool { return item.Pid == current.Pid }) {
			continue
		}
		tree = append(tree, ProcessTreeItem{Pid: current.Pid, IdentityTime: identityTime(current)})

		children, childrenErr := current.Children()
		if childrenErr != nil {
			// If we fail to get the children, assume there are no children.
			continue
		}
		next = append(next, children...)
	}

	return tree, nil
}

// IsRunning reports whether the process exists and has not finished (zombies count as finished).
func IsRunning(pid int32) bool {
	return processExists(pid)
}

func processExists(pid int32) bool {
	proc, err := ps.NewProcess(pid)
	if err != nil {
		return false
	}

	status, statusErr := proc.Status()
	if statusErr == nil && slices.Contains(status, ps.Zombie) {
		return false
	}

	running, runningErr := proc.IsRunning()
	return runningErr != nil || running
}

// Kills the process, unless the PID now belongs to a different process than the one recorded in the item.
func killTreeItem(item ProcessTreeItem) error {
	proc, err := ps.NewProcess(item.Pid)
	if err != nil {
		if errors.Is(err, ps.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}

	if !item.IdentityTime.IsZero() && !identityTime(proc).Equal(item.IdentityTime) {
		// PID was reused, the original process is gone.
		return nil
	}

	killErr := proc.Kill()
	if killErr != nil && !processExists(item.Pid) {
		return nil
	}
	return killErr
}

func identityTime(proc *ps.Process) time.Time {
	createTimestamp, err := proc.CreateTime()
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(createTimestamp)
}
