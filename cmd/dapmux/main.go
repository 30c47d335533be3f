/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/dapmux/internal/commands"
	"github.com/microsoft/dapmux/pkg/logger"
)

const (
	errCommandError = 1
	errSetup        = 2
)

func main() {
	log := logger.New("dapmux")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root, err := commands.NewRootCommand(log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		log.Flush()
		os.Exit(errSetup)
	}

	err = root.ExecuteContext(ctx)
	stop()
	log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errCommandError)
	}
}
