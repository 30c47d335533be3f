/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/dapmux/pkg/logger"
)

func NewRootCommand(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "dapmux",
		Short: "Hosts Debug Adapter Protocol sessions for editors and tools",
		Long: `dapmux launches or connects to debug adapters and relays their messages
	to UI clients over addressable channels.

	Debug adapters can run as child processes, listen on sockets or named pipes,
	or be contributed by extensions through debugger manifests.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "dapmux starting"),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	if cmd, err := NewVersionCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(NewServeCommand(log.Logger))

	log.AddLevelFlag(rootCmd.PersistentFlags())

	return rootCmd, nil
}
