/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "echoadapter",
	Short: "A minimal debug adapter for testing",
	Long: `echoadapter is a debug adapter that answers the requests of a launch/disconnect cycle
and evaluates every expression to itself. It talks over stdio or serves a TCP port.`,
	SilenceUsage: true,
	RunE:         runStdio,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
