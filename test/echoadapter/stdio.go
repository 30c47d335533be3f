/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"github.com/spf13/cobra"
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Talk the debug adapter protocol over stdin and stdout (the default)",
	RunE:  runStdio,
	Args:  cobra.NoArgs,
}

func init() {
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, _ []string) error {
	return newAdapter(cmd.OutOrStdout()).serve(cmd.InOrStdin())
}
