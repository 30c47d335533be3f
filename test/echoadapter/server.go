/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the debug adapter protocol on a TCP port",
	Long:  `Server mode accepts debug sessions on a TCP port. Every connection is an independent session.`,
	RunE:  runServer,
	Args:  cobra.NoArgs,
}

var (
	serverAddress  string
	serverPort     int
	serverSessions int
	serverTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverAddress, "address", "127.0.0.1", "Address to bind to")
	serverCmd.Flags().IntVar(&serverPort, "port", 4711, "Port to bind to. Use 0 to pick a free port.")
	serverCmd.Flags().IntVar(&serverSessions, "sessions", 0, "Number of sessions to serve before exiting. Zero means no limit.")
	serverCmd.Flags().DurationVar(&serverTimeout, "timeout", 0, "Exit if no session starts within this time. Zero means no timeout.")
}

func runServer(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	listenAddr := net.JoinHostPort(serverAddress, fmt.Sprintf("%d", serverPort))
	listener, listenErr := net.Listen("tcp", listenAddr)
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, listenErr)
	}
	defer listener.Close()

	// The actual port goes to stdout so that a parent process can connect.
	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", listener.Addr().(*net.TCPAddr).Port)

	return serveSessions(ctx, listener, serverSessions, serverTimeout)
}

func serveSessions(ctx context.Context, listener net.Listener, sessions int, acceptTimeout time.Duration) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	served := 0
	for sessions <= 0 || served < sessions {
		if tcp, isTCP := listener.(*net.TCPListener); isTCP && acceptTimeout > 0 {
			_ = tcp.SetDeadline(time.Now().Add(acceptTimeout))
		}

		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept a session: %w", acceptErr)
		}
		served++

		// With a session limit, the last session is served to completion before exiting.
		if sessions > 0 && served == sessions {
			defer conn.Close()
			return newAdapter(conn).serve(conn)
		}

		go func() {
			defer conn.Close()
			_ = newAdapter(conn).serve(conn)
		}()
	}
	return nil
}
