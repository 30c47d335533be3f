/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"net"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/microsoft/dapmux/internal/debughost"
	"github.com/microsoft/dapmux/pkg/security"
)

const (
	configFlagName        = "config"
	generateTokenFlagName = "generate-token"
)

// ServeInfo is printed to stdout once the debug host accepts connections,
// so that a parent process can learn where to connect.
type ServeInfo struct {
	Address   string `json:"address"`
	Token     string `json:"token,omitempty"`
	Namespace string `json:"namespace"`
}

func NewServeCommand(log logr.Logger) *cobra.Command {
	hostConfig := debughost.DefaultHostConfig()

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the debug host service",
		Long: `Runs the debug host service.

	UI clients create debug sessions through the HTTP API and talk to the debug adapters
	over channels carried by a WebSocket connection to the /channel endpoint.`,
		RunE: runServe(log),
		Args: cobra.NoArgs,
	}

	serveCmd.Flags().String(configFlagName, "", "Path to a YAML file with debug host settings. Environment variables and flags override its values.")
	serveCmd.Flags().Bool(generateTokenFlagName, true, "Generate a bearer token if none is configured. The token is printed with the listen address. Use --generate-token=false to disable authentication.")
	hostConfig.AddFlags(serveCmd.Flags())
	AddMonitorFlags(serveCmd)

	return serveCmd
}

// Applies the configuration sources in order of precedence: defaults, file, environment, flags.
func resolveHostConfig(fs *pflag.FlagSet) (debughost.HostConfig, error) {
	hostConfig := debughost.DefaultHostConfig()

	configFile, flagErr := fs.GetString(configFlagName)
	if flagErr != nil {
		return hostConfig, flagErr
	}
	if configFile != "" {
		if loadErr := hostConfig.LoadConfigFile(configFile); loadErr != nil {
			return hostConfig, loadErr
		}
	}

	hostConfig.ApplyEnvironment()
	if applyErr := hostConfig.ApplyFlags(fs); applyErr != nil {
		return hostConfig, applyErr
	}

	generateToken, flagErr := fs.GetBool(generateTokenFlagName)
	if flagErr != nil {
		return hostConfig, flagErr
	}
	if generateToken && hostConfig.Token == "" {
		token, tokenErr := security.MakeBearerToken()
		if tokenErr != nil {
			return hostConfig, tokenErr
		}
		hostConfig.Token = token
	}

	return hostConfig, hostConfig.Validate()
}

func runServe(log logr.Logger) func(cmd *cobra.Command, _ []string) error {
	log = log.WithName("serve")
	return func(cmd *cobra.Command, _ []string) error {
		hostConfig, configErr := resolveHostConfig(cmd.Flags())
		if configErr != nil {
			return configErr
		}

		if hostConfig.Token == "" {
			log.Info("Authentication is disabled: any local process can create debug sessions")
		}

		ctx, cancel := GetMonitorContextFromFlags(cmd.Context(), log)
		defer cancel()

		listener, listenErr := net.Listen("tcp", hostConfig.Address)
		if listenErr != nil {
			return fmt.Errorf("failed to listen on '%s': %w", hostConfig.Address, listenErr)
		}

		server, serverErr := debughost.NewServer(ctx, debughost.ServerConfig{
			Host:     hostConfig,
			Listener: listener,
			Logger:   log,
		})
		if serverErr != nil {
			_ = listener.Close()
			return serverErr
		}

		info := ServeInfo{
			Address:   listener.Addr().String(),
			Token:     hostConfig.Token,
			Namespace: server.Multiplexer().Namespace(),
		}
		if writeErr := writeJSONLine(cmd.OutOrStdout(), info); writeErr != nil {
			log.Error(writeErr, "Could not report the listen address")
		}

		return server.Run()
	}
}
