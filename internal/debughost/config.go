/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debughost

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/dapmux/internal/channel"
	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/pkg/osutil"
)

const (
	DAPMUX_ADDRESS                    = "DAPMUX_ADDRESS"
	DAPMUX_TOKEN                      = "DAPMUX_TOKEN"
	DAPMUX_EXTENSIONS_DIR             = "DAPMUX_EXTENSIONS_DIR"
	DAPMUX_NAMESPACE                  = "DAPMUX_NAMESPACE"
	DAPMUX_ADAPTER_CONNECTION_TIMEOUT = "DAPMUX_ADAPTER_CONNECTION_TIMEOUT"
	DAPMUX_ADAPTER_STOP_TIMEOUT       = "DAPMUX_ADAPTER_STOP_TIMEOUT"
	DAPMUX_PING_PERIOD                = "DAPMUX_PING_PERIOD"

	DefaultAddress = "localhost:4711"

	addressFlagName                  = "address"
	tokenFlagName                    = "token"
	extensionsDirFlagName            = "extensions-dir"
	namespaceFlagName                = "namespace"
	adapterConnectionTimeoutFlagName = "adapter-connection-timeout"
	adapterStopTimeoutFlagName       = "adapter-stop-timeout"
	pingPeriodFlagName               = "ping-period"
)

var ErrInvalidConfig = errors.New("invalid debug host configuration")

// HostConfig holds the settings of the debug host service.
type HostConfig struct {
	// Address (host:port) the HTTP API listens on. Port 0 picks a free port.
	Address string `yaml:"address"`

	// If not empty, clients must present this bearer token.
	Token string `yaml:"token"`

	// Folder with one subfolder per extension, each with a debugger manifest.
	// Contributions are not loaded if empty.
	ExtensionsDir string `yaml:"extensionsDir"`

	// Channel path prefix for sessions.
	Namespace string `yaml:"namespace"`

	AdapterConnectionTimeout time.Duration `yaml:"adapterConnectionTimeout"`
	AdapterStopTimeout       time.Duration `yaml:"adapterStopTimeout"`

	// Keep-alive period for channel connections. Negative disables pings.
	PingPeriod time.Duration `yaml:"pingPeriod"`
}

func DefaultHostConfig() HostConfig {
	return HostConfig{
		Address:                  DefaultAddress,
		Namespace:                dap.DefaultNamespace,
		AdapterConnectionTimeout: dap.DefaultAdapterConnectionTimeout,
		AdapterStopTimeout:       dap.DefaultAdapterStopTimeout,
		PingPeriod:               channel.DefaultPingPeriod,
	}
}

// LoadConfigFile overlays the settings found in a YAML file onto the configuration.
// Settings missing from the file keep their current values.
func (hc *HostConfig) LoadConfigFile(path string) error {
	content, readErr := os.ReadFile(path)
	if readErr != nil {
		if errors.Is(readErr, fs.ErrNotExist) {
			return fmt.Errorf("%w: configuration file '%s' does not exist", ErrInvalidConfig, path)
		}
		return fmt.Errorf("could not read configuration file '%s': %w", path, readErr)
	}

	if unmarshalErr := yaml.Unmarshal(content, hc); unmarshalErr != nil {
		return fmt.Errorf("%w: configuration file '%s' could not be parsed: %w", ErrInvalidConfig, path, unmarshalErr)
	}
	return nil
}

// ApplyEnvironment overlays the settings from DAPMUX_* environment variables onto the configuration.
func (hc *HostConfig) ApplyEnvironment() {
	hc.Address = osutil.EnvVarStringWithDefault(DAPMUX_ADDRESS, hc.Address)
	hc.Token = osutil.EnvVarStringWithDefault(DAPMUX_TOKEN, hc.Token)
	hc.ExtensionsDir = osutil.EnvVarStringWithDefault(DAPMUX_EXTENSIONS_DIR, hc.ExtensionsDir)
	hc.Namespace = osutil.EnvVarStringWithDefault(DAPMUX_NAMESPACE, hc.Namespace)
	hc.AdapterConnectionTimeout = osutil.EnvVarDurationValWithDefault(DAPMUX_ADAPTER_CONNECTION_TIMEOUT, hc.AdapterConnectionTimeout)
	hc.AdapterStopTimeout = osutil.EnvVarDurationValWithDefault(DAPMUX_ADAPTER_STOP_TIMEOUT, hc.AdapterStopTimeout)
	hc.PingPeriod = osutil.EnvVarDurationValWithDefault(DAPMUX_PING_PERIOD, hc.PingPeriod)
}

// AddFlags registers the configuration flags. Flag defaults are the current values of the configuration.
func (hc *HostConfig) AddFlags(fs *pflag.FlagSet) {
	fs.String(addressFlagName, hc.Address, "Address (host:port) the debug host listens on.")
	fs.String(tokenFlagName, hc.Token, "Bearer token clients must present. Authentication is disabled if empty.")
	fs.String(extensionsDirFlagName, hc.ExtensionsDir, "Folder with extensions contributing debuggers. Watched for changes.")
	fs.String(namespaceFlagName, hc.Namespace, "Path prefix of debug session channels.")
	fs.Duration(adapterConnectionTimeoutFlagName, hc.AdapterConnectionTimeout, "Timeout for connecting to debug adapter servers and pipes.")
	fs.Duration(adapterStopTimeoutFlagName, hc.AdapterStopTimeout, "Time debug adapter processes are given to exit before they are killed.")
	fs.Duration(pingPeriodFlagName, hc.PingPeriod, "Keep-alive period for channel connections. A negative value disables keep-alive.")
}

// ApplyFlags overlays the values of flags that were set explicitly onto the configuration.
func (hc *HostConfig) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	applyString := func(name string, target *string) {
		if !fs.Changed(name) {
			return
		}
		val, err := fs.GetString(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*target = val
	}
	applyDuration := func(name string, target *time.Duration) {
		if !fs.Changed(name) {
			return
		}
		val, err := fs.GetDuration(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*target = val
	}

	applyString(addressFlagName, &hc.Address)
	applyString(tokenFlagName, &hc.Token)
	applyString(extensionsDirFlagName, &hc.ExtensionsDir)
	applyString(namespaceFlagName, &hc.Namespace)
	applyDuration(adapterConnectionTimeoutFlagName, &hc.AdapterConnectionTimeout)
	applyDuration(adapterStopTimeoutFlagName, &hc.AdapterStopTimeout)
	applyDuration(pingPeriodFlagName, &hc.PingPeriod)

	return errors.Join(errs...)
}

func (hc *HostConfig) Validate() error {
	if hc.Address == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}
	if hc.AdapterConnectionTimeout <= 0 {
		return fmt.Errorf("%w: adapter connection timeout must be positive", ErrInvalidConfig)
	}
	if hc.AdapterStopTimeout <= 0 {
		return fmt.Errorf("%w: adapter stop timeout must be positive", ErrInvalidConfig)
	}
	if hc.ExtensionsDir != "" {
		info, statErr := os.Stat(hc.ExtensionsDir)
		if statErr != nil {
			return fmt.Errorf("%w: extensions folder '%s' is not accessible: %w", ErrInvalidConfig, hc.ExtensionsDir, statErr)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: '%s' is not a folder", ErrInvalidConfig, hc.ExtensionsDir)
		}
	}
	return nil
}
