/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/dapmux/internal/debughost"
	"github.com/microsoft/dapmux/internal/version"
	"github.com/microsoft/dapmux/pkg/logger"
	"github.com/microsoft/dapmux/pkg/osutil"
	"github.com/microsoft/dapmux/pkg/process"
	"github.com/microsoft/dapmux/pkg/security"
	"github.com/microsoft/dapmux/pkg/testutil"
)

func TestVersionCommandPrintsJSON(t *testing.T) {
	cmd, cmdErr := NewVersionCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, cmdErr)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var printed version.VersionOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	require.Equal(t, version.Version().Version, printed.Version)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root, rootErr := NewRootCommand(logger.New("dapmux-test"))
	require.NoError(t, rootErr)

	names := []string{}
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	require.Contains(t, names, "serve")
	require.Contains(t, names, "version")

	_, hasLevelFlag := logger.GetLevelFlagValue(root.PersistentFlags())
	require.True(t, hasLevelFlag)
}

func TestResolveHostConfig(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "dapmux.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("address: 127.0.0.1:7000\nnamespace: from-file\n"), osutil.PermissionOnlyOwnerReadWrite))

	cmd := NewServeCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, cmd.Flags().Parse([]string{"--config", configFile, "--namespace", "from-flag", "--generate-token"}))

	config, resolveErr := resolveHostConfig(cmd.Flags())
	require.NoError(t, resolveErr)
	require.Equal(t, "127.0.0.1:7000", config.Address)
	require.Equal(t, "from-flag", config.Namespace)
	require.Len(t, config.Token, security.BearerTokenLength)
}

func TestResolveHostConfigKeepsConfiguredToken(t *testing.T) {
	t.Setenv(debughost.DAPMUX_TOKEN, "from-env")

	cmd := NewServeCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, cmd.Flags().Parse([]string{"--generate-token"}))

	config, resolveErr := resolveHostConfig(cmd.Flags())
	require.NoError(t, resolveErr)
	require.Equal(t, "from-env", config.Token)
}

func TestResolveHostConfigGeneratesTokenByDefault(t *testing.T) {
	t.Setenv(debughost.DAPMUX_TOKEN, "")

	cmd := NewServeCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, cmd.Flags().Parse([]string{}))

	config, resolveErr := resolveHostConfig(cmd.Flags())
	require.NoError(t, resolveErr)
	require.Len(t, config.Token, security.BearerTokenLength)
}

func TestResolveHostConfigCanDisableAuthentication(t *testing.T) {
	t.Setenv(debughost.DAPMUX_TOKEN, "")

	cmd := NewServeCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, cmd.Flags().Parse([]string{"--generate-token=false"}))

	config, resolveErr := resolveHostConfig(cmd.Flags())
	require.NoError(t, resolveErr)
	require.Empty(t, config.Token)
}

func TestResolveHostConfigReportsMissingFile(t *testing.T) {
	cmd := NewServeCommand(testutil.NewLogForTesting(t.Name()))
	require.NoError(t, cmd.Flags().Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}))

	_, resolveErr := resolveHostConfig(cmd.Flags())
	require.ErrorIs(t, resolveErr, debughost.ErrInvalidConfig)
}

func TestServeReportsAddressAndStops(t *testing.T) {
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()
	serveCtx, stop := context.WithCancel(ctx)

	cmd := NewServeCommand(testutil.NewLogForTesting(t.Name()))
	out := testutil.NewBufferWriter()
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--address", "127.0.0.1:0", "--generate-token"})

	serveErr := make(chan error, 1)
	go func() { serveErr <- cmd.ExecuteContext(serveCtx) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "\n") }, 5*time.Second, 20*time.Millisecond)
	var info ServeInfo
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &info))
	require.NotEmpty(t, info.Token)
	require.Equal(t, debughost.DefaultHostConfig().Namespace, info.Namespace)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+info.Address+"/sessions", nil)
	require.NoError(t, reqErr)
	req.Header.Set("Authorization", "Bearer "+info.Token)
	resp, doErr := http.DefaultClient.Do(req)
	require.NoError(t, doErr)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stop()
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "serve command did not stop")
	}
}

func TestMonitorContextEndsWhenProcessExits(t *testing.T) {
	child := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, child.Run())

	saved := monitorPid
	monitorPid = int64(child.Process.Pid)
	defer func() { monitorPid = saved }()

	ctx, cancel := GetMonitorContextFromFlags(context.Background(), testutil.NewLogForTesting(t.Name()))
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "monitor context was not cancelled after the process exited")
	}
}

func TestMonitorContextWithoutPid(t *testing.T) {
	saved := monitorPid
	monitorPid = int64(process.UnknownPID)
	defer func() { monitorPid = saved }()

	ctx, cancel := GetMonitorContextFromFlags(context.Background(), testutil.NewLogForTesting(t.Name()))
	select {
	case <-ctx.Done():
		require.FailNow(t, "context should stay alive without a monitored process")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	require.Error(t, ctx.Err())
}

func TestToPidRejectsInvalidValues(t *testing.T) {
	for _, value := range []int64{0, -5, 1 << 40} {
		_, err := toPid(value)
		require.Error(t, err, "value %d", value)
	}

	pid, err := toPid(1234)
	require.NoError(t, err)
	require.Equal(t, int32(1234), pid)
}
