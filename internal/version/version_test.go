/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseBuildTimestamp(t *testing.T) {
	unix, ok := parseBuildTimestamp("1700000000")
	require.True(t, ok)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), unix)

	rfc, ok := parseBuildTimestamp("2024-03-01T10:00:00Z")
	require.True(t, ok)
	require.Equal(t, 2024, rfc.Year())

	_, ok = parseBuildTimestamp("")
	require.False(t, ok)

	_, ok = parseBuildTimestamp("yesterday")
	require.False(t, ok)
}

func TestVersionOmitsUnknownBuildTime(t *testing.T) {
	saved := BuildTimestamp
	BuildTimestamp = ""
	defer func() { BuildTimestamp = saved }()

	out := Version()
	require.Nil(t, out.BuildTime)

	content, marshalErr := json.Marshal(out)
	require.NoError(t, marshalErr)
	require.NotContains(t, string(content), "buildTimestamp")
	require.Contains(t, string(content), `"goVersion"`)
}
