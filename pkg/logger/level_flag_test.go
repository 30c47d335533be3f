/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value    string
		expected zapcore.Level
		valid    bool
	}{
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"warn", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"1", zapcore.DebugLevel, true},
		{"4", zapcore.Level(-4), true},
		{"0", zapcore.InfoLevel, false},
		{"-2", zapcore.InfoLevel, false},
		{"loud", zapcore.InfoLevel, false},
	}

	for _, tc := range tests {
		level, err := StringToLevel(tc.value, zapcore.InfoLevel)
		if tc.valid {
			require.NoError(t, err, tc.value)
		} else {
			require.ErrorIs(t, err, ErrInvalidLevel, tc.value)
		}
		require.Equal(t, tc.expected, level, tc.value)
	}
}

func TestLevelFlagAppliesLevel(t *testing.T) {
	t.Parallel()

	var applied []zapcore.Level
	levelVal := NewLevelFlagValue(func(level zapcore.Level) { applied = append(applied, level) })

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "verbosity")

	require.NoError(t, fs.Parse([]string{"-v", "debug"}))
	require.Equal(t, []zapcore.Level{zapcore.DebugLevel}, applied)
	require.Equal(t, "debug", levelVal.String())

	require.Error(t, fs.Parse([]string{"--verbosity", "loud"}))
	require.Len(t, applied, 1, "invalid values must not change the level")

	found, ok := GetLevelFlagValue(fs)
	require.True(t, ok)
	require.Same(t, &levelVal, found)

	_, ok = GetLevelFlagValue(pflag.NewFlagSet("empty", pflag.ContinueOnError))
	require.False(t, ok)
}
