/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Returns true if the environment variable "switch" is enabled.
// The environment variable is considered enabled if it is set to one of the "truthy" values:
// "1", "true", "on", or "yes".
func EnvVarSwitchEnabled(varName string) bool {
	value, found := lookupNonEmpty(varName)
	if !found {
		return false
	}

	return strings.EqualFold(value, "1") ||
		strings.EqualFold(value, "true") ||
		strings.EqualFold(value, "on") ||
		strings.EqualFold(value, "yes")
}

func EnvVarIntVal(varName string) (int, bool) {
	value, found := lookupNonEmpty(varName)
	if !found {
		return 0, false
	}

	val, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, false
	}

	return int(val), true
}

func EnvVarStringWithDefault(varName string, defaultVal string) string {
	if val, found := lookupNonEmpty(varName); found {
		return val
	}
	return defaultVal
}

func EnvVarIntValWithDefault(varName string, defaultVal int) int {
	if val, found := EnvVarIntVal(varName); found {
		return val
	}
	return defaultVal
}

// Reads a duration from the environment. Plain integers are interpreted as seconds.
func EnvVarDurationVal(varName string) (time.Duration, bool) {
	value, found := lookupNonEmpty(varName)
	if !found {
		return 0, false
	}

	if secs, intErr := strconv.ParseInt(value, 10, 32); intErr == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	val, err := time.ParseDuration(value)
	if err != nil || val < 0 {
		return 0, false
	}
	return val, true
}

func EnvVarDurationValWithDefault(varName string, defaultVal time.Duration) time.Duration {
	if val, found := EnvVarDurationVal(varName); found {
		return val
	}
	return defaultVal
}

func lookupNonEmpty(varName string) (string, bool) {
	value, found := os.LookupEnv(varName)
	if !found {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
