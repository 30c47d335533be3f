/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at build time with -ldflags "-X ...".
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type VersionOutput struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty"`
	GoVersion  string     `json:"goVersion"`
	Platform   string     `json:"platform"`
}

func Version() VersionOutput {
	retval := VersionOutput{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if retval.Version == "" {
		retval.Version = DevelopmentVersion
	}

	if buildTime, ok := parseBuildTimestamp(BuildTimestamp); ok {
		retval.BuildTime = &buildTime
	}

	// Binaries built from a checkout carry the revision even without ldflags.
	if retval.CommitHash == "" {
		if info, hasInfo := debug.ReadBuildInfo(); hasInfo {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					retval.CommitHash = setting.Value
				}
			}
		}
	}

	return retval
}

// The timestamp is either Unix seconds or RFC 3339.
func parseBuildTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}
