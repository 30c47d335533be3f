/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

var (
	namedLevels = map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}

	ErrInvalidLevel = errors.New("invalid log level")
)

// LevelFlagValue is a pflag.Value that applies the parsed level as soon as the flag is set.
type LevelFlagValue struct {
	apply func(zapcore.Level)
	value string
}

func NewLevelFlagValue(apply func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{apply: apply}
}

// StringToLevel parses a level name, or a positive integer N meaning logr verbosity N.
// On failure, defaultLevel is returned together with the error.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, isNamed := namedLevels[strings.ToLower(strings.TrimSpace(value))]; isNamed {
		return level, nil
	}

	verbosity, parseErr := strconv.Atoi(value)
	if parseErr != nil || verbosity <= 0 || verbosity > 127 {
		return defaultLevel, fmt.Errorf("%w '%s': use debug, info, warn, error, or a positive verbosity number", ErrInvalidLevel, value)
	}

	// logr V(n) maps to zap level -n.
	return zapcore.Level(int8(-verbosity)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}

	lfv.value = flagValue
	if lfv.apply != nil {
		lfv.apply(level)
	}
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}

// GetLevelFlagValue returns the verbosity flag registered with AddLevelFlag, if present in the flag set.
func GetLevelFlagValue(fs *pflag.FlagSet) (*LevelFlagValue, bool) {
	if fs == nil {
		return nil, false
	}

	if f := fs.Lookup(verbosityFlagName); f != nil {
		levelVal, ok := f.Value.(*LevelFlagValue)
		return levelVal, ok
	}
	return nil, false
}

var _ pflag.Value = &LevelFlagValue{}
