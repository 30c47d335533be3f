/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/dapmux/pkg/osutil"
)

const (
	DAPMUX_DIAGNOSTICS_LOG_FOLDER = "DAPMUX_DIAGNOSTICS_LOG_FOLDER" // Folder to write diagnostics logs to (diagnostics log is disabled if not set)
	DAPMUX_DIAGNOSTICS_LOG_LEVEL  = "DAPMUX_DIAGNOSTICS_LOG_LEVEL"  // Log level to include in diagnostics logs (defaults to debug)

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

type Logger struct {
	logr.Logger
	name        string
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a logger that writes human-readable output to stderr and, if enabled,
// machine-readable diagnostics to a log file.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = "\r\n"
	}
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	consoleAtomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), consoleAtomicLevel),
	}

	var closeDiagnosticsLog func()
	diagnosticsCore, logFile, diagnosticsLogErr := getDiagnosticsLogCore(name, encoderConfig)
	if diagnosticsLogErr == nil {
		cores = append(cores, diagnosticsCore)
		closeDiagnosticsLog = func() { _ = logFile.Close() }
	} else if errors.Is(diagnosticsLogErr, errDiagnosticsLogNotEnabled) {
		diagnosticsLogErr = nil
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zapLogger).WithName(name)

	if diagnosticsLogErr != nil {
		log.Error(diagnosticsLogErr, "Failed to enable diagnostics log output")
	}

	return &Logger{
		Logger:      log,
		name:        name,
		atomicLevel: consoleAtomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
			if closeDiagnosticsLog != nil {
				closeDiagnosticsLog()
			}
		},
	}
}

func (l *Logger) WithName(name string) *Logger {
	l.Logger = l.Logger.WithName(name)
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// Add verbosity flag to enable setting console log level
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
}

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

func getDiagnosticsLogCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, *os.File, error) {
	logFolder, found := os.LookupEnv(DAPMUX_DIAGNOSTICS_LOG_FOLDER)
	if !found || logFolder == "" {
		return nil, nil, errDiagnosticsLogNotEnabled
	}

	logLevel, levelErr := StringToLevel(osutil.EnvVarStringWithDefault(DAPMUX_DIAGNOSTICS_LOG_LEVEL, "debug"), zapcore.DebugLevel)
	if levelErr != nil {
		return nil, nil, levelErr
	}

	info, statErr := os.Stat(logFolder)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if mkdirErr := os.MkdirAll(logFolder, osutil.PermissionOnlyOwnerReadWriteTraverse); mkdirErr != nil {
			return nil, nil, fmt.Errorf("failed to create the diagnostic log folder '%s': %w", logFolder, mkdirErr)
		}
	case statErr != nil:
		return nil, nil, fmt.Errorf("failed to verify the existence of the diagnostic log folder '%s': %w", logFolder, statErr)
	case !info.IsDir():
		return nil, nil, fmt.Errorf("'%s' is not a directory and cannot be used as a log folder", logFolder)
	}

	logName := fmt.Sprintf("%s-%d-%d.log", name, time.Now().UnixMilli(), os.Getpid())
	logFile, openErr := os.OpenFile(filepath.Join(logFolder, logName), os.O_RDWR|os.O_CREATE|os.O_EXCL, osutil.PermissionOnlyOwnerReadWrite)
	if openErr != nil {
		return nil, nil, fmt.Errorf("failed to create log file: %w", openErr)
	}

	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logFile), zap.NewAtomicLevelAt(logLevel)), logFile, nil
}
