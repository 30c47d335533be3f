/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/pkg/process"
	"github.com/microsoft/dapmux/pkg/resiliency"
)

const (
	// DefaultAdapterConnectionTimeout is the default timeout for connecting to a debug adapter endpoint.
	DefaultAdapterConnectionTimeout = 10 * time.Second

	// DefaultAdapterStopTimeout is how long an adapter process is given to exit after it has been asked to stop,
	// before it is killed.
	DefaultAdapterStopTimeout = 5 * time.Second
)

// AdapterLauncher produces a StreamConnection for an adapter descriptor.
type AdapterLauncher interface {
	Launch(ctx context.Context, descriptor AdapterDescriptor) (StreamConnection, error)
}

type LauncherConfig struct {
	// Executor used to run adapter processes. If nil, an OS executor is created.
	Executor process.Executor

	// Where adapter processes write their stderr. Defaults to the host's stderr.
	Stderr io.Writer

	// Grace period between asking an adapter process to exit and killing it.
	StopTimeout time.Duration

	// Timeout for connecting to Server and NamedPipe endpoints.
	ConnectionTimeout time.Duration

	Logger logr.Logger
}

// Launcher is the AdapterLauncher for all descriptor variants.
type Launcher struct {
	executor          process.Executor
	stderr            io.Writer
	stopTimeout       time.Duration
	connectionTimeout time.Duration
	log               logr.Logger
}

func NewLauncher(config LauncherConfig) *Launcher {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	executor := config.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}

	stderr := config.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	stopTimeout := config.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultAdapterStopTimeout
	}

	connectionTimeout := config.ConnectionTimeout
	if connectionTimeout <= 0 {
		connectionTimeout = DefaultAdapterConnectionTimeout
	}

	return &Launcher{
		executor:          executor,
		stderr:            stderr,
		stopTimeout:       stopTimeout,
		connectionTimeout: connectionTimeout,
		log:               log.WithName("adapter-launcher"),
	}
}

// Launch starts or connects to the adapter described by the descriptor.
// Adapter processes are stopped when the passed context is cancelled.
func (l *Launcher) Launch(ctx context.Context, descriptor AdapterDescriptor) (StreamConnection, error) {
	if validationErr := ValidateDescriptor(descriptor); validationErr != nil {
		return nil, validationErr
	}

	switch d := descriptor.(type) {
	case *Executable:
		return l.launchExecutable(ctx, d)
	case *ForkModule:
		return l.launchForkModule(ctx, d)
	case *Server:
		return l.connectServer(ctx, d)
	case *NamedPipe:
		return l.connectNamedPipe(ctx, d)
	case *InlineImplementation:
		return l.hostInlineAdapter(ctx, d)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedDescriptor, descriptor)
	}
}

func (l *Launcher) launchExecutable(ctx context.Context, d *Executable) (StreamConnection, error) {
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.Cwd
	cmd.Env = buildEnv(d.Env)
	cmd.Stderr = l.stderr

	ps, startErr := l.startProcess(ctx, cmd, false)
	if startErr != nil {
		return nil, fmt.Errorf("failed to start debug adapter %s: %w", d.String(), startErr)
	}

	l.log.Info("Launched debug adapter process",
		"command", d.Command,
		"args", d.Args,
		"pid", ps.pid)
	return ps, nil
}

func (l *Launcher) launchForkModule(ctx context.Context, d *ForkModule) (StreamConnection, error) {
	runtimeCmd := d.Runtime
	if runtimeCmd == "" {
		runtimeCmd = DefaultForkRuntime
	}

	cmd := exec.Command(runtimeCmd, append([]string{d.ModulePath}, d.Args...)...)
	cmd.Dir = d.Cwd
	cmd.Env = buildEnv(d.Env)
	cmd.Stderr = l.stderr

	// Extra inherited file descriptors are not available on Windows.
	withControl := runtime.GOOS != "windows"
	ps, startErr := l.startProcess(ctx, cmd, withControl)
	if startErr != nil {
		return nil, fmt.Errorf("failed to fork debug adapter module '%s': %w", d.ModulePath, startErr)
	}

	l.log.Info("Forked debug adapter module",
		"runtime", runtimeCmd,
		"module", d.ModulePath,
		"args", d.Args,
		"pid", ps.pid)
	return ps, nil
}

func (l *Launcher) startProcess(ctx context.Context, cmd *exec.Cmd, withControl bool) (*processStream, error) {
	// Pipes are created explicitly (instead of cmd.StdoutPipe() etc.) so that the parent ends
	// stay open until the stream is disposed, even after the process has been waited on.
	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}
	newPipe := func() (*os.File, *os.File, error) {
		r, w, pipeErr := os.Pipe()
		if pipeErr != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return nil, nil, fmt.Errorf("failed to create pipe: %w", pipeErr)
		}
		return r, w, nil
	}

	stdinR, stdinW, err := newPipe()
	if err != nil {
		return nil, err
	}
	parentEnds, childEnds = append(parentEnds, stdinW), append(childEnds, stdinR)

	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		return nil, err
	}
	parentEnds, childEnds = append(parentEnds, stdoutR), append(childEnds, stdoutW)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	ps := &processStream{
		executor:    l.executor,
		stopTimeout: l.stopTimeout,
		stdin:       stdinW,
		stdout:      stdoutR,
		exitCode:    process.UnknownExitCode,
		done:        make(chan struct{}),
		log:         l.log,
	}

	if withControl {
		// fd 3: child -> parent, fd 4: parent -> child
		fromChildR, fromChildW, pipeErr := newPipe()
		if pipeErr != nil {
			return nil, pipeErr
		}
		parentEnds, childEnds = append(parentEnds, fromChildR), append(childEnds, fromChildW)

		toChildR, toChildW, pipeErr := newPipe()
		if pipeErr != nil {
			return nil, pipeErr
		}
		parentEnds, childEnds = append(parentEnds, toChildW), append(childEnds, toChildR)

		cmd.ExtraFiles = []*os.File{fromChildW, toChildR}
		ps.controlIn = fromChildR
		ps.controlOut = toChildW
	}

	exitHandler := process.ProcessExitHandlerFunc(func(pid int32, exitCode int32, exitErr error) {
		ps.onExited(exitCode, exitErr)
		if exitErr != nil {
			l.log.V(1).Info("Debug adapter process exited with error",
				"pid", pid,
				"exitCode", exitCode,
				"error", exitErr)
		} else {
			l.log.V(1).Info("Debug adapter process exited",
				"pid", pid,
				"exitCode", exitCode)
		}
	})

	pid, startErr := l.executor.StartProcess(ctx, cmd, exitHandler)
	// The child has its own copies now (or failed to start); either way the parent does not need them.
	closeAll(childEnds)
	if startErr != nil {
		closeAll(parentEnds)
		return nil, startErr
	}

	ps.pid = pid
	ps.guard = &disposeGuard{disposeFn: ps.release}
	ps.input = &guardedWriter{w: stdinW, guard: ps.guard}
	ps.output = &guardedReader{r: stdoutR, guard: ps.guard}
	return ps, nil
}

func (l *Launcher) connectServer(ctx context.Context, d *Server) (StreamConnection, error) {
	address := d.Address()
	conn, dialErr := l.dialWithRetry(ctx, "tcp", address)
	if dialErr != nil {
		return nil, dialErr
	}

	l.log.Info("Connected to debug adapter server", "address", address)
	return newSocketStream(conn, nil), nil
}

func (l *Launcher) connectNamedPipe(ctx context.Context, d *NamedPipe) (StreamConnection, error) {
	if strings.HasPrefix(d.Path, `\\.\pipe\`) {
		return nil, fmt.Errorf("%w: Windows named pipes are not supported, use a Unix domain socket path", ErrUnsupportedDescriptor)
	}

	conn, dialErr := l.dialWithRetry(ctx, "unix", d.Path)
	if dialErr != nil {
		return nil, dialErr
	}

	l.log.Info("Connected to debug adapter pipe server", "path", d.Path)
	return newSocketStream(conn, nil), nil
}

// The adapter endpoint may not be listening yet (e.g. the adapter was started by a contribution
// a moment ago), so connecting is retried with back-off until the connection timeout.
func (l *Launcher) dialWithRetry(ctx context.Context, network, address string) (net.Conn, error) {
	conn, dialErr := resiliency.RetryGetWithTimeout(ctx, l.connectionTimeout, func() (net.Conn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, network, address)
		if err != nil {
			l.log.V(1).Info("Debug adapter endpoint not reachable yet", "network", network, "address", address, "error", err.Error())
		}
		return c, err
	})
	if dialErr != nil {
		if ctx.Err() == nil {
			return nil, fmt.Errorf("%w: could not connect to %s %s: %w", ErrAdapterConnectionTimeout, network, address, dialErr)
		}
		return nil, fmt.Errorf("could not connect to %s %s: %w", network, address, dialErr)
	}
	return conn, nil
}

// processStream is a StreamConnection over the stdio pipes of an adapter process.
type processStream struct {
	pid         int32
	executor    process.Executor
	stopTimeout time.Duration
	stdin       *os.File
	stdout      *os.File
	controlIn   *os.File
	controlOut  *os.File
	guard       *disposeGuard
	input       io.Writer
	output      io.Reader
	log         logr.Logger

	lock     sync.Mutex
	exitCode int32
	exited   bool
	done     chan struct{}
}

func (ps *processStream) Input() io.Writer      { return ps.input }
func (ps *processStream) Output() io.Reader     { return ps.output }
func (ps *processStream) Dispose() error        { return ps.guard.dispose() }
func (ps *processStream) Done() <-chan struct{} { return ps.done }
func (ps *processStream) Pid() int32            { return ps.pid }

func (ps *processStream) ExitCode() (int32, bool) {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.exitCode, ps.exited && ps.exitCode != process.UnknownExitCode
}

// ControlChannel returns the auxiliary channel of a forked module: a reader for fd 3 of the child
// and a writer for its fd 4. Both are nil for plain executables.
func (ps *processStream) ControlChannel() (io.Reader, io.Writer) {
	if ps.controlIn == nil {
		return nil, nil
	}
	return ps.controlIn, ps.controlOut
}

func (ps *processStream) onExited(exitCode int32, _ error) {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	if ps.exited {
		return
	}
	ps.exitCode = exitCode
	ps.exited = true
	close(ps.done)
}

func (ps *processStream) hasExited() bool {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.exited
}

// Closes stdin (a well-behaved adapter exits on EOF), then stops the process.
func (ps *processStream) release() error {
	var errs []error
	if closeErr := ps.stdin.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close adapter stdin: %w", closeErr))
	}

	if !ps.hasExited() {
		stopErr := ps.executor.StopProcess(ps.pid, ps.stopTimeout)
		if stopErr != nil && !errors.Is(stopErr, process.ErrProcessNotFound) {
			errs = append(errs, stopErr)
		}
	}

	for _, f := range []*os.File{ps.stdout, ps.controlIn, ps.controlOut} {
		if f == nil {
			continue
		}
		if closeErr := f.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			errs = append(errs, closeErr)
		}
	}

	ps.log.V(1).Info("Debug adapter process stream disposed", "pid", ps.pid)
	return errors.Join(errs...)
}

// ControlChannelProvider is implemented by stream connections that carry an auxiliary control channel.
type ControlChannelProvider interface {
	ControlChannel() (io.Reader, io.Writer)
}

// The parent environment merged with descriptor overrides (overrides win).
func buildEnv(overrides map[string]string) []string {
	env := slices.Clone(os.Environ())
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

var (
	_ StreamConnection       = (*processStream)(nil)
	_ ExitCodeProvider       = (*processStream)(nil)
	_ ControlChannelProvider = (*processStream)(nil)
	_ AdapterLauncher        = (*Launcher)(nil)
)
