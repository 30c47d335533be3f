/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"fmt"
	"maps"
	"slices"
)

// DescriptorKind identifies an AdapterDescriptor variant.
type DescriptorKind string

const (
	DescriptorKindExecutable     DescriptorKind = "executable"
	DescriptorKindForkModule     DescriptorKind = "fork"
	DescriptorKindServer         DescriptorKind = "server"
	DescriptorKindNamedPipe      DescriptorKind = "pipeServer"
	DescriptorKindImplementation DescriptorKind = "implementation"

	// DefaultForkRuntime is used to run a ForkModule descriptor that does not name a runtime.
	DefaultForkRuntime = "node"
)

// AdapterDescriptor describes how to reach a concrete debug adapter.
// The set of implementations is closed: Executable, ForkModule, Server, NamedPipe and InlineImplementation.
type AdapterDescriptor interface {
	Kind() DescriptorKind
	isAdapterDescriptor()
}

// Executable runs the adapter as a child process speaking DAP over stdin/stdout.
type Executable struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ForkModule runs a module with a runtime (like Executable), with an extra control channel
// carried on file descriptors 3 (child to parent) and 4 (parent to child).
type ForkModule struct {
	ModulePath string            `json:"modulePath"`
	Args       []string          `json:"args,omitempty"`
	Runtime    string            `json:"runtime,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Server connects to an adapter that listens on a TCP port.
type Server struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port"`
}

// NamedPipe connects to an adapter that listens on a Unix domain socket.
type NamedPipe struct {
	Path string `json:"path"`
}

// InlineImplementation hosts the adapter in-process.
type InlineImplementation struct {
	Implementation InlineAdapter `json:"-"`
}

func (*Executable) Kind() DescriptorKind           { return DescriptorKindExecutable }
func (*ForkModule) Kind() DescriptorKind           { return DescriptorKindForkModule }
func (*Server) Kind() DescriptorKind               { return DescriptorKindServer }
func (*NamedPipe) Kind() DescriptorKind            { return DescriptorKindNamedPipe }
func (*InlineImplementation) Kind() DescriptorKind { return DescriptorKindImplementation }

func (*Executable) isAdapterDescriptor()           {}
func (*ForkModule) isAdapterDescriptor()           {}
func (*Server) isAdapterDescriptor()               {}
func (*NamedPipe) isAdapterDescriptor()            {}
func (*InlineImplementation) isAdapterDescriptor() {}

func (e *Executable) String() string {
	return fmt.Sprintf("executable '%s' %v", e.Command, e.Args)
}

func (s *Server) Address() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

// Clone returns a deep copy of the executable.
func (e *Executable) Clone() *Executable {
	return &Executable{
		Command: e.Command,
		Args:    slices.Clone(e.Args),
		Cwd:     e.Cwd,
		Env:     maps.Clone(e.Env),
	}
}

// DescriptorDTO is the wire shape of a descriptor, as accepted on the host API.
type DescriptorDTO struct {
	Type       DescriptorKind    `json:"type" yaml:"type"`
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`
	ModulePath string            `json:"modulePath,omitempty" yaml:"modulePath,omitempty"`
	Runtime    string            `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd        string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Host       string            `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int               `json:"port,omitempty" yaml:"port,omitempty"`
	Path       string            `json:"path,omitempty" yaml:"path,omitempty"`
}

// ConvertToDescriptor turns a wire descriptor into an AdapterDescriptor.
// Shapes that do not match any variant fail with ErrUnsupportedDescriptor.
// In-process implementations cannot travel over the wire and are rejected too.
func ConvertToDescriptor(dto *DescriptorDTO) (AdapterDescriptor, error) {
	if dto == nil {
		return nil, fmt.Errorf("%w: descriptor is missing", ErrUnsupportedDescriptor)
	}

	switch dto.Type {
	case DescriptorKindExecutable:
		if dto.Command == "" {
			return nil, fmt.Errorf("%w: executable descriptor requires a command", ErrUnsupportedDescriptor)
		}
		return &Executable{
			Command: dto.Command,
			Args:    slices.Clone(dto.Args),
			Cwd:     dto.Cwd,
			Env:     maps.Clone(dto.Env),
		}, nil

	case DescriptorKindForkModule:
		if dto.ModulePath == "" {
			return nil, fmt.Errorf("%w: fork descriptor requires a module path", ErrUnsupportedDescriptor)
		}
		return &ForkModule{
			ModulePath: dto.ModulePath,
			Args:       slices.Clone(dto.Args),
			Runtime:    dto.Runtime,
			Cwd:        dto.Cwd,
			Env:        maps.Clone(dto.Env),
		}, nil

	case DescriptorKindServer:
		if dto.Port <= 0 || dto.Port > 65535 {
			return nil, fmt.Errorf("%w: server descriptor has invalid port %d", ErrUnsupportedDescriptor, dto.Port)
		}
		return &Server{Host: dto.Host, Port: dto.Port}, nil

	case DescriptorKindNamedPipe:
		if dto.Path == "" {
			return nil, fmt.Errorf("%w: pipe descriptor requires a path", ErrUnsupportedDescriptor)
		}
		return &NamedPipe{Path: dto.Path}, nil

	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupportedDescriptor, dto.Type)
	}
}

// ValidateDescriptor checks that a descriptor is one of the known variants and is usable.
func ValidateDescriptor(descriptor AdapterDescriptor) error {
	switch d := descriptor.(type) {
	case *Executable:
		if d == nil || d.Command == "" {
			return fmt.Errorf("%w: executable descriptor requires a command", ErrUnsupportedDescriptor)
		}
	case *ForkModule:
		if d == nil || d.ModulePath == "" {
			return fmt.Errorf("%w: fork descriptor requires a module path", ErrUnsupportedDescriptor)
		}
	case *Server:
		if d == nil || d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("%w: server descriptor requires a valid port", ErrUnsupportedDescriptor)
		}
	case *NamedPipe:
		if d == nil || d.Path == "" {
			return fmt.Errorf("%w: pipe descriptor requires a path", ErrUnsupportedDescriptor)
		}
	case *InlineImplementation:
		if d == nil || d.Implementation == nil {
			return fmt.Errorf("%w: inline descriptor requires an implementation", ErrUnsupportedDescriptor)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedDescriptor, descriptor)
	}
	return nil
}
