/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/internal/dap"
	"github.com/microsoft/dapmux/pkg/resiliency"
)

var (
	ErrMissingDebugType        = errors.New("debug configuration has no type")
	ErrNoContribution          = errors.New("no debugger contribution for the debug type")
	ErrExecutableResolution    = errors.New("debug adapter executable could not be resolved")
	ErrDescriptorFactoryExists = errors.New("a debug adapter descriptor factory is already registered for the debug type")
	ErrSessionAborted          = errors.New("debug session was cancelled by a debug configuration resolver")
)

type RelayConfig struct {
	// Registry where sessions are created.
	Sessions *dap.Registry

	// Defaults to an empty registry.
	Contributions *ContributionRegistry

	// Defaults to an empty registry.
	Commands *CommandRegistry

	// Defaults to the platform the program runs on.
	Platform Platform

	// Optional connection to the main host, used for RPC-carried sessions and contribution announcements.
	HostProxy HostProxy

	Logger logr.Logger
}

type descriptorFactoryRegistration struct {
	id      uint64
	factory DescriptorFactory
}

type providerRegistration struct {
	id       uint64
	provider any
}

// Relay turns launch configurations into debug sessions, using debugger contributions,
// commands, descriptor factories and contribution providers registered by extensions.
type Relay struct {
	sessions      *dap.Registry
	contributions *ContributionRegistry
	commands      *CommandRegistry
	platform      Platform
	proxy         HostProxy
	log           logr.Logger

	lock                sync.Mutex
	nextID              uint64
	descriptorFactories map[string]descriptorFactoryRegistration
	trackerFactories    []trackerRegistration
	providers           map[string][]providerRegistration
	rpcChannels         map[string]*RPCChannel
}

func NewRelay(config RelayConfig) *Relay {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	r := &Relay{
		sessions:            config.Sessions,
		contributions:       config.Contributions,
		commands:            config.Commands,
		platform:            config.Platform,
		proxy:               config.HostProxy,
		log:                 log.WithName("extension-host-relay"),
		descriptorFactories: make(map[string]descriptorFactoryRegistration),
		providers:           make(map[string][]providerRegistration),
		rpcChannels:         make(map[string]*RPCChannel),
	}
	if r.contributions == nil {
		r.contributions = NewContributionRegistry()
	}
	if r.commands == nil {
		r.commands = NewCommandRegistry(log)
	}
	if r.platform == (Platform{}) {
		r.platform = CurrentPlatform()
	}
	return r
}

func (r *Relay) Contributions() *ContributionRegistry {
	return r.contributions
}

func (r *Relay) Commands() *CommandRegistry {
	return r.commands
}

// RegisterContributions replaces the contributions made by the extension in the given folder.
// If the relay is connected to the main host, the host is told about the change.
func (r *Relay) RegisterContributions(ctx context.Context, extensionFolder string, contributions []DebuggerContribution) error {
	removed := r.contributions.UnregisterFolder(extensionFolder)
	r.contributions.Register(extensionFolder, contributions)

	types := make([]string, 0, len(contributions))
	for _, c := range contributions {
		types = append(types, c.Type)
	}
	r.log.V(1).Info("Debugger contributions registered", "extensionFolder", extensionFolder, "types", types, "replaced", removed)

	if r.proxy != nil {
		if proxyErr := r.proxy.RegisterDebuggerContributions(ctx, extensionFolder, contributions); proxyErr != nil {
			return fmt.Errorf("could not announce debugger contributions to the host: %w", proxyErr)
		}
	}
	return nil
}

// UnregisterContributions removes every contribution made by the extension in the given folder.
func (r *Relay) UnregisterContributions(ctx context.Context, extensionFolder string) error {
	removed := r.contributions.UnregisterFolder(extensionFolder)
	if len(removed) == 0 {
		return nil
	}
	r.log.V(1).Info("Debugger contributions unregistered", "extensionFolder", extensionFolder, "types", removed)

	if r.proxy != nil {
		if proxyErr := r.proxy.UnregisterDebuggerContributions(ctx, removed); proxyErr != nil {
			return fmt.Errorf("could not withdraw debugger contributions from the host: %w", proxyErr)
		}
	}
	return nil
}

// RegisterDescriptorFactory installs the descriptor factory for a debug type. At most one factory per type is allowed.
func (r *Relay) RegisterDescriptorFactory(debugType string, factory DescriptorFactory) (func(), error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, exists := r.descriptorFactories[debugType]; exists {
		return nil, fmt.Errorf("%w: '%s'", ErrDescriptorFactoryExists, debugType)
	}
	r.nextID++
	id := r.nextID
	r.descriptorFactories[debugType] = descriptorFactoryRegistration{id: id, factory: factory}

	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		// A stale unregister must not remove a factory registered later for the same type.
		if r.descriptorFactories[debugType].id == id {
			delete(r.descriptorFactories, debugType)
		}
	}, nil
}

// RegisterTrackerFactory adds a tracker factory for a debug type, or for all types (AnyDebugType).
// Trackers are notified in factory registration order.
func (r *Relay) RegisterTrackerFactory(debugType string, factory TrackerFactory) func() {
	if factory == nil {
		return func() {}
	}

	r.lock.Lock()
	r.nextID++
	id := r.nextID
	r.trackerFactories = append(r.trackerFactories, trackerRegistration{id: id, debugType: debugType, factory: factory})
	r.lock.Unlock()

	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.trackerFactories = slices.DeleteFunc(r.trackerFactories, func(tr trackerRegistration) bool { return tr.id == id })
	}
}

// RegisterProvider adds a contribution provider for a debug type (or AnyDebugType). The provider may implement
// any subset of the capability interfaces: ExecutableProvider, SchemaAttributesProvider, ConfigurationSnippetsProvider,
// ConfigurationProvider, ConfigurationResolver and SubstitutedConfigurationResolver.
func (r *Relay) RegisterProvider(debugType string, provider any) func() {
	switch provider.(type) {
	case ExecutableProvider, SchemaAttributesProvider, ConfigurationSnippetsProvider,
		ConfigurationProvider, ConfigurationResolver, SubstitutedConfigurationResolver:
	default:
		r.log.V(1).Info("Contribution provider implements no known capability", "debugType", debugType, "provider", fmt.Sprintf("%T", provider))
	}

	r.lock.Lock()
	r.nextID++
	id := r.nextID
	r.providers[debugType] = append(r.providers[debugType], providerRegistration{id: id, provider: provider})
	r.lock.Unlock()

	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		remaining := slices.DeleteFunc(r.providers[debugType], func(pr providerRegistration) bool { return pr.id == id })
		if len(remaining) == 0 {
			delete(r.providers, debugType)
		} else {
			r.providers[debugType] = remaining
		}
	}
}

// ResolveExecutable determines the debug adapter executable for a launch configuration.
// In order of precedence: the contribution's adapter executable command, the executable providers
// registered for the type, and the program declared by the contribution.
func (r *Relay) ResolveExecutable(ctx context.Context, config DebugConfiguration) (*dap.Executable, error) {
	debugType := config.Type()
	if debugType == "" {
		return nil, ErrMissingDebugType
	}

	contribution, extensionFolder, found := r.contributions.Get(debugType)

	if found && contribution.AdapterExecutableCommand != "" {
		result, cmdErr := r.commands.Execute(ctx, contribution.AdapterExecutableCommand)
		if cmdErr != nil {
			return nil, fmt.Errorf("%w for '%s': %w", ErrExecutableResolution, debugType, cmdErr)
		}
		switch exe := result.(type) {
		case *dap.Executable:
			if exe != nil && exe.Command != "" {
				return exe.Clone(), nil
			}
		case dap.Executable:
			if exe.Command != "" {
				return exe.Clone(), nil
			}
		}
		return nil, fmt.Errorf("%w for '%s': command '%s' did not return an executable", ErrExecutableResolution, debugType, contribution.AdapterExecutableCommand)
	}

	for _, provider := range r.providersFor(debugType) {
		ep, isExecutableProvider := provider.(ExecutableProvider)
		if !isExecutableProvider {
			continue
		}
		exe, ok := callProvider(r.log, debugType, "executable", func() (*dap.Executable, error) {
			return ep.ProvideDebugAdapterExecutable(ctx, config)
		})
		if ok && exe != nil && exe.Command != "" {
			return exe.Clone(), nil
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: '%s'", ErrNoContribution, debugType)
	}

	exe := ResolveContributionExecutable(extensionFolder, contribution, r.platform)
	if exe == nil {
		return nil, fmt.Errorf("%w for '%s': the contribution declares no program", ErrExecutableResolution, debugType)
	}
	return exe, nil
}

// GetDescriptor decides how the session reaches its debug adapter. A registered descriptor factory
// has the first say; otherwise a "debugServer" port in the configuration selects a Server descriptor,
// and the resolved executable is used as the last resort.
func (r *Relay) GetDescriptor(ctx context.Context, session DebugSession, executable *dap.Executable) (dap.AdapterDescriptor, error) {
	r.lock.Lock()
	factory := r.descriptorFactories[session.Type].factory
	r.lock.Unlock()

	if factory != nil {
		var descriptor dap.AdapterDescriptor
		factoryErr := resiliency.SafeCall(r.log, func() error {
			var createErr error
			descriptor, createErr = factory.CreateDebugAdapterDescriptor(ctx, session, executable)
			return createErr
		})
		if factoryErr != nil {
			return nil, fmt.Errorf("debug adapter descriptor factory for '%s' failed: %w", session.Type, factoryErr)
		}
		if descriptor != nil {
			if validationErr := dap.ValidateDescriptor(descriptor); validationErr != nil {
				return nil, validationErr
			}
			return descriptor, nil
		}
	}

	port, hasServer, portErr := session.Configuration.DebugServer()
	if portErr != nil {
		return nil, portErr
	}
	if hasServer {
		return &dap.Server{Port: port}, nil
	}

	if executable == nil {
		return nil, fmt.Errorf("%w for '%s'", ErrExecutableResolution, session.Type)
	}
	return executable, nil
}

// CreateSession runs the configuration through the registered configuration resolvers,
// resolves the debug adapter for the result and registers a session for it.
// The session starts when a channel is opened for it. Resolution failures are returned
// before anything is launched.
func (r *Relay) CreateSession(ctx context.Context, config DebugConfiguration) (string, error) {
	if config.Type() == "" {
		return "", ErrMissingDebugType
	}

	config, resolveErr := r.ResolveDebugConfiguration(ctx, config)
	if resolveErr != nil {
		return "", resolveErr
	}
	config, resolveErr = r.ResolveDebugConfigurationWithSubstitutedVariables(ctx, config)
	if resolveErr != nil {
		return "", resolveErr
	}

	executable, resolutionErr := r.ResolveExecutable(ctx, config)
	if resolutionErr != nil {
		return "", resolutionErr
	}

	info := DebugSession{
		Type:          config.Type(),
		Name:          config.Name(),
		Configuration: config,
	}

	descriptor, descriptorErr := r.GetDescriptor(ctx, info, executable)
	if descriptorErr != nil {
		return "", descriptorErr
	}

	trackers := newCompositeTracker(r.log.WithName("trackers"))
	session, createErr := r.sessions.Create(descriptor, dap.WithDebugType(info.Type), dap.WithObserver(trackers))
	if createErr != nil {
		return "", createErr
	}

	// The session id is unknown to anyone else until we return it, so the trackers are in place
	// before the session can be started.
	info.ID = session.ID()
	trackers.attach(r.createTrackers(ctx, info)...)

	r.log.V(1).Info("Debug session created", "session", info.ID, "debugType", info.Type, "name", info.Name, "descriptor", descriptor.Kind())
	return info.ID, nil
}

// TerminateSession stops the session and removes it from the registry.
func (r *Relay) TerminateSession(id string) error {
	session, found := r.sessions.Find(id)
	if !found {
		return fmt.Errorf("%w: '%s'", dap.ErrSessionNotFound, id)
	}

	stopErr := session.Stop()
	r.sessions.Remove(id)
	return stopErr
}

// ProvideDebugConfigurations returns the initial launch configurations offered by the
// configuration providers registered for the type.
func (r *Relay) ProvideDebugConfigurations(ctx context.Context, debugType string) []DebugConfiguration {
	retval := []DebugConfiguration{}
	for _, provider := range r.providersFor(debugType) {
		cp, isConfigurationProvider := provider.(ConfigurationProvider)
		if !isConfigurationProvider {
			continue
		}
		configs, ok := callProvider(r.log, debugType, "debugConfigurations", func() ([]DebugConfiguration, error) {
			return cp.ProvideDebugConfigurations(ctx)
		})
		if ok {
			retval = append(retval, configs...)
		}
	}
	return retval
}

// ResolveDebugConfiguration chains the configuration through the resolvers registered for its type,
// then through those registered for AnyDebugType. A resolver returning nil cancels the session
// (ErrSessionAborted). Failing resolvers are skipped.
func (r *Relay) ResolveDebugConfiguration(ctx context.Context, config DebugConfiguration) (DebugConfiguration, error) {
	return r.resolveConfigurationChain(config, "resolveDebugConfiguration", func(provider any, current DebugConfiguration) (DebugConfiguration, bool) {
		cr, isResolver := provider.(ConfigurationResolver)
		if !isResolver {
			return nil, false
		}
		return callProvider(r.log, current.Type(), "resolveDebugConfiguration", func() (DebugConfiguration, error) {
			return cr.ResolveDebugConfiguration(ctx, current)
		})
	})
}

// ResolveDebugConfigurationWithSubstitutedVariables is the second resolution pass,
// chained the same way as ResolveDebugConfiguration.
func (r *Relay) ResolveDebugConfigurationWithSubstitutedVariables(ctx context.Context, config DebugConfiguration) (DebugConfiguration, error) {
	return r.resolveConfigurationChain(config, "resolveDebugConfigurationWithSubstitutedVariables", func(provider any, current DebugConfiguration) (DebugConfiguration, bool) {
		sr, isResolver := provider.(SubstitutedConfigurationResolver)
		if !isResolver {
			return nil, false
		}
		return callProvider(r.log, current.Type(), "resolveDebugConfigurationWithSubstitutedVariables", func() (DebugConfiguration, error) {
			return sr.ResolveDebugConfigurationWithSubstitutedVariables(ctx, current)
		})
	})
}

// The resolve function returns false when the provider does not take part (or failed).
func (r *Relay) resolveConfigurationChain(
	config DebugConfiguration,
	stage string,
	resolve func(provider any, current DebugConfiguration) (DebugConfiguration, bool),
) (DebugConfiguration, error) {
	current := config
	providers := append(r.providersFor(config.Type()), r.providersFor(AnyDebugType)...)

	for _, provider := range providers {
		next, took := resolve(provider, current)
		if !took {
			continue
		}
		if next == nil {
			r.log.V(1).Info("Debug configuration resolver cancelled the session", "debugType", current.Type(), "stage", stage)
			return nil, fmt.Errorf("%w: '%s'", ErrSessionAborted, current.Name())
		}
		current = next
	}

	if current.Type() == "" {
		return nil, ErrMissingDebugType
	}
	return current, nil
}

// SupportedLanguages returns the languages the debugger for the type supports.
func (r *Relay) SupportedLanguages(debugType string) []string {
	contribution, _, found := r.contributions.Get(debugType)
	if !found || len(contribution.Languages) == 0 {
		return []string{}
	}
	return append([]string(nil), contribution.Languages...)
}

// SchemaAttributes returns the launch configuration schemas for the type: those declared by
// the contribution (ordered by request name) followed by those from providers.
func (r *Relay) SchemaAttributes(debugType string) []map[string]any {
	retval := []map[string]any{}

	if contribution, _, found := r.contributions.Get(debugType); found {
		requests := make([]string, 0, len(contribution.ConfigurationAttributes))
		for request := range contribution.ConfigurationAttributes {
			requests = append(requests, request)
		}
		sort.Strings(requests)
		for _, request := range requests {
			if schema, isSchema := contribution.ConfigurationAttributes[request].(map[string]any); isSchema {
				retval = append(retval, schema)
			}
		}
	}

	for _, provider := range r.providersFor(debugType) {
		sp, isSchemaProvider := provider.(SchemaAttributesProvider)
		if !isSchemaProvider {
			continue
		}
		if schemas, ok := callProvider(r.log, debugType, "schemaAttributes", sp.SchemaAttributes); ok {
			retval = append(retval, schemas...)
		}
	}
	return retval
}

// ConfigurationSnippets returns launch configuration snippets for the type,
// from the contribution and from providers.
func (r *Relay) ConfigurationSnippets(debugType string) []map[string]any {
	retval := []map[string]any{}

	if contribution, _, found := r.contributions.Get(debugType); found {
		retval = append(retval, contribution.ConfigurationSnippets...)
	}

	for _, provider := range r.providersFor(debugType) {
		sp, isSnippetsProvider := provider.(ConfigurationSnippetsProvider)
		if !isSnippetsProvider {
			continue
		}
		if snippets, ok := callProvider(r.log, debugType, "configurationSnippets", sp.ConfigurationSnippets); ok {
			retval = append(retval, snippets...)
		}
	}
	return retval
}

func (r *Relay) createTrackers(ctx context.Context, session DebugSession) []Tracker {
	r.lock.Lock()
	registrations := make([]trackerRegistration, 0, len(r.trackerFactories))
	for _, tr := range r.trackerFactories {
		if tr.appliesTo(session.Type) {
			registrations = append(registrations, tr)
		}
	}
	r.lock.Unlock()

	var trackers []Tracker
	for _, tr := range registrations {
		tracker, ok := callProvider(r.log, session.Type, "tracker", func() (Tracker, error) {
			return tr.factory.CreateTracker(ctx, session)
		})
		if ok && tracker != nil {
			trackers = append(trackers, tracker)
		}
	}
	return trackers
}

func (r *Relay) providersFor(debugType string) []any {
	r.lock.Lock()
	defer r.lock.Unlock()
	registrations := r.providers[debugType]
	retval := make([]any, 0, len(registrations))
	for _, pr := range registrations {
		retval = append(retval, pr.provider)
	}
	return retval
}
