/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package extensionhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/microsoft/dapmux/pkg/resiliency"
)

const defaultRescanDelay = 200 * time.Millisecond

type ContributionWatcherConfig struct {
	// Every subfolder of Root that contains a manifest file is an extension folder.
	Root string

	// Where contributions are registered.
	Relay *Relay

	// How long to wait for file system changes to settle before rescanning.
	DebounceDelay time.Duration

	Logger logr.Logger
}

// ContributionWatcher keeps the debugger contributions of the extensions under a folder registered with the relay.
type ContributionWatcher struct {
	root  string
	relay *Relay
	delay time.Duration
	log   logr.Logger

	scanLock sync.Mutex
	known    map[string]bool
}

func NewContributionWatcher(config ContributionWatcherConfig) *ContributionWatcher {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	delay := config.DebounceDelay
	if delay <= 0 {
		delay = defaultRescanDelay
	}

	return &ContributionWatcher{
		root:  config.Root,
		relay: config.Relay,
		delay: delay,
		log:   log.WithName("contribution-watcher").WithValues("root", config.Root),
		known: make(map[string]bool),
	}
}

// Scan registers the contributions of every extension folder under the root, and withdraws the contributions
// of folders that have no manifest anymore. A folder with a broken manifest keeps its previous contributions.
func (w *ContributionWatcher) Scan(ctx context.Context) error {
	w.scanLock.Lock()
	defer w.scanLock.Unlock()

	entries, readErr := os.ReadDir(w.root)
	if readErr != nil {
		return fmt.Errorf("could not read extensions folder: %w", readErr)
	}

	var errs []error
	present := make(map[string]bool)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		folder := filepath.Join(w.root, entry.Name())
		manifestPath := filepath.Join(folder, ManifestFileName)
		if _, statErr := os.Stat(manifestPath); statErr != nil {
			continue
		}
		present[folder] = true

		manifest, loadErr := LoadManifest(manifestPath)
		if loadErr != nil {
			w.log.Error(loadErr, "Debugger manifest could not be loaded", "extensionFolder", folder)
			errs = append(errs, loadErr)
			continue
		}

		if regErr := w.relay.RegisterContributions(ctx, folder, manifest.Debuggers); regErr != nil {
			errs = append(errs, regErr)
		}
	}

	for folder := range w.known {
		if !present[folder] {
			if unregErr := w.relay.UnregisterContributions(ctx, folder); unregErr != nil {
				errs = append(errs, unregErr)
			}
		}
	}
	w.known = present

	return errors.Join(errs...)
}

// Watch scans the root, then keeps rescanning it whenever something under it changes, until the context is done.
func (w *ContributionWatcher) Watch(ctx context.Context) error {
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("could not create file system watcher: %w", watcherErr)
	}
	if addErr := watcher.Add(w.root); addErr != nil {
		_ = watcher.Close()
		return fmt.Errorf("could not watch extensions folder '%s': %w", w.root, addErr)
	}
	w.watchExtensionFolders(watcher)

	if scanErr := w.Scan(ctx); scanErr != nil {
		w.log.Error(scanErr, "Initial scan for debugger contributions was incomplete")
	}

	rescan := resiliency.NewDebounceLastAction(func(_ struct{}) {
		w.watchExtensionFolders(watcher)
		if scanErr := w.Scan(ctx); scanErr != nil {
			w.log.Error(scanErr, "Scan for debugger contributions was incomplete")
		}
	}, w.delay, 5*w.delay)

	go func() {
		defer func() {
			_ = resiliency.MakePanicError(recover(), w.log)
		}()
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				w.log.V(1).Info("Change in extensions folder", "event", event.String())
				rescan.Run(ctx, struct{}{})
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.Error(watchErr, "File system watcher reported an error")
			}
		}
	}()

	return nil
}

// Manifest changes happen inside extension folders, so those are watched too.
func (w *ContributionWatcher) watchExtensionFolders(watcher *fsnotify.Watcher) {
	entries, readErr := os.ReadDir(w.root)
	if readErr != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			folder := filepath.Join(w.root, entry.Name())
			if addErr := watcher.Add(folder); addErr != nil {
				w.log.V(1).Info("Could not watch extension folder", "extensionFolder", folder, "error", addErr.Error())
			}
		}
	}
}
