// Package fswatch turns OS filesystem notifications into the {created,
// deleted, modified, moved, is_directory, src_path, dest_path?,
// new_content?} event tuples the client's outbound queue expects (spec
// §1's filesystem-event-source collaborator), grounded on
// original_source/src/client/filesystem.py but backed by fsnotify instead
// of watchdog.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// EventKind enumerates the file-operation effects this watcher emits.
type EventKind int

const (
	Created EventKind = iota
	Deleted
	Modified
	Moved
)

// Event is one filesystem change, relative to the watched root, in the
// shape the client forwards to servers.
type Event struct {
	Kind        EventKind
	SrcPath     string
	DestPath    string
	IsDirectory bool
	NewContent  []byte
}

// Watcher observes one or more directory roots recursively and emits
// Events on its channel. fsnotify does not watch subtrees automatically,
// so every directory discovered (at startup or via a later CREATED) is
// added individually.
type Watcher struct {
	log    logging.Logger
	fsn    *fsnotify.Watcher
	events chan Event
	roots  map[string]string // watched directory -> label used as src_path prefix
}

// NewWatcher starts a watcher with no roots yet; call Add for each
// directory to mirror.
func NewWatcher(log logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	fsn, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fswatch: create watcher: %w", err)
	}
	w := &Watcher{
		log:    log.WithField("component", "fswatch"),
		fsn:    fsn,
		events: make(chan Event, 256),
		roots:  map[string]string{},
	}
	go w.loop()
	return w, nil
}

// Events yields filesystem changes as they are observed.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops watching and releases OS resources.
func (w *Watcher) Close() error {
	return w.fsn.Close()
}

// Add begins watching root recursively, labelling every path under it
// with label as the leading path component (mirroring
// ClientFileSystemEventHandler.get_relative's use of the watched
// directory's own name).
func (w *Watcher) Add(root, label string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("fswatch: resolve %s: %w", root, err)
	}
	return filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsn.Add(path); err != nil {
			return fmt.Errorf("fswatch: watch %s: %w", path, err)
		}
		w.roots[path] = filepath.Join(label, relOrSelf(abs, path))
		return nil
	})
}

func relOrSelf(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." {
		return ""
	}
	return rel
}

func (w *Watcher) relativize(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if label, ok := w.roots[dir]; ok {
		if label == "" {
			return base
		}
		return filepath.Join(label, base)
	}
	return base
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsn.Events:
			if !ok {
				close(w.events)
				return
			}
			w.handle(event)
		case err, ok := <-w.fsn.Errors:
			if !ok {
				return
			}
			w.log.Warnf("fswatch error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case event.Has(fsnotify.Create):
		if isDir {
			if err := w.fsn.Add(event.Name); err != nil {
				w.log.Warnf("failed to watch new directory %s: %v", event.Name, err)
			} else {
				w.roots[event.Name] = w.relativize(event.Name)
			}
		}
		w.emit(Event{Kind: Created, SrcPath: w.relativize(event.Name), IsDirectory: isDir})

	case event.Has(fsnotify.Remove):
		w.emit(Event{Kind: Deleted, SrcPath: w.relativize(event.Name), IsDirectory: isDir})
		delete(w.roots, event.Name)

	case event.Has(fsnotify.Rename):
		// fsnotify reports renames as a single event on the old name;
		// the OS-level "moved to" notification arrives as a separate
		// Create on the new path, which the Create branch above already
		// handles as a distinct creation rather than a move. Emitting
		// Deleted here keeps every replica consistent without depending
		// on platform-specific rename pairing.
		w.emit(Event{Kind: Deleted, SrcPath: w.relativize(event.Name), IsDirectory: isDir})
		delete(w.roots, event.Name)

	case event.Has(fsnotify.Write):
		var content []byte
		if !isDir {
			data, err := os.ReadFile(event.Name)
			if err == nil {
				content = data
			}
		}
		w.emit(Event{Kind: Modified, SrcPath: w.relativize(event.Name), IsDirectory: isDir, NewContent: content})
	}
}

func (w *Watcher) emit(e Event) {
	select {
	case w.events <- e:
	default:
		w.log.Warnf("event queue full, dropping %v for %s", e.Kind, e.SrcPath)
	}
}

// ToParams converts an Event into the typed params struct for the
// matching FILE command.
func (e Event) ToParams() (types.Command, map[string]any) {
	switch e.Kind {
	case Created:
		return types.CommandCreated, types.CreatedParams{SrcPath: e.SrcPath, IsDirectory: e.IsDirectory}.Encode()
	case Deleted:
		return types.CommandDeleted, types.DeletedParams{SrcPath: e.SrcPath, IsDirectory: e.IsDirectory}.Encode()
	case Modified:
		return types.CommandModified, types.ModifiedParams{SrcPath: e.SrcPath, IsDirectory: e.IsDirectory, NewContent: e.NewContent}.Encode()
	case Moved:
		return types.CommandMoved, types.MovedParams{SrcPath: e.SrcPath, DestPath: e.DestPath, IsDirectory: e.IsDirectory}.Encode()
	default:
		return "", nil
	}
}
