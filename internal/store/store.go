// Package store persists revision history and environment pointers as plain
// YAML files, one artifact per revision, suitable for review in version
// control.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/revision"
)

const (
	versionsDir = "versions"
	pointersDir = "pointers"
)

// ErrAlreadyInitialized is returned by Init when the migrations directory
// already exists and force was not requested.
var ErrAlreadyInitialized = errors.New("migrations directory already initialized")

// CorruptArtifactError reports a stored revision whose content does not
// match the hash embedded in its id.
type CorruptArtifactError struct {
	Path string
	ID   string
}

func (e *CorruptArtifactError) Error() string {
	return fmt.Sprintf("corrupt revision artifact %s: content hash does not match id %s", e.Path, e.ID)
}

// Store manages one project's migration directory. It is the sole writer of
// environment pointers and the durable home of revision artifacts.
type Store struct {
	project string
	dir     string
}

// New returns a store rooted at the project's migrations directory.
func New(project, dir string) *Store {
	return &Store{project: project, dir: dir}
}

// Dir returns the migrations directory.
func (s *Store) Dir() string { return s.dir }

// Init creates the migrations directory layout. A missing or empty
// directory is fair game; anything already containing entries fails with
// ErrAlreadyInitialized unless force is set.
func (s *Store) Init(force bool) error {
	if !force {
		entries, err := os.ReadDir(s.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read migrations directory: %w", err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w at %s", ErrAlreadyInitialized, s.dir)
		}
	}
	for _, sub := range []string{versionsDir, pointersDir} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create migrations directory: %w", err)
		}
	}
	return nil
}

// artifact is the serialized revision layout: stable field order, diffable
// text, one file per revision.
type artifact struct {
	ID         string         `yaml:"id"`
	Parent     string         `yaml:"parent,omitempty"`
	Message    string         `yaml:"message"`
	Created    time.Time      `yaml:"created"`
	Operations []op.Operation `yaml:"operations"`
	Inverse    []op.Operation `yaml:"inverse"`
}

// Persist writes a revision artifact keyed by its id. Artifacts are
// immutable: persisting an id that already exists verifies the stored
// document matches instead of overwriting it.
func (s *Store) Persist(n *revision.Node) error {
	doc := artifact{
		ID:         n.ID,
		Parent:     n.ParentID,
		Message:    n.Message,
		Created:    n.CreatedAt,
		Operations: n.Operations,
		Inverse:    n.Inverse,
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to serialize revision %s: %w", n.ID, err)
	}

	path := s.artifactPath(n.ID)
	if existing, err := os.ReadFile(path); err == nil {
		if !bytes.Equal(existing, data) {
			return fmt.Errorf("revision %s already persisted with different content", n.ID)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Join(s.dir, versionsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create revisions directory: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to persist revision %s: %w", n.ID, err)
	}
	return nil
}

// LoadAll reads every persisted revision into a graph, verifying each
// artifact's content hash against its id.
func (s *Store) LoadAll() (*revision.Graph, error) {
	return s.LoadAllWithClock(time.Now)
}

// LoadAllWithClock is LoadAll with an injectable clock for the returned
// graph, so tests appending to loaded history get deterministic ids.
func (s *Store) LoadAllWithClock(clock func() time.Time) (*revision.Graph, error) {
	g := revision.NewGraphWithClock(clock)

	dir := filepath.Join(s.dir, versionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, fmt.Errorf("failed to read revisions directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		doc, err := s.loadArtifact(path)
		if err != nil {
			return nil, err
		}
		node := &revision.Node{
			ID:         doc.ID,
			ParentID:   doc.Parent,
			Message:    doc.Message,
			CreatedAt:  doc.Created,
			Operations: doc.Operations,
			Inverse:    doc.Inverse,
		}
		if err := g.Add(node); err != nil {
			return nil, fmt.Errorf("failed to load revision from %s: %w", path, err)
		}
	}
	return g, nil
}

// loadArtifact reads one artifact and verifies its content hash and that
// the filename still matches the embedded id, so a renamed artifact cannot
// masquerade as a different revision.
func (s *Store) loadArtifact(path string) (*artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read revision artifact: %w", err)
	}
	var doc artifact
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &CorruptArtifactError{Path: path, ID: strings.TrimSuffix(filepath.Base(path), ".yaml")}
	}
	if doc.ID != strings.TrimSuffix(filepath.Base(path), ".yaml") {
		return nil, &CorruptArtifactError{Path: path, ID: doc.ID}
	}
	digest, err := revision.Digest(doc.Parent, doc.Operations)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(doc.ID, "_"+digest) {
		return nil, &CorruptArtifactError{Path: path, ID: doc.ID}
	}
	return &doc, nil
}

func (s *Store) artifactPath(id string) string {
	return filepath.Join(s.dir, versionsDir, id+".yaml")
}

// pointerRecord is the durable "what's applied where" record for one
// environment.
type pointerRecord struct {
	Project     string    `yaml:"project"`
	Environment string    `yaml:"environment"`
	Revision    string    `yaml:"revision"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// Pointer returns the currently applied revision id for an environment, or
// empty when no revisions have been applied.
func (s *Store) Pointer(env string) (string, error) {
	data, err := os.ReadFile(s.pointerPath(env))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read pointer for %s.%s: %w", s.project, env, err)
	}
	var rec pointerRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("failed to parse pointer for %s.%s: %w", s.project, env, err)
	}
	return rec.Revision, nil
}

// SetPointer atomically records the applied revision for an environment.
// An empty revision id records the unmigrated base state.
func (s *Store) SetPointer(env, revisionID string) error {
	rec := pointerRecord{
		Project:     s.project,
		Environment: env,
		Revision:    revisionID,
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	data, err := yaml.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to serialize pointer for %s.%s: %w", s.project, env, err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, pointersDir), 0o755); err != nil {
		return fmt.Errorf("failed to create pointers directory: %w", err)
	}
	if err := writeFileAtomic(s.pointerPath(env), data); err != nil {
		return fmt.Errorf("failed to write pointer for %s.%s: %w", s.project, env, err)
	}
	return nil
}

func (s *Store) pointerPath(env string) string {
	return filepath.Join(s.dir, pointersDir, env+".yaml")
}

// writeFileAtomic writes via a temp file in the target directory and renames
// it into place, so a crash mid-write never leaves a partial file readable
// as valid.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
