// Package artifacts stores binary run artifacts in a bucket directory
// co-located with the database file. Artifacts are addressed by
// (runId, fileName) and laid out as <root>/<runId>/<fileName>.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	otelx "github.com/runforge/runforge/internal/otel"
)

// ErrInvalidName signals a blank or path-escaping artifact file name.
var ErrInvalidName = errors.New("artifacts: invalid file name")

// Store is the binary artifact bucket.
type Store struct {
	root    string
	metrics *otelx.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *otelx.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore opens the bucket rooted at dir, creating it if needed.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact bucket: %w", err)
	}
	s := &Store{root: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) path(runID, fileName string) (string, error) {
	if runID == "" {
		return "", errors.Join(ErrInvalidName, errors.New("run id is required"))
	}
	name := strings.TrimSpace(fileName)
	if name == "" {
		return "", errors.Join(ErrInvalidName, errors.New("file name is required"))
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", errors.Join(ErrInvalidName, fmt.Errorf("file name %q escapes the bucket", fileName))
	}
	return filepath.Join(s.root, runID, name), nil
}

// Put stores one artifact, replacing any existing content at the same address.
func (s *Store) Put(ctx context.Context, runID, fileName string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(runID, fileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s/%s: %w", runID, fileName, err)
	}
	if s.metrics != nil {
		s.metrics.ArtifactWrites.Add(ctx, 1)
	}
	return nil
}

// Get reads one artifact. A missing artifact is (nil, false, nil).
func (s *Store) Get(ctx context.Context, runID, fileName string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p, err := s.path(runID, fileName)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read artifact %s/%s: %w", runID, fileName, err)
	}
	return data, true, nil
}

// List returns the distinct artifact file names for a run, deduplicated
// case-insensitively and sorted alphabetically.
func (s *Store) List(ctx context.Context, runID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, errors.Join(ErrInvalidName, errors.New("run id is required"))
	}
	entries, err := os.ReadDir(filepath.Join(s.root, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", runID, err)
	}
	seen := make(map[string]struct{})
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key := strings.ToLower(entry.Name())
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// DeleteRun removes every artifact stored for the run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if runID == "" {
		return errors.Join(ErrInvalidName, errors.New("run id is required"))
	}
	if err := os.RemoveAll(filepath.Join(s.root, runID)); err != nil {
		return fmt.Errorf("delete artifacts for %s: %w", runID, err)
	}
	if s.metrics != nil {
		s.metrics.ArtifactDeletes.Add(ctx, 1)
	}
	return nil
}
