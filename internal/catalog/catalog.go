// Package catalog manages the user-created configuration records:
// repositories, tasks, session profiles, and prompt skills. Duplicate scoped
// names (a profile name or skill trigger reused within a repository) are a
// named conflict, distinct from plain input validation.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runforge/runforge/internal/docstore"
	"github.com/runforge/runforge/internal/model"
)

var (
	// ErrInvalidInput signals a missing or blank required field.
	ErrInvalidInput = errors.New("catalog: invalid input")
	// ErrConflict signals a duplicate scoped name.
	ErrConflict = errors.New("catalog: conflict")
)

// Catalog applies configuration mutations against unit-of-work sessions.
type Catalog struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithClock overrides the catalog's time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// WithLogger sets the catalog's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// New builds a Catalog.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRepository registers a repository.
func (c *Catalog) CreateRepository(ctx context.Context, s *docstore.Session, name, remoteURL, defaultBranch string) (model.Repository, error) {
	if strings.TrimSpace(name) == "" {
		return model.Repository{}, errors.Join(ErrInvalidInput, errors.New("repository name is required"))
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	repo := model.Repository{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(name),
		RemoteURL:     remoteURL,
		DefaultBranch: defaultBranch,
		CreatedAt:     c.now(),
	}
	if err := docstore.SessionPut(ctx, s, repo); err != nil {
		return model.Repository{}, err
	}
	return repo, nil
}

// TaskParams carries the execution defaults for a new task.
type TaskParams struct {
	RepositoryID     string
	Prompt           string
	Harness          string
	ExecutionMode    string
	Command          string
	SessionProfileID string
	NextRunAt        *time.Time
}

// CreateTask creates an enabled task. Prompt and repository scope are
// required.
func (c *Catalog) CreateTask(ctx context.Context, s *docstore.Session, p TaskParams) (model.Task, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return model.Task{}, errors.Join(ErrInvalidInput, errors.New("prompt is required"))
	}
	if p.RepositoryID == "" {
		return model.Task{}, errors.Join(ErrInvalidInput, errors.New("repository id is required"))
	}
	task := model.Task{
		ID:               uuid.NewString(),
		RepositoryID:     p.RepositoryID,
		Prompt:           p.Prompt,
		Harness:          p.Harness,
		ExecutionMode:    p.ExecutionMode,
		Command:          p.Command,
		SessionProfileID: p.SessionProfileID,
		Enabled:          true,
		NextRunAt:        p.NextRunAt,
		CreatedAt:        c.now(),
	}
	if err := docstore.SessionPut(ctx, s, task); err != nil {
		return model.Task{}, err
	}
	c.logger.Debug("task created", "task_id", task.ID, "repository_id", task.RepositoryID)
	return task, nil
}

// SetTaskEnabled flips a task's enablement flag. A missing task is
// (false, nil).
func (c *Catalog) SetTaskEnabled(ctx context.Context, s *docstore.Session, taskID string, enabled bool) (bool, error) {
	task, ok, err := docstore.SessionGet[model.Task](ctx, s, taskID)
	if err != nil || !ok {
		return false, err
	}
	task.Enabled = enabled
	if err := docstore.SessionPut(ctx, s, task); err != nil {
		return false, err
	}
	return true, nil
}

// ProtectTask stamps the protection watermark shielding a task from
// retention. A missing task is (false, nil).
func (c *Catalog) ProtectTask(ctx context.Context, s *docstore.Session, taskID string) (bool, error) {
	task, ok, err := docstore.SessionGet[model.Task](ctx, s, taskID)
	if err != nil || !ok {
		return false, err
	}
	t := c.now()
	task.ProtectedSince = &t
	if err := docstore.SessionPut(ctx, s, task); err != nil {
		return false, err
	}
	return true, nil
}

// CreateSessionProfile creates a named settings bundle. The name must be
// unique within the repository.
func (c *Catalog) CreateSessionProfile(ctx context.Context, s *docstore.Session, repositoryID, name, settingsJSON string) (model.SessionProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.SessionProfile{}, errors.Join(ErrInvalidInput, errors.New("profile name is required"))
	}
	if repositoryID == "" {
		return model.SessionProfile{}, errors.Join(ErrInvalidInput, errors.New("repository id is required"))
	}
	dupes, err := docstore.SessionFind(ctx, s, func(p model.SessionProfile) bool {
		return p.RepositoryID == repositoryID && strings.EqualFold(p.Name, name)
	})
	if err != nil {
		return model.SessionProfile{}, err
	}
	if len(dupes) > 0 {
		return model.SessionProfile{}, fmt.Errorf("%w: session profile %q already exists in repository", ErrConflict, name)
	}
	profile := model.SessionProfile{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Name:         name,
		SettingsJSON: settingsJSON,
		CreatedAt:    c.now(),
	}
	if err := docstore.SessionPut(ctx, s, profile); err != nil {
		return model.SessionProfile{}, err
	}
	return profile, nil
}

// CreatePromptSkill creates a reusable prompt fragment. The trigger must be
// unique within the repository.
func (c *Catalog) CreatePromptSkill(ctx context.Context, s *docstore.Session, repositoryID, trigger, body string) (model.PromptSkill, error) {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return model.PromptSkill{}, errors.Join(ErrInvalidInput, errors.New("skill trigger is required"))
	}
	if repositoryID == "" {
		return model.PromptSkill{}, errors.Join(ErrInvalidInput, errors.New("repository id is required"))
	}
	dupes, err := docstore.SessionFind(ctx, s, func(p model.PromptSkill) bool {
		return p.RepositoryID == repositoryID && strings.EqualFold(p.Trigger, trigger)
	})
	if err != nil {
		return model.PromptSkill{}, err
	}
	if len(dupes) > 0 {
		return model.PromptSkill{}, fmt.Errorf("%w: prompt skill trigger %q already exists in repository", ErrConflict, trigger)
	}
	skill := model.PromptSkill{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Trigger:      trigger,
		Body:         body,
		CreatedAt:    c.now(),
	}
	if err := docstore.SessionPut(ctx, s, skill); err != nil {
		return model.PromptSkill{}, err
	}
	return skill, nil
}
