package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/ragops-web/internal/agent"
	"github.com/ashureev/ragops-web/internal/checklist"
	"github.com/ashureev/ragops-web/internal/container"
	"github.com/ashureev/ragops-web/internal/domain"
	"github.com/ashureev/ragops-web/internal/gate"
	"github.com/ashureev/ragops-web/internal/protocol"
	"github.com/ashureev/ragops-web/internal/store"
	"github.com/ashureev/ragops-web/internal/tools"
)

var (
	// ErrNotFound is returned for unknown or deleted session ids.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned once the registry has shut down.
	ErrClosed = errors.New("session registry closed")
)

// ModelFactory builds the model client for a provider and model.
type ModelFactory func(provider, model string) (agent.ModelClient, error)

// Config wires the registry to shared collaborators.
type Config struct {
	NewModel           ModelFactory
	Tools              *tools.Registry
	Inspector          container.Inspector
	ComposeProject     string
	Repo               store.Repository
	ConvLog            agent.ConversationLogger
	Agent              agent.Config
	InteractiveTimeout time.Duration
	DefaultProvider    string
	DefaultModel       string
	Logger             *slog.Logger
}

// Options are the caller's choices for a new session.
type Options struct {
	OwnerID    string
	Provider   string
	Model      string
	ProjectID  string
	Enterprise bool
}

// Registry tracks live sessions. Its lock covers membership only.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConvLog == nil {
		cfg.ConvLog = agent.NoopConversationLogger()
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new idle session.
func (r *Registry) Create(ctx context.Context, opts Options) (*Session, error) {
	if opts.Provider == "" {
		opts.Provider = r.cfg.DefaultProvider
	}
	if opts.Model == "" {
		opts.Model = r.cfg.DefaultModel
	}
	if r.cfg.NewModel == nil {
		return nil, errors.New("no model factory configured")
	}
	model, err := r.cfg.NewModel(opts.Provider, opts.Model)
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		OwnerID:      opts.OwnerID,
		Provider:     opts.Provider,
		Model:        opts.Model,
		ProjectID:    opts.ProjectID,
		Enterprise:   opts.Enterprise,
		CreatedAt:    now,
		checklist:    checklist.NewStore(),
		repo:         r.cfg.Repo,
		convLog:      r.cfg.ConvLog,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	s.logger = r.cfg.Logger.With("session_id", s.ID, "owner_id", s.OwnerID)

	s.gate = gate.New(func(msg protocol.Outbound) { s.loop.Emit(msg) },
		gate.WithTimeout(r.cfg.InteractiveTimeout),
		gate.WithLogger(s.logger),
	)

	reg := r.cfg.Tools.Clone()
	reg.Register(tools.InteractiveTools(s.gate)...)
	reg.Register(tools.ChecklistTools(s.checklist, func(rendered string) {
		s.loop.Emit(protocol.ChecklistUpdate{Content: rendered})
	})...)
	if r.cfg.Inspector != nil {
		project := opts.ProjectID
		if project == "" {
			project = r.cfg.ComposeProject
		}
		reg.Register(tools.ComposeTools(r.cfg.Inspector, project, s.gate)...)
	}

	agentCfg := r.cfg.Agent
	if agentCfg.SystemPrompt == "" {
		agentCfg.SystemPrompt = agent.DefaultSystemPrompt
	}
	if opts.ProjectID != "" {
		agentCfg.SystemPrompt += "\n\nThe user is working on existing project " + opts.ProjectID + "."
	}

	var history *agent.History
	var recorder agent.Recorder
	if r.cfg.Repo != nil {
		recorder = repoRecorder{repo: r.cfg.Repo}
		history = r.restoreHistory(ctx, opts.ProjectID)
		if err := r.cfg.Repo.SaveSession(ctx, s.Record()); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
	}

	s.loop = agent.NewLoop(agent.LoopOptions{
		SessionID: s.ID,
		OwnerID:   s.OwnerID,
		Model:     model,
		Tools:     reg,
		Sink:      s.send,
		Recorder:  recorder,
		ConvLog:   r.cfg.ConvLog,
		History:   history,
		Config:    agentCfg,
		Logger:    s.logger,
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.shutdown("server shutting down")
		close(s.done)
		return nil, ErrClosed
	}
	r.sessions[s.ID] = s

	s.logger.Info("Session created", "provider", s.Provider, "model", s.Model, "project_id", s.ProjectID)
	return s, nil
}

// restoreHistory seeds the model history from a previous session's
// transcript when resuming against a project that was a session id.
func (r *Registry) restoreHistory(ctx context.Context, projectID string) *agent.History {
	if projectID == "" {
		return nil
	}
	prev, err := r.cfg.Repo.ListMessages(ctx, projectID, 0)
	if err != nil {
		r.cfg.Logger.Warn("Failed to load transcript to resume", "project_id", projectID, "error", err)
		return nil
	}
	seed := make([]agent.Message, 0, len(prev))
	for _, m := range prev {
		seed = append(seed, agent.Message{Role: agent.Role(m.Role), Content: m.Content})
	}
	return agent.NewHistory(seed...)
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.deleting {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete tears the session down in the background: the active turn is
// cancelled and has exited before the id is released. The returned channel
// is closed once teardown is complete.
func (r *Registry) Delete(id string) (<-chan struct{}, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.deleting {
		r.mu.Unlock()
		return s.done, nil
	}
	s.deleting = true
	r.mu.Unlock()

	s.logger.Info("Deleting session", "busy", s.Busy())
	go func() {
		s.shutdown("session deleted")

		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()

		if r.cfg.Repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.cfg.Repo.DeleteSession(ctx, id); err != nil {
				s.logger.Warn("Failed to delete session record", "error", err)
			}
			cancel()
		}
		close(s.done)
		s.logger.Info("Session torn down")
	}()
	return s.done, nil
}

// ListForOwner returns an owner's live sessions, newest first.
func (r *Registry) ListForOwner(ownerID string) []*Session {
	r.mu.Lock()
	out := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.OwnerID == ownerID && !s.deleting {
			out = append(out, s)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll shuts every session down without deleting persisted state and
// rejects new sessions.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.deleting {
			s.deleting = true
			all = append(all, s)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.shutdown("server shutting down")
			r.mu.Lock()
			delete(r.sessions, s.ID)
			r.mu.Unlock()
			close(s.done)
		}()
	}
	wg.Wait()
	r.cfg.Logger.Info("All sessions closed", "count", len(all))
}

// repoRecorder persists the transcript through the repository.
type repoRecorder struct {
	repo store.Repository
}

func (rr repoRecorder) RecordMessage(ctx context.Context, sessionID string, role agent.Role, content string) error {
	return rr.repo.AppendMessage(ctx, &domain.StoredMessage{
		SessionID: sessionID,
		Role:      string(role),
		Content:   content,
		CreatedAt: time.Now(),
	})
}
