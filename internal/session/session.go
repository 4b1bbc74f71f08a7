// Package session owns live sessions: their agent loop, interactive gate,
// checklist and the transport currently attached to them.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/ragops-web/internal/agent"
	"github.com/ashureev/ragops-web/internal/checklist"
	"github.com/ashureev/ragops-web/internal/domain"
	"github.com/ashureev/ragops-web/internal/gate"
	"github.com/ashureev/ragops-web/internal/protocol"
	"github.com/ashureev/ragops-web/internal/store"
)

const persistTimeout = 2 * time.Second

// Transport is the outbound half of a connection attached to a session.
// Send must not block.
type Transport interface {
	Send(ctx context.Context, msg protocol.Outbound) error
	Close(reason string)
}

// Info is a session snapshot for listings.
type Info struct {
	ID           string             `json:"id"`
	Provider     string             `json:"provider"`
	Model        string             `json:"model"`
	ProjectID    string             `json:"project_id,omitempty"`
	Enterprise   bool               `json:"enterprise"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
	Connected    bool               `json:"connected"`
	State        protocol.TurnState `json:"state"`
	Pending      []string           `json:"pending_requests,omitempty"`
}

// Session is one live conversation.
type Session struct {
	ID         string
	OwnerID    string
	Provider   string
	Model      string
	ProjectID  string
	Enterprise bool
	CreatedAt  time.Time

	loop      *agent.Loop
	gate      *gate.Gate
	checklist *checklist.Store
	repo      store.Repository
	convLog   agent.ConversationLogger
	logger    *slog.Logger

	mu           sync.Mutex
	transport    Transport
	lastActivity time.Time
	deleting     bool
	done         chan struct{}
}

// Record returns the persisted form of the session.
func (s *Session) Record() *domain.SessionRecord {
	return &domain.SessionRecord{
		ID:           s.ID,
		OwnerID:      s.OwnerID,
		Provider:     s.Provider,
		Model:        s.Model,
		ProjectID:    s.ProjectID,
		Enterprise:   s.Enterprise,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	connected := s.transport != nil
	last := s.lastActivity
	s.mu.Unlock()

	return Info{
		ID:           s.ID,
		Provider:     s.Provider,
		Model:        s.Model,
		ProjectID:    s.ProjectID,
		Enterprise:   s.Enterprise,
		CreatedAt:    s.CreatedAt,
		LastActivity: last,
		Connected:    connected,
		State:        s.loop.State(),
		Pending:      s.gate.Pending(),
	}
}

// Attach makes t the session's transport, closing any previous one.
// Outstanding interactive requests and the checklist are sent again so a
// reconnecting client can answer them.
func (s *Session) Attach(t Transport) {
	s.mu.Lock()
	prev := s.transport
	s.transport = t
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if prev != nil && prev != t {
		prev.Close("replaced by a new connection")
	}
	s.logger.Info("Transport attached", "replaced", prev != nil)

	if rendered := s.ChecklistText(); rendered != "" {
		s.send(protocol.ChecklistUpdate{Content: rendered})
	}
	for _, msg := range s.gate.Outstanding() {
		s.send(msg)
	}
}

// Detach clears the transport if t is still the current one. It reports
// whether it did.
func (s *Session) Detach(t Transport) bool {
	s.mu.Lock()
	if s.transport != t {
		s.mu.Unlock()
		return false
	}
	s.transport = nil
	s.mu.Unlock()

	// Turn events take s.mu while holding the turn lock; read the state only
	// after releasing s.mu.
	s.logger.Info("Transport detached", "turn_state", s.loop.State())
	return true
}

// Connected reports whether a transport is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// LastActivity returns when the human last did something in the session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Busy reports whether a turn is running.
func (s *Session) Busy() bool {
	return s.loop.Active()
}

// ChecklistText returns the rendered checklist, or "" when there is none.
func (s *Session) ChecklistText() string {
	items := s.checklist.Snapshot()
	if len(items) == 0 {
		return ""
	}
	return checklist.Render(items)
}

// Checklist returns the checklist items.
func (s *Session) Checklist() []checklist.Item {
	return s.checklist.Snapshot()
}

// Handle routes one inbound message.
func (s *Session) Handle(ctx context.Context, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Ping:
		// Keepalive only, not activity.
		s.send(protocol.Pong{})
	case protocol.Chat:
		s.touch(ctx)
		err := s.loop.StartTurn(m.Content, m.Silent)
		switch {
		case errors.Is(err, agent.ErrTurnActive):
			s.send(protocol.Error{Error: "a turn is already in progress", Code: protocol.CodeTurnActive})
		case err != nil:
			s.logger.Warn("Failed to start turn", "error", err)
			s.send(protocol.Error{Error: err.Error(), Code: protocol.CodeInternal})
		}
	case protocol.Cancel:
		s.touch(ctx)
		if !s.loop.Cancel() {
			s.logger.Debug("Cancel without active turn")
		}
	case protocol.InteractiveResponse:
		s.touch(ctx)
		if !s.gate.Resolve(m) {
			return
		}
		s.loop.Resolved(m.RequestID)
		s.convLog.Log(agent.ConversationLogEvent{
			OwnerID:   s.OwnerID,
			SessionID: s.ID,
			Channel:   "websocket",
			Direction: "outbound",
			EventType: agent.EventInteractive,
			Meta:      interactiveMeta(m),
		})
	default:
		s.logger.Warn("Unhandled inbound message", "type", msg.InboundType())
	}
}

func interactiveMeta(m protocol.InteractiveResponse) map[string]any {
	meta := map[string]any{"request_id": m.RequestID}
	if m.Confirmed != nil {
		meta["confirmed"] = *m.Confirmed
	}
	if m.Choice != nil {
		meta["choice"] = *m.Choice
	}
	return meta
}

func (s *Session) touch(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()

	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.repo.TouchSession(ctx, s.ID, now); err != nil {
		s.logger.Warn("Failed to persist session activity", "error", err)
	}
}

// send delivers msg to the attached transport. Without one it is dropped.
func (s *Session) send(msg protocol.Outbound) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.Send(context.Background(), msg); err != nil {
		s.logger.Debug("Dropping outbound message", "type", msg.OutboundType(), "error", err)
	}
}

// shutdown cancels the active turn, abandons pending requests and closes the
// transport. It returns once the turn goroutine has exited.
func (s *Session) shutdown(reason string) {
	s.gate.Close()
	s.loop.Close()
	s.loop.Wait()

	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		t.Close(reason)
	}
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
