// Package message implements the append-only per-session message ledger
// service: reverse-chronological pagination, forward deltas for reconnect
// catch-up, and user-authored sends.
package message

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agent-sync-hub/backend/internal/model"
)

// Ledger is the persistence boundary for messages. Implemented by
// repository.MessageRepository; the store guarantees atomic seq allocation.
type Ledger interface {
	Add(ctx context.Context, sessionID string, localID *string, content json.RawMessage) (*model.Message, error)
	GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq *int64) ([]*model.Message, error)
	GetMessagesAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.Message, error)
}

// AgentSender pushes events to a live agent session.
type AgentSender interface {
	SendToSession(sessionID, event string, payload any) error
}

// Emitter receives sync events. Implemented by events.Publisher.
type Emitter interface {
	Emit(event model.SyncEvent)
}

// Stats receives append counters. A nil Stats records nothing.
type Stats interface {
	MessageAppended()
}

// Service is the message ledger service.
type Service struct {
	ledger  Ledger
	agent   AgentSender
	emitter Emitter
	stats   Stats
	logger  *zap.Logger

	defaultLimit int
	maxLimit     int
}

// New creates a Service. agent may be nil when no agent layer is attached.
func New(ledger Ledger, agent AgentSender, emitter Emitter, stats Stats, defaultLimit, maxLimit int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	if maxLimit <= 0 {
		maxLimit = 200
	}
	return &Service{
		ledger:       ledger,
		agent:        agent,
		emitter:      emitter,
		stats:        stats,
		logger:       logger,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// PageOptions selects a reverse-chronological page.
type PageOptions struct {
	// Limit is the page size; 0 means the service default.
	Limit int
	// BeforeSeq restricts the page to seq < BeforeSeq; nil means the most
	// recent messages.
	BeforeSeq *int64
}

// Page is one page of messages plus the cursor for the next older page.
type Page struct {
	Messages []*model.Message `json:"messages"`
	// NextBeforeSeq is the minimum seq on this page, or nil when the page
	// is empty.
	NextBeforeSeq *int64 `json:"nextBeforeSeq"`
	// HasMore reports whether an older message exists past this page.
	HasMore bool `json:"hasMore"`
}

// GetPage returns up to Limit messages with seq < BeforeSeq, newest first.
// HasMore is computed by probing for one extra older message.
func (s *Service) GetPage(ctx context.Context, sessionID string, opts PageOptions) (*Page, error) {
	limit := s.clampLimit(opts.Limit)

	messages, err := s.ledger.GetMessages(ctx, sessionID, limit+1, opts.BeforeSeq)
	if err != nil {
		return nil, err
	}

	page := &Page{}
	if len(messages) > limit {
		page.HasMore = true
		messages = messages[:limit]
	}
	page.Messages = messages

	if len(messages) > 0 {
		// Messages arrive newest first; the oldest on the page is last.
		min := messages[len(messages)-1].Seq
		page.NextBeforeSeq = &min
	}

	return page, nil
}

// GetAfter returns messages with seq > afterSeq in ascending order.
// afterSeq=0 fetches from the beginning.
func (s *Service) GetAfter(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*model.Message, error) {
	return s.ledger.GetMessagesAfter(ctx, sessionID, afterSeq, s.clampLimit(limit))
}

// SendOptions describes a user-authored message send.
type SendOptions struct {
	Text        string
	LocalID     *string
	Attachments []json.RawMessage
	SentFrom    string
}

// Send appends a user message to the ledger, forwards it to the live agent
// session if one is attached, and publishes a message-received event.
//
// The ledger append and the agent push are independent effects: the append
// must succeed and be durable even when the agent is offline, and a failed
// push is never reported as a send failure.
func (s *Service) Send(ctx context.Context, sessionID string, opts SendOptions) (*model.Message, error) {
	content, err := json.Marshal(model.MessageContent{
		Role:        "user",
		Text:        opts.Text,
		Attachments: opts.Attachments,
		SentFrom:    opts.SentFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message content: %w", err)
	}

	msg, err := s.ledger.Add(ctx, sessionID, opts.LocalID, content)
	if err != nil {
		return nil, err
	}
	if s.stats != nil {
		s.stats.MessageAppended()
	}

	if s.agent != nil {
		if err := s.agent.SendToSession(sessionID, "update", msg); err != nil {
			s.logger.Warn("failed to push message to agent",
				zap.String("sessionId", sessionID), zap.Error(err))
		}
	}

	s.emitter.Emit(model.SyncEvent{
		Type:      model.EventMessageReceived,
		SessionID: sessionID,
		Message:   msg,
	})

	return msg, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}
