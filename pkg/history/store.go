package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/errdefs"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Message statuses. A stream that failed or was aborted leaves its message
// incomplete or error, keeping the partial text.
const (
	StatusStreaming  = "streaming"
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusError      = "error"
)

const (
	recordMessage = "message"
	recordPatch   = "patch"
)

// ToolCall is the persisted view of a tool call attached to a message.
type ToolCall struct {
	ID              string         `json:"id"`
	FunctionName    string         `json:"function_name"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	Status          string         `json:"status"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
}

// Message is one chat message.
type Message struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Content     string     `json:"content"`
	Status      string     `json:"status,omitempty"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Patch changes fields of a stored message. Nil fields are left alone;
// ToolCalls are upserted by id.
type Patch struct {
	Content   *string    `json:"content,omitempty"`
	Status    *string    `json:"status,omitempty"`
	Error     *string    `json:"error,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type record struct {
	Kind      string    `json:"kind"`
	MessageID string    `json:"message_id"`
	Message   *Message  `json:"message,omitempty"`
	Patch     *Patch    `json:"patch,omitempty"`
	At        time.Time `json:"at"`
}

// Config configures a Store.
type Config struct {
	Dir    string
	Logger zerolog.Logger
}

// Store is a JSONL chat history.
type Store struct {
	dir    string
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates the history directory when missing.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	dir := cfg.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".conduit", "history")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	cfg.Logger.Info().Str("dir", dir).Msg("History store initialized")
	return &Store{dir: dir, logger: cfg.Logger, locks: make(map[string]*sync.Mutex)}, nil
}

func validateChatID(chatID string) error {
	switch {
	case chatID == "":
		return fmt.Errorf("%w: chat id cannot be empty", errdefs.ErrInvalidArgument)
	case strings.Contains(chatID, ".."):
		return fmt.Errorf("%w: chat id cannot contain '..'", errdefs.ErrInvalidArgument)
	case strings.ContainsAny(chatID, "/\\\x00"):
		return fmt.Errorf("%w: chat id cannot contain path separators or null bytes", errdefs.ErrInvalidArgument)
	}
	return nil
}

func (s *Store) path(chatID string) string {
	return filepath.Join(s.dir, chatID+".jsonl")
}

func (s *Store) lock(chatID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[chatID] = l
	}
	return l
}

// AppendMessage stores a new message.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg Message) error {
	if msg.ID == "" || msg.Role == "" {
		return fmt.Errorf("%w: message id and role are required", errdefs.ErrInvalidArgument)
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	return s.write(ctx, chatID, "history.append_message", record{
		Kind:      recordMessage,
		MessageID: msg.ID,
		Message:   &msg,
		At:        now,
	})
}

// UpdateMessage records a patch for messageID.
func (s *Store) UpdateMessage(ctx context.Context, chatID, messageID string, patch Patch) error {
	if messageID == "" {
		return fmt.Errorf("%w: message id is required", errdefs.ErrInvalidArgument)
	}
	return s.write(ctx, chatID, "history.update_message", record{
		Kind:      recordPatch,
		MessageID: messageID,
		Patch:     &patch,
		At:        time.Now(),
	})
}

func (s *Store) write(ctx context.Context, chatID, spanName string, rec record) (err error) {
	ctx = tracing.WithChatID(ctx, chatID)
	ctx, span := tracing.StartSpan(ctx, "conduit.history", spanName,
		attribute.String("conduit.chat_id", chatID),
		attribute.String("conduit.message_id", rec.MessageID),
	)
	start := time.Now()
	defer func() {
		observability.RecordHistoryWrite(time.Since(start))
		tracing.EndSpan(span, err, false)
	}()

	if err := validateChatID(chatID); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.Kind, err)
	}

	l := s.lock(chatID)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(s.path(chatID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write %s record: %w", rec.Kind, err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("kind", rec.Kind).
		Str("message_id", rec.MessageID).
		Msg("History record written")
	return nil
}

// Load returns the messages of chatID in creation order with patches applied.
// Unreadable lines and patches for unknown messages are skipped.
func (s *Store) Load(ctx context.Context, chatID string) ([]Message, error) {
	if err := validateChatID(chatID); err != nil {
		return nil, err
	}

	l := s.lock(chatID)
	l.Lock()
	defer l.Unlock()

	return s.loadLocked(ctx, chatID)
}

func (s *Store) loadLocked(ctx context.Context, chatID string) ([]Message, error) {
	logger := tracing.LoggerFromContext(tracing.WithChatID(ctx, chatID), s.logger)

	file, err := os.Open(s.path(chatID))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer file.Close()

	var (
		order []string
		byID  = make(map[string]*Message)
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warn().Int("line", line).Err(err).Msg("Failed to parse history line, skipping")
			continue
		}

		switch rec.Kind {
		case recordMessage:
			if rec.Message == nil || rec.Message.ID == "" {
				continue
			}
			if _, exists := byID[rec.Message.ID]; !exists {
				order = append(order, rec.Message.ID)
			}
			msg := *rec.Message
			byID[msg.ID] = &msg
		case recordPatch:
			msg, ok := byID[rec.MessageID]
			if !ok || rec.Patch == nil {
				logger.Warn().Int("line", line).Str("message_id", rec.MessageID).Msg("Patch for unknown message, skipping")
				continue
			}
			msg.apply(*rec.Patch, rec.At)
		default:
			logger.Warn().Int("line", line).Str("kind", rec.Kind).Msg("Unknown history record, skipping")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	out := make([]Message, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (m *Message) apply(p Patch, at time.Time) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.Error != nil {
		m.Error = *p.Error
	}
	for _, tc := range p.ToolCalls {
		replaced := false
		for i := range m.ToolCalls {
			if m.ToolCalls[i].ID == tc.ID {
				m.ToolCalls[i] = tc
				replaced = true
				break
			}
		}
		if !replaced {
			m.ToolCalls = append(m.ToolCalls, tc)
		}
	}
	m.UpdatedAt = at
}

// Repair rewrites the file of chatID as folded message records, dropping
// corrupt lines and orphan patches. Messages left streaming by a crash are
// marked incomplete.
func (s *Store) Repair(ctx context.Context, chatID string) (int, error) {
	if err := validateChatID(chatID); err != nil {
		return 0, err
	}

	l := s.lock(chatID)
	l.Lock()
	defer l.Unlock()

	messages, err := s.loadLocked(ctx, chatID)
	if err != nil {
		return 0, err
	}

	path := s.path(chatID)
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for i := range messages {
		msg := messages[i]
		if msg.Status == StatusStreaming {
			msg.Status = StatusIncomplete
		}
		data, err := json.Marshal(record{Kind: recordMessage, MessageID: msg.ID, Message: &msg, At: msg.UpdatedAt})
		if err == nil {
			_, err = w.Write(append(data, '\n'))
		}
		if err != nil {
			file.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("failed to write message %s: %w", msg.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to sync temp file: %w", err)
	}
	file.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to replace history file: %w", err)
	}

	s.logger.Info().Str("chat_id", chatID).Int("messages", len(messages)).Msg("History repaired")
	return len(messages), nil
}

// ListChats returns the chat ids with history, sorted.
func (s *Store) ListChats() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var chats []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		chats = append(chats, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(chats)
	return chats, nil
}

// Delete removes the history of chatID.
func (s *Store) Delete(chatID string) error {
	if err := validateChatID(chatID); err != nil {
		return err
	}

	l := s.lock(chatID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(chatID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history file: %w", err)
	}
	return nil
}
