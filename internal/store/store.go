// Package store persists conversations as append-only JSONL files, one
// record per tree node. The chat core never touches disk; the app layer
// mirrors node mutations into the store and rebuilds trees on load.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultDirName   = ".loom/conversations"
	fileExt          = ".jsonl"
	maxJSONLLineSize = 1024 * 1024
)

var (
	ErrDirRequired            = errors.New("conversation directory is required")
	ErrConversationIDRequired = errors.New("conversation id is required")
	ErrInvalidConversationID  = errors.New("invalid conversation id")
	ErrRecordIDRequired       = errors.New("record id is required")
	ErrRecordRoleRequired     = errors.New("record role is required")
	ErrConversationNotFound   = errors.New("conversation not found")
)

// Record is one append-only node record in a conversation JSONL file. A node
// may appear more than once; the last record for an id wins, which is how
// summarization flags and streamed content reach disk without rewrites.
type Record struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parent_id,omitempty"`
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	Images     json.RawMessage `json:"images,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	Summarized bool            `json:"summarized,omitempty"`
	IsSummary  bool            `json:"is_summary,omitempty"`
	TS         int64           `json:"ts"`
}

// ConversationInfo describes one conversation file on disk.
type ConversationInfo struct {
	ID        string
	Path      string
	UpdatedAt time.Time
	SizeBytes int64
}

// Store persists conversation node records as append-only JSONL files.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore constructs a conversation store rooted at dir.
func NewStore(dir string) (*Store, error) {
	root := strings.TrimSpace(dir)
	if root == "" {
		return nil, ErrDirRequired
	}
	return &Store{dir: root}, nil
}

// DefaultDir returns the canonical conversations directory under a home or
// project root.
func DefaultDir(root string) string {
	return filepath.Join(root, defaultDirName)
}

// Append appends one node record to a conversation file.
func (s *Store) Append(ctx context.Context, conversationID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.conversationPath(conversationID)
	if err != nil {
		return err
	}

	rec.ID = strings.TrimSpace(rec.ID)
	rec.Role = strings.TrimSpace(rec.Role)
	if rec.ID == "" {
		return ErrRecordIDRequired
	}
	if rec.Role == "" {
		return ErrRecordRoleRequired
	}
	if rec.TS <= 0 {
		rec.TS = time.Now().Unix()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create conversation dir %s: %w", s.dir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open conversation file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(raw); err != nil {
		return fmt.Errorf("append node record: %w", err)
	}
	if _, err := file.Write([]byte("\n")); err != nil {
		return fmt.Errorf("append record newline: %w", err)
	}
	return nil
}

// LoadTree reads a conversation file and collapses repeated records per node
// id, last record wins. Records come back in first-seen order, parents before
// children, so replaying them into an empty tree reproduces it exactly.
func (s *Store) LoadTree(ctx context.Context, conversationID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.conversationPath(conversationID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, strings.TrimSpace(conversationID))
		}
		return nil, fmt.Errorf("open conversation file %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLLineSize)

	order := make([]string, 0, 64)
	latest := make(map[string]Record, 64)
	lineNum := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode conversation line %d: %w", lineNum, err)
		}
		if _, seen := latest[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		latest[rec.ID] = rec
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("decode conversation line too large (> %d bytes): %w", maxJSONLLineSize, err)
		}
		if errors.Is(err, io.EOF) {
			return recordsInOrder(order, latest), nil
		}
		return nil, fmt.Errorf("scan conversation file: %w", err)
	}

	return recordsInOrder(order, latest), nil
}

// List returns known conversation files sorted by newest first.
func (s *Store) List(ctx context.Context) ([]ConversationInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read conversation dir %s: %w", s.dir, err)
	}

	out := make([]ConversationInfo, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || filepath.Ext(item.Name()) != fileExt {
			continue
		}

		info, err := item.Info()
		if err != nil {
			return nil, fmt.Errorf("read conversation file info %s: %w", item.Name(), err)
		}

		id := strings.TrimSuffix(item.Name(), fileExt)
		out = append(out, ConversationInfo{
			ID:        id,
			Path:      filepath.Join(s.dir, item.Name()),
			UpdatedAt: info.ModTime(),
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes a conversation file.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.conversationPath(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, strings.TrimSpace(conversationID))
		}
		return fmt.Errorf("delete conversation file %s: %w", path, err)
	}
	return nil
}

func recordsInOrder(order []string, latest map[string]Record) []Record {
	out := make([]Record, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

func (s *Store) conversationPath(conversationID string) (string, error) {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return "", ErrConversationIDRequired
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %s", ErrInvalidConversationID, id)
	}
	return filepath.Join(s.dir, id+fileExt), nil
}
