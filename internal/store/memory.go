package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Recorder.
type Memory struct {
	mu     sync.RWMutex
	convos map[string]Conversation
	compat map[string][]Compatibility
}

// NewMemory creates an empty Memory recorder.
func NewMemory() *Memory {
	return &Memory{
		convos: make(map[string]Conversation),
		compat: make(map[string][]Compatibility),
	}
}

func (m *Memory) Create(ctx context.Context, c Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convos[c.ID]; ok {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	if c.CreatedAt == "" {
		c.CreatedAt = now()
	}
	c.Status = StatusSubmitted
	m.convos[c.ID] = c
	return nil
}

func (m *Memory) update(id string, fn func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	fn(&c)
	m.convos[id] = c
	return nil
}

func (m *Memory) UpdateProgress(ctx context.Context, id string, status Status, percent float64, message string) error {
	return m.update(id, func(c *Conversation) {
		c.Status = status
		c.ProgressPercent = percent
		c.StageMessage = message
	})
}

func (m *Memory) Complete(ctx context.Context, id string, out Outcome) error {
	return m.finish(id, StatusComplete, "", out)
}

func (m *Memory) Fail(ctx context.Context, id, errMsg string, out Outcome) error {
	return m.finish(id, StatusFailed, errMsg, out)
}

func (m *Memory) finish(id string, status Status, errMsg string, out Outcome) error {
	at := now()
	return m.update(id, func(c *Conversation) {
		c.Status = status
		if status == StatusFailed {
			c.ErrorMessage = errMsg
			c.StageMessage = "Failed: " + errMsg
		} else {
			c.ProgressPercent = 1
			c.StageMessage = "Complete"
		}
		c.State = out.State
		c.Turns = out.Turns
		c.ScoreA, c.NotesA = out.Evaluation.A.Score, out.Evaluation.A.Notes
		c.ScoreB, c.NotesB = out.Evaluation.B.Score, out.Evaluation.B.Notes
		c.TranscriptKey = out.TranscriptKey
		c.TranscriptURL = out.TranscriptURL
		c.CompletedAt = at
		if !out.judged() {
			return
		}
		// update holds the lock, so the rows land with the status.
		for _, row := range compatibilities(*c, out.Evaluation, at) {
			m.compat[row.PersonaID] = append(m.compat[row.PersonaID], row)
		}
	})
}

func (m *Memory) Get(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convos[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// List pages through conversations newest first. IDs are ULIDs, so they
// sort by creation time; the cursor is the last ID of the previous page.
func (m *Memory) List(ctx context.Context, limit int, cursor string) ([]Conversation, string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	all := make([]Conversation, 0, len(m.convos))
	for _, c := range m.convos {
		if cursor == "" || c.ID < cursor {
			all = append(all, c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if len(all) <= limit {
		return all, "", nil
	}
	page := all[:limit]
	return page, page[len(page)-1].ID, nil
}

func (m *Memory) Compatibilities(ctx context.Context, personaID string) ([]Compatibility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Compatibility(nil), m.compat[personaID]...), nil
}
