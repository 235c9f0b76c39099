package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpod/agentpod/pkg/agentapi"
)

// memStore is an in-memory chat.Store for syncer tests.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	messages  map[string]*Message
	toolCalls map[string]*ToolCall
	nextSeq   int64
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[string]*Session),
		messages:  make(map[string]*Message),
		toolCalls: make(map[string]*ToolCall),
	}
}

func (s *memStore) CreateSession(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		cp := *session
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) GetSessionByAgentID(_ context.Context, sandboxID, agentSessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.SandboxID == sandboxID && session.AgentSessionID == agentSessionID {
			cp := *session
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListSessions(_ context.Context, sandboxID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, session := range s.sessions {
		if session.SandboxID == sandboxID {
			cp := *session
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) UpdateSessionStatus(_ context.Context, id string, status SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.Status = status
	}
	return nil
}

func (s *memStore) DeleteSandboxSessions(_ context.Context, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, session := range s.sessions {
		if session.SandboxID == sandboxID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *memStore) UpsertMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[m.ID]; ok {
		m.Seq = existing.Seq
	} else {
		s.nextSeq++
		m.Seq = s.nextSeq
	}
	cp := *m
	cp.Parts = append([]Part(nil), m.Parts...)
	s.messages[m.ID] = &cp
	return nil
}

func (s *memStore) ListMessages(_ context.Context, sessionID string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) CountMessages(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (s *memStore) EvictOldest(_ context.Context, sessionID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.messages {
		if m.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return s.messages[ids[i]].Seq < s.messages[ids[j]].Seq })
	for i := 0; i < n && i < len(ids); i++ {
		delete(s.messages, ids[i])
	}
	return nil
}

func (s *memStore) UpsertToolCall(_ context.Context, tc *ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tc
	s.toolCalls[tc.ID] = &cp
	return nil
}

func (s *memStore) GetToolCall(_ context.Context, id string) (*ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tc, ok := s.toolCalls[id]; ok {
		cp := *tc
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) ListToolCalls(_ context.Context, sessionID string) ([]*ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ToolCall
	for _, tc := range s.toolCalls {
		if tc.SessionID == sessionID {
			cp := *tc
			out = append(out, &cp)
		}
	}
	return out, nil
}

// scriptedClient replays a fixed set of events and then closes the stream.
type scriptedClient struct {
	events []*agentapi.Event
	block  bool // keep the stream open after replaying
}

func (c *scriptedClient) Events(ctx context.Context) (<-chan *agentapi.Event, error) {
	out := make(chan *agentapi.Event, len(c.events))
	for _, ev := range c.events {
		out <- ev
	}
	if c.block {
		go func() {
			<-ctx.Done()
			close(out)
		}()
	} else {
		close(out)
	}
	return out, nil
}

func (c *scriptedClient) CreateSession(context.Context) (string, error) { return "ses-1", nil }
func (c *scriptedClient) SendPrompt(context.Context, string, agentapi.PromptRequest) error {
	return nil
}
func (c *scriptedClient) ReplyPermission(context.Context, string, string, string) error { return nil }
func (c *scriptedClient) Abort(context.Context, string) error                           { return nil }

func messageUpdated(msgID, role string) *agentapi.Event {
	props, _ := json.Marshal(agentapi.MessageUpdatedProperties{
		Info: agentapi.MessageInfo{ID: msgID, SessionID: "ses-agent", Role: role},
	})
	return &agentapi.Event{Type: agentapi.EventMessageUpdated, Properties: props}
}

func textPart(msgID, partID, text string) *agentapi.Event {
	props, _ := json.Marshal(agentapi.MessagePartUpdatedProperties{
		Part: agentapi.Part{
			ID:        partID,
			Type:      agentapi.PartTypeText,
			MessageID: msgID,
			SessionID: "ses-agent",
			Text:      text,
		},
	})
	return &agentapi.Event{Type: agentapi.EventMessagePartUpdated, Properties: props}
}

func toolPart(msgID, callID, tool, status, output string) *agentapi.Event {
	props, _ := json.Marshal(agentapi.MessagePartUpdatedProperties{
		Part: agentapi.Part{
			ID:        "prt-" + callID,
			Type:      agentapi.PartTypeTool,
			MessageID: msgID,
			SessionID: "ses-agent",
			CallID:    callID,
			Tool:      tool,
			State: &agentapi.ToolState{
				Status: status,
				Input:  json.RawMessage(`{"path":"main.go"}`),
				Output: output,
			},
		},
	})
	return &agentapi.Event{Type: agentapi.EventMessagePartUpdated, Properties: props}
}

func newTestManager(t *testing.T, store Store, limits Limits, client AgentClient) *Manager {
	t.Helper()
	log := testLogger(t)
	hub := NewHub(256, log)
	return NewManager(store, hub, limits, func(string) AgentClient { return client }, log)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSyncerPersistsMessages(t *testing.T) {
	store := newMemStore()
	client := &scriptedClient{
		block: true,
		events: []*agentapi.Event{
			messageUpdated("msg-1", RoleUser),
			textPart("msg-1", "prt-1", "fix the bug"),
			messageUpdated("msg-2", RoleAssistant),
			textPart("msg-2", "prt-2", "On it."),
			textPart("msg-2", "prt-2", "On it. Looking at main.go now."),
		},
	}
	mgr := newTestManager(t, store, DefaultLimits(), client)
	defer mgr.Close()

	mgr.StartSync("sb-1", "172.20.0.5")

	waitFor(t, func() bool {
		sessions, _ := store.ListSessions(context.Background(), "sb-1")
		if len(sessions) != 1 {
			return false
		}
		msgs, _ := store.ListMessages(context.Background(), sessions[0].ID, 0)
		return len(msgs) == 2
	})

	sessions, err := store.ListSessions(context.Background(), "sb-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "ses-agent", sessions[0].AgentSessionID)
	assert.Equal(t, SessionActive, sessions[0].Status)

	msgs, err := store.ListMessages(context.Background(), sessions[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Parts, 1)
	// Later part updates replace, never duplicate.
	assert.Equal(t, "On it. Looking at main.go now.", msgs[1].Parts[0].Text)
	assert.Less(t, msgs[0].Seq, msgs[1].Seq)
}

func TestSyncerPersistsToolCalls(t *testing.T) {
	store := newMemStore()
	client := &scriptedClient{
		block: true,
		events: []*agentapi.Event{
			messageUpdated("msg-1", RoleAssistant),
			toolPart("msg-1", "call-1", "read_file", agentapi.ToolStatusRunning, ""),
			toolPart("msg-1", "call-1", "read_file", agentapi.ToolStatusCompleted, "package main"),
		},
	}
	mgr := newTestManager(t, store, DefaultLimits(), client)
	defer mgr.Close()

	mgr.StartSync("sb-1", "172.20.0.5")

	waitFor(t, func() bool {
		tc, _ := store.GetToolCall(context.Background(), "call-1")
		return tc != nil && tc.Status == ToolCallCompleted
	})

	tc, err := store.GetToolCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, "read_file", tc.Name)
	assert.Equal(t, "msg-1", tc.MessageID)
	assert.Equal(t, "package main", tc.Output)
	assert.JSONEq(t, `{"path":"main.go"}`, string(tc.Input))
}

func TestSyncerRecordsSessionError(t *testing.T) {
	store := newMemStore()
	errProps, _ := json.Marshal(agentapi.SessionErrorProperties{
		SessionID: "ses-agent", Message: "model overloaded",
	})
	client := &scriptedClient{
		block: true,
		events: []*agentapi.Event{
			messageUpdated("msg-1", RoleUser),
			{Type: agentapi.EventSessionError, Properties: errProps},
		},
	}
	mgr := newTestManager(t, store, DefaultLimits(), client)
	defer mgr.Close()

	mgr.StartSync("sb-1", "172.20.0.5")

	waitFor(t, func() bool {
		sessions, _ := store.ListSessions(context.Background(), "sb-1")
		return len(sessions) == 1 && sessions[0].Status == SessionError
	})
}

func TestSyncerTruncatesOversizedMessages(t *testing.T) {
	store := newMemStore()
	limits := Limits{MaxMessages: 1000, EvictBatch: 100, MaxMessageBytes: 64}
	client := &scriptedClient{
		block: true,
		events: []*agentapi.Event{
			messageUpdated("msg-1", RoleAssistant),
			textPart("msg-1", "prt-1", strings.Repeat("x", 500)),
		},
	}
	mgr := newTestManager(t, store, limits, client)
	defer mgr.Close()

	mgr.StartSync("sb-1", "172.20.0.5")

	waitFor(t, func() bool {
		sessions, _ := store.ListSessions(context.Background(), "sb-1")
		if len(sessions) != 1 {
			return false
		}
		msgs, _ := store.ListMessages(context.Background(), sessions[0].ID, 0)
		return len(msgs) == 1 && len(msgs[0].Parts) == 1
	})

	sessions, _ := store.ListSessions(context.Background(), "sb-1")
	msgs, err := store.ListMessages(context.Background(), sessions[0].ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs[0].Parts[0].Text, 64)
}

func TestSyncerEvictsOldMessages(t *testing.T) {
	store := newMemStore()
	limits := Limits{MaxMessages: 10, EvictBatch: 4, MaxMessageBytes: 1 << 20}

	var events []*agentapi.Event
	for i := 0; i < 15; i++ {
		events = append(events, messageUpdated(fmt.Sprintf("msg-%d", i), RoleUser))
	}
	client := &scriptedClient{block: true, events: events}
	mgr := newTestManager(t, store, limits, client)
	defer mgr.Close()

	mgr.StartSync("sb-1", "172.20.0.5")

	waitFor(t, func() bool {
		sessions, _ := store.ListSessions(context.Background(), "sb-1")
		if len(sessions) != 1 {
			return false
		}
		msgs, _ := store.ListMessages(context.Background(), sessions[0].ID, 0)
		return len(msgs) > 0 && msgs[len(msgs)-1].ID == "msg-14"
	})

	sessions, _ := store.ListSessions(context.Background(), "sb-1")
	msgs, err := store.ListMessages(context.Background(), sessions[0].ID, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(msgs), limits.MaxMessages)
	// Eviction removes the lowest sequence numbers first.
	assert.Equal(t, "msg-14", msgs[len(msgs)-1].ID)
}

func TestSyncerForwardsEventsToHub(t *testing.T) {
	store := newMemStore()
	client := &scriptedClient{
		block: true,
		events: []*agentapi.Event{
			messageUpdated("msg-1", RoleUser),
			textPart("msg-1", "prt-1", "hello"),
		},
	}
	mgr := newTestManager(t, store, DefaultLimits(), client)
	defer mgr.Close()

	sub := mgr.Hub().Subscribe("sb-1")
	defer sub.Close()

	mgr.StartSync("sb-1", "172.20.0.5")

	var got []*agentapi.Event
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscriber closed early: %v", sub.Reason())
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("events not forwarded")
		}
	}
	assert.Equal(t, agentapi.EventMessageUpdated, got[0].Type)
	assert.Equal(t, agentapi.EventMessagePartUpdated, got[1].Type)
}

func TestStreamEndDisconnectsSubscribers(t *testing.T) {
	store := newMemStore()
	client := &scriptedClient{events: []*agentapi.Event{messageUpdated("msg-1", RoleUser)}}
	mgr := newTestManager(t, store, DefaultLimits(), client)
	defer mgr.Close()

	sub := mgr.Hub().Subscribe("sb-1")
	mgr.StartSync("sb-1", "172.20.0.5")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				assert.Equal(t, DisconnectStream, sub.Reason())
				return
			}
		case <-deadline:
			t.Fatal("subscribers were not disconnected on stream end")
		}
	}
}

func TestStopSyncDisconnectsSubscribers(t *testing.T) {
	store := newMemStore()
	client := &scriptedClient{block: true, events: []*agentapi.Event{messageUpdated("msg-1", RoleUser)}}
	mgr := newTestManager(t, store, DefaultLimits(), client)
	defer mgr.Close()

	sub := mgr.Hub().Subscribe("sb-1")
	mgr.StartSync("sb-1", "172.20.0.5")

	waitFor(t, func() bool {
		sessions, _ := store.ListSessions(context.Background(), "sb-1")
		return len(sessions) == 1
	})
	mgr.StopSync("sb-1")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				assert.Equal(t, DisconnectStream, sub.Reason())
				return
			}
		case <-deadline:
			t.Fatal("subscribers were not disconnected on stop")
		}
	}
}
