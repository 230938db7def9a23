package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/parley/internal/ai"
	"github.com/parley/parley/internal/domain"
	"github.com/parley/parley/internal/presence"
)

// fakeStore is an in-memory transcript store.
type fakeStore struct {
	mu           sync.Mutex
	msgs         map[domain.RoomID][]domain.Message
	participants map[domain.RoomID]map[domain.UserID]int
	appendErr    error
	readErr      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		msgs:         make(map[domain.RoomID][]domain.Message),
		participants: make(map[domain.RoomID]map[domain.UserID]int),
	}
}

func (s *fakeStore) AppendMessage(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.msgs[msg.RoomID] = append(s.msgs[msg.RoomID], msg)
	return nil
}

func (s *fakeStore) RecentMessages(roomID domain.RoomID, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	all := s.msgs[roomID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *fakeStore) AddParticipant(roomID domain.RoomID, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.participants[roomID]
	if !ok {
		set = make(map[domain.UserID]int)
		s.participants[roomID] = set
	}
	set[userID]++
	return nil
}

func (s *fakeStore) messages(roomID domain.RoomID) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.msgs[roomID]))
	copy(out, s.msgs[roomID])
	return out
}

// fakeGen is a scripted generator. An optional gate blocks Reply until
// released, to simulate a slow text-generation service.
type fakeGen struct {
	mu      sync.Mutex
	reply   string
	err     error
	gate    chan struct{}
	windows [][]ai.Turn
}

func (g *fakeGen) Reply(ctx context.Context, window []ai.Turn) (string, error) {
	g.mu.Lock()
	g.windows = append(g.windows, window)
	gate := g.gate
	reply, err := g.reply, g.err
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (g *fakeGen) Summarize(ctx context.Context, lines []ai.SummaryLine) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reply, g.err
}

func (g *fakeGen) capturedWindows() [][]ai.Turn {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]ai.Turn, len(g.windows))
	copy(out, g.windows)
	return out
}

// fakePeer records every frame delivered to a connection.
type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (p *fakePeer) TrySend(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return errors.New("backpressure")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.frames = append(p.frames, buf)
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

type frame struct {
	Type     string           `json:"type"`
	Messages []domain.Message `json:"messages"`
	Message  domain.Message   `json:"message"`
	Username string           `json:"username"`
	UserID   domain.UserID    `json:"user_id"`
	IsTyping bool             `json:"is_typing"`
	Error    string           `json:"error"`
}

func (p *fakePeer) events(t *testing.T, eventType string) []frame {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []frame
	for _, raw := range p.frames {
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

func setup(t *testing.T) (*Coordinator, *fakeStore, *fakeGen, *presence.Registry) {
	t.Helper()
	st := newFakeStore()
	gen := &fakeGen{reply: "generated reply"}
	reg := presence.NewRegistry()
	coord := NewCoordinator(st, gen, reg, 200*time.Millisecond)
	return coord, st, gen, reg
}

func flush(t *testing.T, coord *Coordinator) {
	t.Helper()
	require.NoError(t, coord.Shutdown(context.Background()))
}

const roomA = domain.RoomID("room-a")

func join(t *testing.T, coord *Coordinator, id, user string) *fakePeer {
	t.Helper()
	peer := &fakePeer{}
	require.NoError(t, coord.Join(presence.ConnID(id), peer, roomA, domain.UserID("uid-"+user), user))
	return peer
}

func TestJoinDeliversHistorySnapshot(t *testing.T) {
	coord, st, _, _ := setup(t)

	for _, content := range []string{"hello", "hi"} {
		uid := domain.UserID("uid-alice")
		require.NoError(t, st.AppendMessage(domain.Message{
			ID: content, RoomID: roomA, UserID: &uid, Content: content,
			Type: domain.MessageTypeUser, Username: "alice", CreatedAt: time.Now(),
		}))
	}

	alice := join(t, coord, "c1", "alice")
	bob := join(t, coord, "c2", "bob")

	snapshots := bob.events(t, EventRoomMessages)
	require.Len(t, snapshots, 1)
	require.Len(t, snapshots[0].Messages, 2)
	assert.Equal(t, "hello", snapshots[0].Messages[0].Content)
	assert.Equal(t, "hi", snapshots[0].Messages[1].Content)

	// The snapshot goes to the joiner only; alice keeps her own.
	assert.Len(t, alice.events(t, EventRoomMessages), 1)
	// Alice learns about bob; bob gets no join event for himself.
	joined := alice.events(t, EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0].Username)
	assert.Empty(t, bob.events(t, EventUserJoined))
}

func TestJoinHistoryReadFailureDegradesToEmpty(t *testing.T) {
	coord, st, _, reg := setup(t)
	st.readErr = errors.New("disk on fire")

	peer := join(t, coord, "c1", "alice")

	snapshots := peer.events(t, EventRoomMessages)
	require.Len(t, snapshots, 1)
	assert.Empty(t, snapshots[0].Messages)
	assert.Len(t, reg.LiveConnections(roomA), 1)
}

func TestBroadcastCompleteness(t *testing.T) {
	coord, _, _, _ := setup(t)
	peers := []*fakePeer{
		join(t, coord, "c1", "alice"),
		join(t, coord, "c2", "bob"),
		join(t, coord, "c3", "carol"),
	}

	require.NoError(t, coord.SendMessage("c1", "what's up"))
	flush(t, coord)

	var firstID string
	for i, p := range peers {
		msgs := p.events(t, EventNewMessage)
		var user []frame
		for _, m := range msgs {
			if m.Message.Type == domain.MessageTypeUser {
				user = append(user, m)
			}
		}
		require.Len(t, user, 1, "peer %d", i)
		assert.Equal(t, "what's up", user[0].Message.Content)
		if i == 0 {
			firstID = user[0].Message.ID
		} else {
			assert.Equal(t, firstID, user[0].Message.ID)
		}
	}
}

func TestNoCrossRoomLeakage(t *testing.T) {
	coord, _, _, _ := setup(t)
	alice := join(t, coord, "c1", "alice")

	other := &fakePeer{}
	require.NoError(t, coord.Join("c2", other, domain.RoomID("room-b"), "uid-bob", "bob"))

	require.NoError(t, coord.SendMessage("c1", "secret"))
	require.NoError(t, coord.SendMessage("c2", "elsewhere"))
	flush(t, coord)

	for _, f := range other.events(t, EventNewMessage) {
		assert.NotEqual(t, "secret", f.Message.Content)
		assert.Equal(t, domain.RoomID("room-b"), f.Message.RoomID)
	}
	for _, f := range alice.events(t, EventNewMessage) {
		assert.Equal(t, roomA, f.Message.RoomID)
	}
	assert.Empty(t, other.events(t, EventUserJoined))
}

func TestPerRoomOrdering(t *testing.T) {
	coord, _, _, _ := setup(t)
	peers := []*fakePeer{
		join(t, coord, "c1", "alice"),
		join(t, coord, "c2", "bob"),
	}

	require.NoError(t, coord.SendMessage("c1", "m1"))
	require.NoError(t, coord.SendMessage("c2", "m2"))
	flush(t, coord)

	for i, p := range peers {
		var order []string
		for _, f := range p.events(t, EventNewMessage) {
			if f.Message.Type == domain.MessageTypeUser {
				order = append(order, f.Message.Content)
			}
		}
		assert.Equal(t, []string{"m1", "m2"}, order, "peer %d", i)
	}
}

func TestGenerationReplyReachesRoom(t *testing.T) {
	coord, st, _, _ := setup(t)
	alice := join(t, coord, "c1", "alice")

	require.NoError(t, coord.SendMessage("c1", "hello ai"))
	flush(t, coord)

	replies := assistantEvents(t, alice)
	require.Len(t, replies, 1)
	assert.Equal(t, "generated reply", replies[0].Message.Content)
	assert.Equal(t, domain.AssistantName, replies[0].Message.Username)
	assert.Nil(t, replies[0].Message.UserID)

	msgs := st.messages(roomA)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageTypeAssistant, msgs[1].Type)
}

func TestGenerationFallbackExactlyOnce(t *testing.T) {
	coord, st, gen, _ := setup(t)
	gen.err = errors.New("model unavailable")
	alice := join(t, coord, "c1", "alice")

	require.NoError(t, coord.SendMessage("c1", "hello ai"))
	flush(t, coord)

	replies := assistantEvents(t, alice)
	require.Len(t, replies, 1)
	assert.Equal(t, ai.FallbackReply, replies[0].Message.Content)

	var persisted int
	for _, m := range st.messages(roomA) {
		if m.Type == domain.MessageTypeAssistant {
			persisted++
			assert.Equal(t, ai.FallbackReply, m.Content)
		}
	}
	assert.Equal(t, 1, persisted)
	// One retry before falling back, never more.
	assert.Len(t, gen.capturedWindows(), 2)
}

func TestGenerationTimeoutFallsBack(t *testing.T) {
	coord, _, gen, _ := setup(t)
	gen.gate = make(chan struct{}) // never released; attempts time out
	alice := join(t, coord, "c1", "alice")

	require.NoError(t, coord.SendMessage("c1", "hello ai"))
	flush(t, coord)

	replies := assistantEvents(t, alice)
	require.Len(t, replies, 1)
	assert.Equal(t, ai.FallbackReply, replies[0].Message.Content)
}

func TestWindowPinnedAtTriggerTime(t *testing.T) {
	coord, _, gen, _ := setup(t)
	gate := make(chan struct{})
	gen.gate = gate
	join(t, coord, "c1", "alice")
	join(t, coord, "c2", "bob")

	require.NoError(t, coord.SendMessage("c1", "m1"))
	require.NoError(t, coord.SendMessage("c2", "m2"))
	close(gate)
	flush(t, coord)

	// Completion order of the two pipelines is not deterministic, so identify
	// each trigger's window by its last entry.
	windows := gen.capturedWindows()
	require.Len(t, windows, 2)
	var sawFirst, sawSecond bool
	for _, w := range windows {
		require.NotEmpty(t, w)
		switch w[len(w)-1].Content {
		case "m1":
			sawFirst = true
			for _, turn := range w {
				assert.NotEqual(t, "m2", turn.Content, "first trigger's window must not see later messages")
			}
		case "m2":
			sawSecond = true
		}
	}
	assert.True(t, sawFirst)
	assert.True(t, sawSecond)
}

func TestAssistantReplyGoesToCurrentLiveSet(t *testing.T) {
	coord, _, gen, _ := setup(t)
	gate := make(chan struct{})
	gen.gate = gate
	join(t, coord, "c1", "alice")

	require.NoError(t, coord.SendMessage("c1", "hello ai"))

	// carol joins while generation is in flight, alice leaves.
	carol := join(t, coord, "c3", "carol")
	coord.Leave("c1")
	close(gate)
	flush(t, coord)

	require.Len(t, assistantEvents(t, carol), 1)
}

func TestSendRequiresJoin(t *testing.T) {
	coord, st, _, reg := setup(t)

	err := coord.SendMessage("ghost", "hi")
	assert.ErrorIs(t, err, presence.ErrUnknownConnection)

	peer := &fakePeer{}
	reg.Register("c1", "uid-alice", "alice", peer)
	err = coord.SendMessage("c1", "hi")
	assert.ErrorIs(t, err, ErrNotJoined)

	// No side effects: nothing persisted, nothing broadcast.
	assert.Empty(t, st.messages(roomA))
	assert.Empty(t, peer.events(t, EventNewMessage))
}

func TestSendPersistenceFailureIsNotBroadcast(t *testing.T) {
	coord, st, _, _ := setup(t)
	alice := join(t, coord, "c1", "alice")
	bob := join(t, coord, "c2", "bob")

	st.mu.Lock()
	st.appendErr = errors.New("disk full")
	st.mu.Unlock()

	err := coord.SendMessage("c1", "doomed")
	require.Error(t, err)
	flush(t, coord)

	assert.Empty(t, alice.events(t, EventNewMessage))
	assert.Empty(t, bob.events(t, EventNewMessage))
}

func TestTypingRelayedToOthersOnly(t *testing.T) {
	coord, st, _, _ := setup(t)
	alice := join(t, coord, "c1", "alice")
	bob := join(t, coord, "c2", "bob")

	coord.Typing("c1", true)
	coord.Typing("c1", false)

	typing := bob.events(t, EventUserTyping)
	require.Len(t, typing, 2)
	assert.Equal(t, "alice", typing[0].Username)
	assert.True(t, typing[0].IsTyping)
	assert.False(t, typing[1].IsTyping)

	assert.Empty(t, alice.events(t, EventUserTyping))
	// Typing is never persisted.
	assert.Empty(t, st.messages(roomA))
}

func TestPresenceCleanupOnDisconnect(t *testing.T) {
	coord, _, _, reg := setup(t)
	alice := join(t, coord, "c1", "alice")
	join(t, coord, "c2", "bob")

	coord.Disconnect("c2")

	left := alice.events(t, EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].Username)
	assert.Len(t, reg.LiveConnections(roomA), 1)

	coord.Disconnect("c1")
	assert.Empty(t, reg.LiveConnections(roomA))
	assert.Empty(t, reg.LiveRooms())
}

func TestLeaveThenDisconnectIsIdempotent(t *testing.T) {
	coord, _, _, _ := setup(t)
	alice := join(t, coord, "c1", "alice")
	join(t, coord, "c2", "bob")

	coord.Leave("c2")
	coord.Disconnect("c2")

	assert.Len(t, alice.events(t, EventUserLeft), 1)
}

func TestJoinTwiceKeepsSingleMembership(t *testing.T) {
	coord, st, _, reg := setup(t)
	join(t, coord, "c1", "alice")
	join(t, coord, "c1", "alice")

	st.mu.Lock()
	count := len(st.participants[roomA])
	st.mu.Unlock()
	assert.Equal(t, 1, count)
	assert.Len(t, reg.LiveConnections(roomA), 1)
}

func TestSummarize(t *testing.T) {
	coord, st, gen, _ := setup(t)
	gen.reply = "they talked about go"

	summary, err := coord.Summarize(context.Background(), roomA)
	require.NoError(t, err)
	assert.Equal(t, "No messages to summarize.", summary)

	uid := domain.UserID("uid-alice")
	require.NoError(t, st.AppendMessage(domain.Message{
		ID: "m1", RoomID: roomA, UserID: &uid, Content: "go is fun",
		Type: domain.MessageTypeUser, Username: "alice", CreatedAt: time.Now(),
	}))

	summary, err = coord.Summarize(context.Background(), roomA)
	require.NoError(t, err)
	assert.Equal(t, "they talked about go", summary)

	gen.mu.Lock()
	gen.err = errors.New("model unavailable")
	gen.mu.Unlock()
	summary, err = coord.Summarize(context.Background(), roomA)
	require.NoError(t, err)
	assert.Equal(t, ai.FallbackSummary, summary)
}

func TestExampleScenario(t *testing.T) {
	coord, st, _, _ := setup(t)
	for _, content := range []string{"hello", "hi"} {
		uid := domain.UserID("uid-x")
		require.NoError(t, st.AppendMessage(domain.Message{
			ID: content, RoomID: roomA, UserID: &uid, Content: content,
			Type: domain.MessageTypeUser, Username: "x", CreatedAt: time.Now(),
		}))
	}

	dee := join(t, coord, "d", "dee")

	snapshots := dee.events(t, EventRoomMessages)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "hello", snapshots[0].Messages[0].Content)
	assert.Equal(t, "hi", snapshots[0].Messages[1].Content)

	require.NoError(t, coord.SendMessage("d", "what's up"))
	flush(t, coord)

	msgs := dee.events(t, EventNewMessage)
	require.Len(t, msgs, 2)
	assert.Equal(t, "what's up", msgs[0].Message.Content)
	assert.Equal(t, domain.MessageTypeUser, msgs[0].Message.Type)
	assert.Equal(t, domain.MessageTypeAssistant, msgs[1].Message.Type)
	assert.Equal(t, domain.AssistantName, msgs[1].Message.Username)
}

func assistantEvents(t *testing.T, p *fakePeer) []frame {
	t.Helper()
	var out []frame
	for _, f := range p.events(t, EventNewMessage) {
		if f.Message.Type == domain.MessageTypeAssistant {
			out = append(out, f)
		}
	}
	return out
}
