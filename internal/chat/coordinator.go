// Package chat is the room session coordinator: it validates inbound events,
// serializes per-room state changes, relays them to the right connections, and
// drives the generation pipeline.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parley/parley/internal/ai"
	"github.com/parley/parley/internal/domain"
	"github.com/parley/parley/internal/presence"
)

// ErrNotJoined is returned for actions that require a joined connection.
var ErrNotJoined = errors.New("not joined to a room")

const (
	historyLimit = 50
	windowLimit  = 10
	summaryLimit = 100
)

// TranscriptStore is the durable side the coordinator depends on.
type TranscriptStore interface {
	AppendMessage(msg domain.Message) error
	RecentMessages(roomID domain.RoomID, limit int) ([]domain.Message, error)
	AddParticipant(roomID domain.RoomID, userID domain.UserID) error
}

// Generator is the text-generation service.
type Generator interface {
	Reply(ctx context.Context, window []ai.Turn) (string, error)
	Summarize(ctx context.Context, lines []ai.SummaryLine) (string, error)
}

type Coordinator struct {
	store TranscriptStore
	gen   Generator
	reg   *presence.Registry

	genTimeout time.Duration

	// locks serializes accept+persist+broadcast per room so unrelated rooms
	// never wait on each other. Lock entries live as long as the process;
	// the set is bounded by the number of rooms ever touched.
	mu    sync.Mutex
	locks map[domain.RoomID]*sync.Mutex

	// In-flight generation tasks. Shutdown waits for them so no reply is
	// orphaned mid-append.
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewCoordinator(store TranscriptStore, gen Generator, reg *presence.Registry, genTimeout time.Duration) *Coordinator {
	if genTimeout <= 0 {
		genTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      store,
		gen:        gen,
		reg:        reg,
		genTimeout: genTimeout,
		locks:      make(map[domain.RoomID]*sync.Mutex),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Shutdown waits for in-flight generation tasks, cancelling them if ctx
// expires first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("coordinator shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) roomLock(roomID domain.RoomID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.locks[roomID]
	if !ok {
		lk = &sync.Mutex{}
		c.locks[roomID] = lk
	}
	return lk
}

// Join records durable membership, registers presence, replays the recent
// history to the joiner only, and announces the join to everyone else in the
// room. A connection already in another room leaves it first.
func (c *Coordinator) Join(connID presence.ConnID, peer presence.Peer, roomID domain.RoomID, userID domain.UserID, username string) error {
	// Leave any previous room under its own lock before touching the target
	// room, so lock acquisition stays single-room.
	c.detach(connID)

	c.reg.Register(connID, userID, username, peer)

	lk := c.roomLock(roomID)
	lk.Lock()
	defer lk.Unlock()

	if err := c.store.AddParticipant(roomID, userID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	if err := c.reg.JoinRoom(connID, roomID); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}

	history, err := c.store.RecentMessages(roomID, historyLimit)
	if err != nil {
		// Degrade to an empty snapshot rather than failing the join.
		log.Error().Err(err).Str("module", "chat").Str("room", string(roomID)).Msg("history read failed, joining with empty snapshot")
		history = nil
	}
	c.sendTo(peer, RoomMessages(history))

	c.broadcastLocked(roomID, UserJoined(username, userID), connID)
	log.Info().Str("module", "chat").Str("room", string(roomID)).Str("user", username).Msg("user joined room")
	return nil
}

// SendMessage persists and broadcasts a user message, then triggers the
// generation pipeline with a transcript window pinned before the room lock is
// released, so a concurrent send cannot leak into this trigger's window.
func (c *Coordinator) SendMessage(connID presence.ConnID, content string) error {
	info, err := c.reg.WhoIs(connID)
	if err != nil {
		return err
	}
	if info.RoomID == "" {
		return ErrNotJoined
	}
	roomID := info.RoomID

	lk := c.roomLock(roomID)
	lk.Lock()

	msg := domain.NewUserMessage(roomID, info.UserID, info.Username, content)
	if err := c.store.AppendMessage(msg); err != nil {
		lk.Unlock()
		return fmt.Errorf("send message: %w", err)
	}
	c.broadcastLocked(roomID, NewMessage(msg), "")

	window, werr := c.store.RecentMessages(roomID, windowLimit)
	lk.Unlock()

	if werr != nil {
		// The trigger itself is always part of the window.
		log.Error().Err(werr).Str("module", "chat").Str("room", string(roomID)).Msg("window read failed, generating from trigger only")
		window = []domain.Message{msg}
	}
	c.spawnGeneration(roomID, window)
	return nil
}

// Typing relays the indicator to everyone else in the sender's room. It is
// best-effort: nothing is persisted and an unjoined sender is ignored.
func (c *Coordinator) Typing(connID presence.ConnID, isTyping bool) {
	info, err := c.reg.WhoIs(connID)
	if err != nil || info.RoomID == "" {
		return
	}
	lk := c.roomLock(info.RoomID)
	lk.Lock()
	defer lk.Unlock()
	c.broadcastLocked(info.RoomID, UserTyping(info.Username, isTyping), connID)
}

// Leave announces the departure to the remaining participants and clears the
// connection's presence. The connection itself stays registered.
func (c *Coordinator) Leave(connID presence.ConnID) {
	c.detach(connID)
}

// Disconnect has the same room side effects as Leave plus full deregistration.
// Idempotent when it fires after an explicit leave.
func (c *Coordinator) Disconnect(connID presence.ConnID) {
	c.detach(connID)
	c.reg.Remove(connID)
}

func (c *Coordinator) detach(connID presence.ConnID) {
	info, err := c.reg.WhoIs(connID)
	if err != nil || info.RoomID == "" {
		return
	}
	lk := c.roomLock(info.RoomID)
	lk.Lock()
	defer lk.Unlock()
	// Recheck under the lock so a leave/disconnect pair announces once.
	if cur, err := c.reg.WhoIs(connID); err != nil || cur.RoomID != info.RoomID {
		return
	}
	c.reg.LeaveRoom(connID)
	c.broadcastLocked(info.RoomID, UserLeft(info.Username, info.UserID), connID)
	log.Info().Str("module", "chat").Str("room", string(info.RoomID)).Str("user", info.Username).Msg("user left room")
}

// broadcastLocked fans out one event to the room's current live set, skipping
// exclude. Caller holds the room lock, so the snapshot cannot change
// mid-broadcast. A connection whose send buffer is full is torn down instead
// of stalling the room.
func (c *Coordinator) broadcastLocked(roomID domain.RoomID, payload []byte, exclude presence.ConnID) {
	if payload == nil {
		return
	}
	for _, conn := range c.reg.LiveConnections(roomID) {
		if conn.ID == exclude {
			continue
		}
		if err := conn.Peer.TrySend(payload); err != nil {
			log.Warn().Str("module", "chat").Str("conn", string(conn.ID)).Str("room", string(roomID)).Msg("send buffer full, dropping connection")
			c.reg.Remove(conn.ID)
			conn.Peer.Close()
		}
	}
}

func (c *Coordinator) sendTo(peer presence.Peer, payload []byte) {
	if peer == nil || payload == nil {
		return
	}
	if err := peer.TrySend(payload); err != nil {
		log.Warn().Str("module", "chat").Msg("direct send failed")
	}
}

// Summarize is the out-of-band transcript summary: no state machine, a
// stateless pass-through with its own fallback.
func (c *Coordinator) Summarize(ctx context.Context, roomID domain.RoomID) (string, error) {
	msgs, err := c.store.RecentMessages(roomID, summaryLimit)
	if err != nil {
		return "", fmt.Errorf("summarize room %s: %w", roomID, err)
	}
	if len(msgs) == 0 {
		return "No messages to summarize.", nil
	}

	lines := make([]ai.SummaryLine, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, ai.SummaryLine{Username: m.Username, Content: m.Content})
	}

	genCtx, cancel := context.WithTimeout(ctx, c.genTimeout)
	defer cancel()
	summary, err := c.gen.Summarize(genCtx, lines)
	if err != nil {
		log.Error().Err(err).Str("module", "chat").Str("room", string(roomID)).Msg("summary generation failed")
		return ai.FallbackSummary, nil
	}
	return summary, nil
}
