package chat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/parley/parley/internal/ai"
	"github.com/parley/parley/internal/domain"
)

// spawnGeneration runs the generation pipeline for one trigger on its own
// goroutine. The window was captured at trigger time and stays stable for
// this call even while new messages are appended. Failures never reach room
// state: a failed or timed-out call produces the fixed fallback reply, so
// exactly one assistant message is appended and broadcast per trigger.
func (c *Coordinator) spawnGeneration(roomID domain.RoomID, window []domain.Message) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("module", "chat").Str("room", string(roomID)).Any("panic", r).Msg("generation pipeline panic")
			}
		}()

		content, err := c.generate(windowTurns(window))
		if err != nil {
			log.Error().Err(err).Str("module", "chat").Str("room", string(roomID)).Msg("generation failed, using fallback reply")
			content = ai.FallbackReply
		}

		reply := domain.NewAssistantMessage(roomID, content)

		lk := c.roomLock(roomID)
		lk.Lock()
		defer lk.Unlock()
		if err := c.store.AppendMessage(reply); err != nil {
			// Never broadcast a message that is not in the log.
			log.Error().Err(err).Str("module", "chat").Str("room", string(roomID)).Msg("assistant reply append failed")
			return
		}
		c.broadcastLocked(roomID, NewMessage(reply), "")
	}()
}

// generate calls the text-generation service with a bounded timeout per
// attempt and at most one retry before the caller falls back.
func (c *Coordinator) generate(turns []ai.Turn) (string, error) {
	content, err := c.generateOnce(turns)
	if err == nil {
		return content, nil
	}
	if c.baseCtx.Err() != nil {
		return "", err
	}
	log.Warn().Err(err).Str("module", "chat").Msg("generation attempt failed, retrying once")
	return c.generateOnce(turns)
}

func (c *Coordinator) generateOnce(turns []ai.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.genTimeout)
	defer cancel()
	return c.gen.Reply(ctx, turns)
}

// windowTurns maps the transcript window to role/content pairs: assistant for
// generated messages, user for everything else.
func windowTurns(window []domain.Message) []ai.Turn {
	turns := make([]ai.Turn, 0, len(window))
	for _, m := range window {
		role := "user"
		if m.Type == domain.MessageTypeAssistant {
			role = "assistant"
		}
		turns = append(turns, ai.Turn{Role: role, Content: m.Content})
	}
	return turns
}
