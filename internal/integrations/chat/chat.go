// Package chat implements the chat delivery handler (spec.md §4.6): a
// signed outbound post to the chat platform using the user's resolved
// channel handle, grounded on the teacher's crab-discord listener's
// discordgo.New/bot-token-normalization session construction, adapted
// from an inbound listener into an outbound sender.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/dispatcher"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

// Config is the per-user/per-default chat delivery configuration.
type Config struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// Handler posts response content back to the configured chat channel,
// reusing a single bot session across deliveries.
type Handler struct {
	defaultChannel string

	mu      sync.Mutex
	session *discordgo.Session
}

// New builds the discordgo session at construction when a bot token is
// set. With no token (or a session that fails to build) the session stays
// nil, and only Deliver calls fail, with a non-retryable outcome.
func New(botToken, defaultChannel string) *Handler {
	h := &Handler{defaultChannel: defaultChannel}
	if strings.TrimSpace(botToken) != "" {
		if s, err := discordgo.New(normalizeBotToken(botToken)); err == nil {
			h.session = s
		}
	}
	return h
}

func (h *Handler) Deliver(_ context.Context, cfg store.EffectiveConfig, payload dispatcher.DeliveryPayload) dispatcher.Outcome {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return dispatcher.Outcome{Success: false, Retryable: false, Error: "chat integration has no configured bot session"}
	}

	var chatCfg Config
	if cfg.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigJSON), &chatCfg); err != nil {
			return dispatcher.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("invalid chat config: %v", err)}
		}
	}
	channelID := chatCfg.ChannelID
	if channelID == "" {
		channelID = h.defaultChannel
	}
	if channelID == "" {
		return dispatcher.Outcome{Success: false, Retryable: false, Error: "chat delivery has no destination channel"}
	}

	send := &discordgo.MessageSend{Content: payload.Content}
	if chatCfg.ThreadID != "" {
		_, err := session.ChannelMessageSendComplex(chatCfg.ThreadID, send)
		return outcomeFromErr(err)
	}
	_, err := session.ChannelMessageSendComplex(channelID, send)
	return outcomeFromErr(err)
}

func outcomeFromErr(err error) dispatcher.Outcome {
	if err == nil {
		return dispatcher.Outcome{Success: true}
	}
	return dispatcher.Outcome{Success: false, Retryable: true, Error: err.Error()}
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}

var _ dispatcher.Handler = (*Handler)(nil)
