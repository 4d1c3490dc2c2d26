// Package debrief generates a short post-call coaching note from the merged
// conversation transcript. It only runs when the backend sent no analysis of
// its own.
package debrief

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// minTranscriptWords is the floor below which a debrief is pointless.
const minTranscriptWords = 20

const systemPrompt = "You are a language conversation coach. Given the " +
	"transcript of a practice call, write a short debrief in markdown: what " +
	"the trainee did well, the two or three most impactful corrections " +
	"(grammar, word choice, register), and one thing to practice next time. " +
	"Keep it under 150 words."

// Store persists debrief results and the idempotency claims that keep a
// retry or restart from paying for the same completion twice.
type Store interface {
	ClaimDebriefRequest(conversationID int64, transcriptHash string) (bool, error)
	UpdateDebrief(conversationID int64, debrief, status string) error
}

// Coach calls the OpenAI chat API with retries and records the result.
type Coach struct {
	client *openai.Client
	model  string
	store  Store
	sleep  func(time.Duration)
}

func NewCoach(apiKey, model string, store Store) *Coach {
	return NewCoachWithConfig(openai.DefaultConfig(apiKey), model, store)
}

func NewCoachWithConfig(config openai.ClientConfig, model string, store Store) *Coach {
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	return &Coach{
		client: openai.NewClientWithConfig(config),
		model:  model,
		store:  store,
		sleep:  time.Sleep,
	}
}

// Debrief generates and stores a coaching note for one conversation. Short
// transcripts and already-claimed transcripts are skipped silently.
func (c *Coach) Debrief(ctx context.Context, conversationID int64, transcript string) error {
	if len(strings.Fields(transcript)) < minTranscriptWords {
		return nil
	}

	hash := sha256.Sum256([]byte(transcript))
	transcriptHash := hex.EncodeToString(hash[:])

	if c.store != nil {
		claimed, err := c.store.ClaimDebriefRequest(conversationID, transcriptHash)
		if err != nil {
			return fmt.Errorf("claim debrief request: %w", err)
		}
		if !claimed {
			return nil
		}
		if err := c.store.UpdateDebrief(conversationID, "", "running"); err != nil {
			return fmt.Errorf("mark debrief running: %w", err)
		}
	}

	note, err := c.complete(ctx, transcript)
	if err != nil {
		if c.store != nil {
			_ = c.store.UpdateDebrief(conversationID, "", "failed")
		}
		return err
	}

	if c.store != nil {
		if err := c.store.UpdateDebrief(conversationID, note, "completed"); err != nil {
			return fmt.Errorf("store debrief: %w", err)
		}
	}
	return nil
}

func (c *Coach) complete(ctx context.Context, transcript string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := 0; attempt < len(backoff); attempt++ {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", nil
			}
			return strings.TrimSpace(resp.Choices[0].Message.Content), nil
		}

		lastErr = err
		if attempt < len(backoff)-1 {
			c.sleep(backoff[attempt])
		}
	}

	return "", fmt.Errorf("debrief failed after retries: %w", lastErr)
}
