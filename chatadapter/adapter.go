// Copyright 2025 The Starcite Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package chatadapter adapts the starcite client core to the "incremental
// chat" pattern used by streaming chat UIs: appending a user message and
// projecting the resulting tail into a stream of UI message chunks.
package chatadapter

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/starcite-dev/starcite-go/internal/wire"
	"github.com/starcite-dev/starcite-go/starcite"
)

// UIMessageChunk is implemented by every chunk [Adapter] yields.
type UIMessageChunk interface {
	uiMessageChunk()
}

type StartChunk struct{ MessageID string }
type TextStartChunk struct{ ID string }
type TextDeltaChunk struct {
	ID    string
	Delta string
}
type TextEndChunk struct{ ID string }
type FinishChunk struct{ FinishReason string }

func (*StartChunk) uiMessageChunk()     {}
func (*TextStartChunk) uiMessageChunk() {}
func (*TextDeltaChunk) uiMessageChunk() {}
func (*TextEndChunk) uiMessageChunk()   {}
func (*FinishChunk) uiMessageChunk()    {}

// ChatMessage is one message in the transcript passed to SendMessages,
// mirroring the AI-SDK wire shape this adapter targets.
type ChatMessage struct {
	Role string
	Text string
}

const producerID = "producer:use-chat"

// known chunk-taxonomy "type" discriminators a server-emitted payload may
// already use; such payloads are forwarded verbatim instead of being
// wrapped in the synthetic 5-chunk sequence.
var knownChunkTypes = map[string]bool{
	"start":      true,
	"text-start": true,
	"text-delta": true,
	"text-end":   true,
	"finish":     true,
}

// Adapter bridges one *starcite.Client to the chat pattern: one
// [Adapter] instance fans out to however many chats share its
// Client, tracking each chat's session, tail cursor, and producer_seq
// independently.
type Adapter struct {
	Client *starcite.Client
	// UserAgent identifies this client's own messages in the tail (sent as
	// actor "agent:<UserAgent>"), so the adapter's own appends aren't
	// re-projected into chunks when they're read back.
	UserAgent string

	mu        sync.Mutex
	sessionOf map[string]string // chatId -> sessionId
	cursorOf  map[string]int64  // chatId -> last-known tail cursor
	seqOf     map[string]int64  // chatId -> producer_seq counter
}

// NewAdapter returns an Adapter bound to client. userAgent, if empty,
// defaults to "use-chat".
func NewAdapter(client *starcite.Client, userAgent string) *Adapter {
	if userAgent == "" {
		userAgent = "use-chat"
	}
	return &Adapter{
		Client:    client,
		UserAgent: userAgent,
		sessionOf: make(map[string]string),
		cursorOf:  make(map[string]int64),
		seqOf:     make(map[string]int64),
	}
}

// SendMessagesInput is the argument to [Adapter.SendMessages].
type SendMessagesInput struct {
	ChatID   string
	Messages []ChatMessage
	// Trigger is the AI-SDK trigger string (e.g. "submit-message",
	// "regenerate-message"). Regenerate triggers skip appending a new user
	// message and just resume tailing.
	Trigger   string
	MessageID string
	Abort     <-chan struct{}
}

// SendMessages obtains or creates the chat's session, appends the latest
// user message (unless Trigger is a regenerate trigger), and returns a
// lazy sequence of UI message chunks tailing from the resulting cursor.
func (a *Adapter) SendMessages(ctx context.Context, in SendMessagesInput) (iter.Seq2[UIMessageChunk, error], error) {
	sessionID, err := a.resolveSession(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	session := a.Client.Session(sessionID, starcite.SessionOptions{ProducerID: producerID})

	cursor := int64(0)
	if in.Trigger != "regenerate-message" && in.Trigger != "regenerate-assistant-message" {
		text := latestUserMessageText(in.Messages)
		seq := a.nextSeq(in.ChatID)
		resp, err := session.Append(ctx, "chat.user.message",
			map[string]any{"text": text},
			starcite.WithActor("agent:"+a.UserAgent),
			starcite.WithIdempotencyKey(fmt.Sprintf("%s:%s:%d", producerID, in.ChatID, seq)),
			func(r *starcite.AppendRequest) { r.ProducerSeq = seq },
		)
		if err != nil {
			return nil, fmt.Errorf("starcite/chatadapter: append user message: %w", err)
		}
		cursor = resp.Seq
	} else {
		a.mu.Lock()
		cursor = a.cursorOf[in.ChatID]
		a.mu.Unlock()
	}

	a.rememberCursor(in.ChatID, cursor)

	chunks, err := a.openProjectedTail(in.ChatID, session, cursor, in.Abort)
	if err != nil {
		return nil, fmt.Errorf("starcite/chatadapter: open tail: %w", err)
	}
	return chunks, nil
}

// ReconnectToStreamInput is the argument to [Adapter.ReconnectToStream].
type ReconnectToStreamInput struct {
	ChatID string
	Abort  <-chan struct{}
}

// ReconnectToStream resumes tailing a chat's session from the last cursor
// this Adapter remembers for it. ok is false if no cursor is remembered
// (the chat was never sent through this Adapter instance).
func (a *Adapter) ReconnectToStream(ctx context.Context, in ReconnectToStreamInput) (seq iter.Seq2[UIMessageChunk, error], ok bool, err error) {
	a.mu.Lock()
	sessionID, hasSession := a.sessionOf[in.ChatID]
	cursor, hasCursor := a.cursorOf[in.ChatID]
	a.mu.Unlock()
	if !hasSession || !hasCursor {
		return nil, false, nil
	}

	session := a.Client.Session(sessionID, starcite.SessionOptions{ProducerID: producerID})
	chunks, err := a.openProjectedTail(in.ChatID, session, cursor, in.Abort)
	if err != nil {
		return nil, false, fmt.Errorf("starcite/chatadapter: reopen tail: %w", err)
	}
	return chunks, true, nil
}

// openProjectedTail opens a follow-mode tail and returns its chunk
// projection. The tail's abort is owned here: it fires when the caller's
// abort fires or when projection finishes, so a stopped projection never
// leaves the underlying socket following forever.
func (a *Adapter) openProjectedTail(chatID string, session *starcite.Session, cursor int64, abort <-chan struct{}) (iter.Seq2[UIMessageChunk, error], error) {
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	if abort != nil {
		go func() {
			select {
			case <-abort:
				stop()
			case <-stopCh:
			}
		}()
	}

	stream, err := session.Tail(starcite.TailOptions{Cursor: cursor, Abort: stopCh})
	if err != nil {
		stop()
		return nil, err
	}
	return a.projectStream(chatID, stream, stop), nil
}

func (a *Adapter) resolveSession(ctx context.Context, chatID string) (string, error) {
	a.mu.Lock()
	if id, ok := a.sessionOf[chatID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	rec, err := a.Client.CreateSession(ctx, starcite.CreateSessionInput{ID: chatID})
	if err != nil {
		var apiErr *starcite.ApiError
		if isAlreadyExists(err, &apiErr) {
			a.mu.Lock()
			a.sessionOf[chatID] = chatID
			a.mu.Unlock()
			return chatID, nil
		}
		return "", fmt.Errorf("starcite/chatadapter: create session: %w", err)
	}

	a.mu.Lock()
	a.sessionOf[chatID] = rec.ID
	a.mu.Unlock()
	return rec.ID, nil
}

// isAlreadyExists reports whether err is the well-known "this chat's
// session already exists" outcome: HTTP 409 with code "session_exists",
// which is success, not failure.
func isAlreadyExists(err error, target **starcite.ApiError) bool {
	if e, ok := err.(*starcite.ApiError); ok {
		*target = e
		return e.Status == 409 && e.Code == "session_exists"
	}
	return false
}

func (a *Adapter) nextSeq(chatID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seqOf[chatID]++
	return a.seqOf[chatID]
}

func (a *Adapter) rememberCursor(chatID string, cursor int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursorOf[chatID] = cursor
}

// projectStream turns a TailStream's events into UI message chunks,
// remembering the stream's cursor as events are consumed so a later
// ReconnectToStream call resumes correctly.
func (a *Adapter) projectStream(chatID string, stream *starcite.TailStream, stop func()) iter.Seq2[UIMessageChunk, error] {
	return func(yield func(UIMessageChunk, error) bool) {
		defer stop()
		ctx := context.Background()
		for ev, err := range stream.Events(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			a.rememberCursor(chatID, stream.Cursor())

			chunks, stop := projectEvent(ev, a.UserAgent)
			for _, c := range chunks {
				if !yield(c, nil) {
					return
				}
			}
			if stop {
				return
			}
		}
	}
}

// projectEvent implements the chunk-projection rule: events authored by
// this adapter's own user-agent are skipped; payloads already shaped like
// a known chunk type are forwarded as-is without stopping; everything
// else becomes the synthetic five-chunk sequence and stops iteration.
func projectEvent(ev starcite.Event, userAgent string) (chunks []UIMessageChunk, stop bool) {
	if ev.Actor == "agent:"+userAgent {
		return nil, false
	}

	if t, _ := ev.Payload["type"].(string); t != "" && knownChunkTypes[t] {
		return []UIMessageChunk{chunkFromPayload(t, ev.Payload)}, false
	}

	if ev.Type == "chat.response.error" {
		messageID, _ := ev.Payload["messageId"].(string)
		textID, _ := ev.Payload["textPartId"].(string)
		message, _ := ev.Payload["message"].(string)
		return syntheticChunks(messageID, textID, message, "error"), true
	}

	messageID, _ := ev.Payload["messageId"].(string)
	textID, _ := ev.Payload["textPartId"].(string)
	text, _ := ev.Payload["text"].(string)
	return syntheticChunks(messageID, textID, text, "stop"), true
}

func syntheticChunks(messageID, textID, text, finishReason string) []UIMessageChunk {
	return []UIMessageChunk{
		&StartChunk{MessageID: messageID},
		&TextStartChunk{ID: textID},
		&TextDeltaChunk{ID: textID, Delta: text},
		&TextEndChunk{ID: textID},
		&FinishChunk{FinishReason: finishReason},
	}
}

// wireChunkShape covers every field any of the known chunk-taxonomy
// payloads may carry; chunkFromPayload remarshals into it once and then
// picks the fields the given type discriminator needs, rather than
// repeating field-by-field type assertions per case.
type wireChunkShape struct {
	MessageID    string `json:"messageId"`
	ID           string `json:"id"`
	Delta        string `json:"delta"`
	FinishReason string `json:"finishReason"`
}

func chunkFromPayload(t string, payload map[string]any) UIMessageChunk {
	var shape wireChunkShape
	_ = wire.Remarshal(payload, &shape)

	switch t {
	case "start":
		return &StartChunk{MessageID: shape.MessageID}
	case "text-start":
		return &TextStartChunk{ID: shape.ID}
	case "text-delta":
		return &TextDeltaChunk{ID: shape.ID, Delta: shape.Delta}
	case "text-end":
		return &TextEndChunk{ID: shape.ID}
	case "finish":
		return &FinishChunk{FinishReason: shape.FinishReason}
	default:
		return &FinishChunk{FinishReason: "stop"}
	}
}

func latestUserMessageText(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Text
	}
	return ""
}
