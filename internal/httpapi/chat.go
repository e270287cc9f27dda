package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axrunhq/ax/internal/conversation"
	"github.com/axrunhq/ax/internal/router"
	"github.com/axrunhq/ax/internal/session"
)

// chatMessage is one OpenAI-shaped message in a request body.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the body of POST /v1/chat/completions.
type chatRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message,omitempty"`
	Delta        chatMessage `json:"delta,omitempty"`
	FinishReason *string     `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// handleChatCompletions implements POST /v1/chat/completions, driving
// one full turn of the pipeline synchronously: router inbound
// scan/enqueue, sandbox spawn, router outbound scan/canary-check, then
// an OpenAI chat-completion response (JSON or SSE per the stream flag).
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("request body exceeds 1 MiB"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}

	content, ok := lastUserContent(req.Messages)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("messages: at least one user message is required"))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if !session.IsValid(sessionID) {
		writeJSON(w, http.StatusBadRequest, errorBody("session_id is not a valid session identifier"))
		return
	}

	model := req.Model
	if model == "" {
		model = s.Model
	}

	ctx := r.Context()
	dec, err := s.Router.ProcessInbound(ctx, router.Inbound{
		SessionID: sessionID,
		Sender:    "http-user",
		Channel:   "http",
		Content:   content,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("processing error"))
		return
	}
	if !dec.Allow {
		s.respond(w, req.Stream, model, "Request blocked: "+fallbackReason(dec.Reason), "content_filter")
		return
	}

	if s.Conversation != nil {
		_ = s.Conversation.Append(sessionID, conversation.RoleUser, content, "http-user")
	}

	reply, err := s.Orchestrator.RunQueued(ctx, dec.QueueID, s.AgentID, s.AgentName, false)
	if err != nil {
		s.respond(w, req.Stream, model, "Agent processing failed: "+err.Error(), "stop")
		return
	}

	outDec, err := s.Router.ProcessOutbound(ctx, router.Outbound{SessionID: sessionID, Content: reply})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("processing error"))
		return
	}

	finalContent := reply
	finishReason := "stop"
	if !outDec.Allow {
		finalContent = "Response blocked by content scan."
		finishReason = "content_filter"
	}

	if s.Conversation != nil {
		_ = s.Conversation.Append(sessionID, conversation.RoleAssistant, finalContent, "")
	}

	s.respond(w, req.Stream, model, finalContent, finishReason)
}

// lastUserContent returns the content of the last message with
// role == "user", which drives this turn's agent invocation.
func lastUserContent(messages []chatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
			return messages[i].Content, true
		}
	}
	return "", false
}

func fallbackReason(reason string) string {
	if reason == "" {
		return "content policy violation"
	}
	return reason
}

// respond writes either a single JSON chat-completion body or, when
// stream is true, a one-chunk SSE stream terminated by "data: [DONE]".
func (s *Server) respond(w http.ResponseWriter, stream bool, model, content, finishReason string) {
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if !stream {
		writeJSON(w, http.StatusOK, chatCompletion{
			ID:      id,
			Object:  "chat.completion",
			Created: created,
			Model:   model,
			Choices: []chatChoice{{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: &finishReason,
			}},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	chunk := chatCompletion{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chatChoice{{
			Index: 0,
			Delta: chatMessage{Role: "assistant", Content: content},
		}},
	}
	writeSSE(w, chunk)
	if flusher != nil {
		flusher.Flush()
	}

	doneChunk := chunk
	doneChunk.Choices = []chatChoice{{Index: 0, FinishReason: &finishReason}}
	writeSSE(w, doneChunk)
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
