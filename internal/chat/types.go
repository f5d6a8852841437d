package chat

import (
	"encoding/json"
	"time"
)

// Citation points a reply back at the chunk it came from.
type Citation struct {
	FileID           int64  `json:"file_id"`
	OriginalFilename string `json:"original_filename"`
	ChunkIndex       int    `json:"chunk_index"`
	Snippet          string `json:"snippet"`
}

// Response is the synchronous chat result. Confidence is nil when no
// real retrieval backed the answer.
type Response struct {
	ConversationID       int64      `json:"conversation_id"`
	Message              string     `json:"message"`
	Tokens               int        `json:"tokens"`
	Model                string     `json:"model"`
	CreatedAt            time.Time  `json:"created_at"`
	Confidence           *float64   `json:"confidence"`
	RetrievedContext     string     `json:"retrieved_context,omitempty"`
	MaxConfidenceContext string     `json:"max_confidence_context,omitempty"`
	Sources              []Citation `json:"sources,omitempty"`
}

// StreamEvent is one frame of a streaming chat: token events carry
// content; the final done event carries the conversation id, confidence,
// and sources.
type StreamEvent struct {
	Type           string     `json:"type"` // token | done | error
	Content        string     `json:"content,omitempty"`
	ConversationID int64      `json:"conversation_id,omitempty"`
	Confidence     *float64   `json:"confidence,omitempty"`
	Sources        []Citation `json:"sources,omitempty"`
	Message        string     `json:"message,omitempty"`
}

func marshalCitations(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	b, err := json.Marshal(citations)
	if err != nil {
		return ""
	}
	return string(b)
}
