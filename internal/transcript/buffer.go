package transcript

import (
	"github.com/google/uuid"

	"voicelink/internal/domain"
)

// Buffer is the ordered, deduplicated message list of the active conversation.
// It is not safe for concurrent use; Channel guards it.
type Buffer struct {
	conversationID string
	messages       []domain.TranscriptMessage
	newID          func() string
}

type appendResult struct {
	added  bool
	minted bool
}

func newBuffer(newID func() string) *Buffer {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Buffer{newID: newID}
}

// Append adds msg unless an identical (role, content) pair is already buffered.
// A conversation id is minted on the first accepted message when none is set;
// existing messages are kept.
func (b *Buffer) Append(msg domain.TranscriptMessage) appendResult {
	for _, existing := range b.messages {
		if existing.SameAs(msg) {
			return appendResult{}
		}
	}

	minted := false
	if b.conversationID == "" {
		b.conversationID = b.newID()
		minted = true
	}
	b.messages = append(b.messages, msg)
	return appendResult{added: true, minted: minted}
}

// Reset clears the buffer and starts conversation id.
func (b *Buffer) Reset(id string) {
	b.conversationID = id
	b.messages = nil
}

// Load replaces the buffer with a persisted conversation.
func (b *Buffer) Load(id string, messages []domain.TranscriptMessage) {
	b.conversationID = id
	b.messages = append([]domain.TranscriptMessage(nil), messages...)
}

// Ensure returns the conversation id, minting one without touching the messages
// when none is set.
func (b *Buffer) Ensure() (id string, minted bool) {
	if b.conversationID == "" {
		b.conversationID = b.newID()
		return b.conversationID, true
	}
	return b.conversationID, false
}

func (b *Buffer) Snapshot() domain.Transcript {
	return domain.Transcript{
		ConversationID: b.conversationID,
		Messages:       append([]domain.TranscriptMessage{}, b.messages...),
	}
}
