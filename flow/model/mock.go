package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Reply, when set, answers every call. Otherwise Responses are returned in
// order and the last one repeats once they run out. Err fails every call.
// Calls records each conversation as sent.
type MockChatModel struct {
	Responses []ChatOut
	Reply     func(messages []Message) (ChatOut, error)
	Err       error
	Calls     [][]Message

	mu        sync.Mutex
	callIndex int
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, append([]Message(nil), messages...))
	switch {
	case m.Err != nil:
		return ChatOut{}, m.Err
	case m.Reply != nil:
		return m.Reply(messages)
	case len(m.Responses) == 0:
		return ChatOut{}, nil
	}

	out := m.Responses[min(m.callIndex, len(m.Responses)-1)]
	m.callIndex++
	return out, nil
}

// CallCount returns how many times Chat was called.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears recorded calls and rewinds the responses.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
