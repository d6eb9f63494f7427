// ABOUTME: Tests for the chat model executor's session history handling
// ABOUTME: Uses a scripted fake model to verify message threading and token lifecycle

package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-queue/internal/queue"
)

// mockChatModel implements model.BaseChatModel for testing
type mockChatModel struct {
	mu      sync.Mutex
	calls   [][]*schema.Message
	replies []string
	err     error
}

func (m *mockChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	copied := make([]*schema.Message, len(input))
	copy(copied, input)
	m.calls = append(m.calls, copied)

	reply := "ok"
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (m *mockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func TestChatModelExecutor_MintsTokenOnFirstTurn(t *testing.T) {
	fake := &mockChatModel{replies: []string{"hi there"}}
	e := NewChatModelExecutorWithModel(fake, "")

	res, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{
		NodeID:  "n1",
		Payload: []byte("hello"),
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", res.Response)
	assert.NotEmpty(t, res.SessionToken)

	require.Len(t, fake.calls, 1)
	require.Len(t, fake.calls[0], 1)
	assert.Equal(t, schema.User, fake.calls[0][0].Role)
	assert.Equal(t, "hello", fake.calls[0][0].Content)
}

func TestChatModelExecutor_DefaultSystemPromptOnNewSession(t *testing.T) {
	fake := &mockChatModel{}
	e := NewChatModelExecutorWithModel(fake, "be terse")

	_, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{Payload: []byte("hello")})
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	require.Len(t, fake.calls[0], 2)
	assert.Equal(t, schema.System, fake.calls[0][0].Role)
	assert.Equal(t, "be terse", fake.calls[0][0].Content)
	assert.Equal(t, schema.User, fake.calls[0][1].Role)
}

func TestChatModelExecutor_PayloadSystemTakesPrecedence(t *testing.T) {
	fake := &mockChatModel{}
	e := NewChatModelExecutorWithModel(fake, "default system")

	_, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{
		Payload: []byte(`{"text":"hello","system":"from payload"}`),
	})
	require.NoError(t, err)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, "from payload", fake.calls[0][0].Content)
}

func TestChatModelExecutor_ThreadsHistoryAcrossTurns(t *testing.T) {
	fake := &mockChatModel{replies: []string{"first reply", "second reply"}}
	e := NewChatModelExecutorWithModel(fake, "be terse")

	first, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{Payload: []byte("one")})
	require.NoError(t, err)

	second, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{
		Payload:      []byte("two"),
		SessionToken: first.SessionToken,
	})
	require.NoError(t, err)

	assert.Equal(t, "second reply", second.Response)
	assert.Equal(t, first.SessionToken, second.SessionToken)

	// Second call should carry the whole exchange: system, user, assistant, user.
	require.Len(t, fake.calls, 2)
	got := fake.calls[1]
	require.Len(t, got, 4)
	assert.Equal(t, schema.System, got[0].Role)
	assert.Equal(t, schema.User, got[1].Role)
	assert.Equal(t, "one", got[1].Content)
	assert.Equal(t, schema.Assistant, got[2].Role)
	assert.Equal(t, "first reply", got[2].Content)
	assert.Equal(t, schema.User, got[3].Role)
	assert.Equal(t, "two", got[3].Content)
}

func TestChatModelExecutor_ForkedSessionsShareAncestry(t *testing.T) {
	fake := &mockChatModel{replies: []string{"root reply", "left reply", "right reply"}}
	e := NewChatModelExecutorWithModel(fake, "")

	root, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{Payload: []byte("root")})
	require.NoError(t, err)

	// Two turns continue from the same token, as sibling branches do after
	// a fork. Each sees the root exchange in its history.
	_, err = e.ExecuteTurn(t.Context(), queue.TurnRequest{
		Payload:      []byte("left"),
		SessionToken: root.SessionToken,
	})
	require.NoError(t, err)

	_, err = e.ExecuteTurn(t.Context(), queue.TurnRequest{
		Payload:      []byte("right"),
		SessionToken: root.SessionToken,
	})
	require.NoError(t, err)

	require.Len(t, fake.calls, 3)
	for _, call := range fake.calls[1:] {
		require.GreaterOrEqual(t, len(call), 3)
		assert.Equal(t, "root", call[0].Content)
		assert.Equal(t, "root reply", call[1].Content)
	}
}

func TestChatModelExecutor_UnknownTokenRejected(t *testing.T) {
	fake := &mockChatModel{}
	e := NewChatModelExecutorWithModel(fake, "")

	_, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{
		Payload:      []byte("hello"),
		SessionToken: "no-such-session",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Empty(t, fake.calls, "model should not be called for an unknown session")
}

func TestChatModelExecutor_GenerateErrorLeavesNoSession(t *testing.T) {
	fake := &mockChatModel{err: errors.New("backend down")}
	e := NewChatModelExecutorWithModel(fake, "")

	_, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{Payload: []byte("hello")})
	require.Error(t, err)
	assert.Equal(t, 0, e.SessionCount())
}

func TestChatModelExecutor_SessionCount(t *testing.T) {
	fake := &mockChatModel{}
	e := NewChatModelExecutorWithModel(fake, "")

	_, err := e.ExecuteTurn(t.Context(), queue.TurnRequest{Payload: []byte("a")})
	require.NoError(t, err)
	_, err = e.ExecuteTurn(t.Context(), queue.TurnRequest{Payload: []byte("b")})
	require.NoError(t, err)

	assert.Equal(t, 2, e.SessionCount())
}
