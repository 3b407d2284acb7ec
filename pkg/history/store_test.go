package history

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/harun/conduit/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestAppendAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, "chat1", Message{ID: "m1", Role: "user", Content: "hi", Status: StatusComplete}))
	require.NoError(t, s.AppendMessage(ctx, "chat1", Message{ID: "m2", Role: "assistant", Status: StatusStreaming}))

	msgs, err := s.Load(ctx, "chat1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, StatusStreaming, msgs[1].Status)
	assert.False(t, msgs[0].CreatedAt.IsZero())
}

func TestUpdateMessageFoldsPatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, "chat1", Message{ID: "m1", Role: "assistant", Status: StatusStreaming}))
	require.NoError(t, s.UpdateMessage(ctx, "chat1", "m1", Patch{
		ToolCalls: []ToolCall{{ID: "tc1", FunctionName: "fs__read", Status: "pending"}},
	}))
	require.NoError(t, s.UpdateMessage(ctx, "chat1", "m1", Patch{
		ToolCalls: []ToolCall{{ID: "tc1", FunctionName: "fs__read", Status: "executed", Result: "data"}},
	}))
	require.NoError(t, s.UpdateMessage(ctx, "chat1", "m1", Patch{Content: strPtr("Hello"), Status: strPtr(StatusComplete)}))

	msgs, err := s.Load(ctx, "chat1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, StatusComplete, msgs[0].Status)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "executed", msgs[0].ToolCalls[0].Status)
	assert.Equal(t, "data", msgs[0].ToolCalls[0].Result)
}

func TestLoadMissingChatIsEmpty(t *testing.T) {
	s := newTestStore(t)
	msgs, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChatIDValidation(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../etc", "a/b", `a\b`, "a\x00b"} {
		err := s.AppendMessage(context.Background(), id, Message{ID: "m", Role: "user"})
		assert.ErrorIs(t, err, errdefs.ErrInvalidArgument, "chat id %q", id)
	}
	assert.ErrorIs(t, s.AppendMessage(context.Background(), "ok", Message{Role: "user"}), errdefs.ErrInvalidArgument)
}

func TestRepairDropsCorruptLinesAndMarksStreamingIncomplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, "chat1", Message{ID: "m1", Role: "user", Content: "q", Status: StatusComplete}))
	require.NoError(t, s.AppendMessage(ctx, "chat1", Message{ID: "m2", Role: "assistant", Content: "partial", Status: StatusStreaming}))

	f, err := os.OpenFile(filepath.Join(s.dir, "chat1.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.UpdateMessage(ctx, "chat1", "ghost", Patch{Status: strPtr(StatusComplete)}))

	n, err := s.Repair(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := s.Load(ctx, "chat1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, StatusIncomplete, msgs[1].Status)
	assert.Equal(t, "partial", msgs[1].Content)

	data, err := os.ReadFile(filepath.Join(s.dir, "chat1.jsonl"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "not json")
	assert.NotContains(t, string(data), "ghost")
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AppendMessage(ctx, "chat1", Message{ID: string(rune('a' + i)), Role: "user", Content: "x"})
		}(i)
	}
	wg.Wait()

	msgs, err := s.Load(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.AppendMessage(ctx, "b", Message{ID: "m", Role: "user"}))
	require.NoError(t, s.AppendMessage(ctx, "a", Message{ID: "m", Role: "user"}))

	chats, err := s.ListChats()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, chats)

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("a"))
	chats, err = s.ListChats()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, chats)
}
