package timeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"StreamChat/internal/session"
	"StreamChat/internal/store"
)

type recordingTitles struct {
	mu     sync.Mutex
	titles map[string][]string
}

func (r *recordingTitles) ApplyDerivedTitle(sessionID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.titles == nil {
		r.titles = make(map[string][]string)
	}
	r.titles[sessionID] = append(r.titles[sessionID], title)
	return nil
}

// brokenStore fails every call once broken is set
type brokenStore struct {
	store.Store
	broken bool
}

var errDown = errors.New("connection refused")

func (b *brokenStore) CreateMessage(ctx context.Context, m session.Message) (session.Message, error) {
	if b.broken {
		return session.Message{}, errDown
	}
	return b.Store.CreateMessage(ctx, m)
}

func (b *brokenStore) UpdateMessage(ctx context.Context, id string, p store.MessagePatch) error {
	if b.broken {
		return errDown
	}
	return b.Store.UpdateMessage(ctx, id, p)
}

func (b *brokenStore) QueryMessages(ctx context.Context, f store.Filter, o store.Order) ([]session.Message, error) {
	if b.broken {
		return nil, errDown
	}
	return b.Store.QueryMessages(ctx, f, o)
}

func newTestTimeline(t *testing.T) (*Timeline, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return New(st, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func userMsg(sessionID, content string) session.Message {
	return session.Message{SessionID: sessionID, Role: session.RoleUser, Content: content}
}

func placeholder(sessionID string) session.Message {
	return session.Message{SessionID: sessionID, Role: session.RoleAssistant, Streaming: true}
}

func ids(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppend_RoundTripsInOrder(t *testing.T) {
	ctx := context.Background()
	tl, st := newTestTimeline(t)
	require.NoError(t, tl.Load(ctx, "s1"))

	for i := 0; i < 20; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		_, err := tl.Append(ctx, session.Message{SessionID: "s1", Role: role, Content: "m"})
		require.NoError(t, err)
	}

	inMemory := tl.Messages()
	require.Len(t, inMemory, 20)
	for i := 1; i < len(inMemory); i++ {
		assert.True(t, inMemory[i].CreatedAt.After(inMemory[i-1].CreatedAt), "createdAt strictly increases")
	}

	reloaded := New(st, nil)
	require.NoError(t, reloaded.Load(ctx, "s1"))
	assert.Equal(t, ids(inMemory), ids(reloaded.Messages()))
}

func TestLoad_ReplacesPreviousSession(t *testing.T) {
	ctx := context.Background()
	tl, _ := newTestTimeline(t)

	require.NoError(t, tl.Load(ctx, "a"))
	_, err := tl.Append(ctx, userMsg("a", "in a"))
	require.NoError(t, err)

	require.NoError(t, tl.Load(ctx, "b"))
	assert.Equal(t, "b", tl.SessionID())
	assert.Empty(t, tl.Messages())

	require.NoError(t, tl.Load(ctx, "a"))
	require.Len(t, tl.Messages(), 1)
	assert.Equal(t, "in a", tl.Messages()[0].Content)
}

func TestPatchContent_RejectsFinalMessages(t *testing.T) {
	ctx := context.Background()
	tl, st := newTestTimeline(t)
	require.NoError(t, tl.Load(ctx, "s1"))

	user, err := tl.Append(ctx, userMsg("s1", "hello"))
	require.NoError(t, err)
	err = tl.PatchContent(ctx, user.ID, "edited")
	assert.ErrorIs(t, err, session.ErrNotStreaming)

	ph, err := tl.Append(ctx, placeholder("s1"))
	require.NoError(t, err)
	assert.True(t, tl.IsStreaming(ph.ID))

	require.NoError(t, tl.PatchContent(ctx, ph.ID, "Hi"))
	require.NoError(t, tl.Finalize(ctx, ph.ID, nil))
	assert.False(t, tl.IsStreaming(ph.ID))

	err = tl.PatchContent(ctx, ph.ID, "Hi again")
	assert.ErrorIs(t, err, session.ErrNotStreaming)
	err = tl.Finalize(ctx, ph.ID, nil)
	assert.ErrorIs(t, err, session.ErrNotStreaming)

	persisted, err := st.QueryMessages(ctx, store.Filter{SessionID: "s1"}, store.Oldest)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "Hi", persisted[1].Content)
	assert.False(t, persisted[1].Streaming)

	msgs := tl.Messages()
	assert.Equal(t, "Hi", msgs[1].Content)
	assert.False(t, msgs[1].Streaming)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestFinalize_OverridesContent(t *testing.T) {
	ctx := context.Background()
	tl, st := newTestTimeline(t)
	require.NoError(t, tl.Load(ctx, "s1"))

	ph, err := tl.Append(ctx, placeholder("s1"))
	require.NoError(t, err)
	require.NoError(t, tl.PatchContent(ctx, ph.ID, "partial"))

	failed := "Sorry"
	require.NoError(t, tl.Finalize(ctx, ph.ID, &failed))

	persisted, err := st.QueryMessages(ctx, store.Filter{SessionID: "s1"}, store.Oldest)
	require.NoError(t, err)
	assert.Equal(t, "Sorry", persisted[0].Content)
	assert.Equal(t, "Sorry", tl.Messages()[0].Content)
}

func TestPatchContent_BackgroundSessionPersistsOnly(t *testing.T) {
	ctx := context.Background()
	tl, st := newTestTimeline(t)
	require.NoError(t, tl.Load(ctx, "bg"))

	ph, err := tl.Append(ctx, placeholder("bg"))
	require.NoError(t, err)

	require.NoError(t, tl.Load(ctx, "fg"))
	_, err = tl.Append(ctx, userMsg("fg", "visible"))
	require.NoError(t, err)

	require.NoError(t, tl.PatchContent(ctx, ph.ID, "streamed while hidden"))
	require.NoError(t, tl.Finalize(ctx, ph.ID, nil))

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "visible", msgs[0].Content)

	persisted, err := st.QueryMessages(ctx, store.Filter{SessionID: "bg"}, store.Oldest)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "streamed while hidden", persisted[0].Content)
	assert.False(t, persisted[0].Streaming)
}

func TestRemoveLast(t *testing.T) {
	ctx := context.Background()
	tl, st := newTestTimeline(t)
	require.NoError(t, tl.Load(ctx, "s1"))

	_, removed, err := tl.RemoveLast(ctx, session.RoleAssistant)
	require.NoError(t, err)
	assert.False(t, removed, "empty timeline")

	_, err = tl.Append(ctx, userMsg("s1", "2+2?"))
	require.NoError(t, err)
	_, removed, err = tl.RemoveLast(ctx, session.RoleAssistant)
	require.NoError(t, err)
	assert.False(t, removed, "tail is a user message")

	answer, err := tl.Append(ctx, session.Message{SessionID: "s1", Role: session.RoleAssistant, Content: "4"})
	require.NoError(t, err)

	got, removed, err := tl.RemoveLast(ctx, session.RoleAssistant)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, answer.ID, got.ID)
	assert.Len(t, tl.Messages(), 1)

	persisted, err := st.QueryMessages(ctx, store.Filter{SessionID: "s1"}, store.Oldest)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, session.RoleUser, persisted[0].Role)
}

func TestAppend_DerivesTitleOnlyFromFirstUserMessage(t *testing.T) {
	ctx := context.Background()
	tl, _ := newTestTimeline(t)
	titles := &recordingTitles{}
	tl.SetTitleWriter(titles)
	require.NoError(t, tl.Load(ctx, "s1"))

	content := "Explain quantum tunneling in simple terms for a curious beginner audience please"
	_, err := tl.Append(ctx, userMsg("s1", content))
	require.NoError(t, err)
	_, err = tl.Append(ctx, userMsg("s1", "and a second question"))
	require.NoError(t, err)

	require.Len(t, titles.titles["s1"], 1)
	assert.Equal(t, content[:50]+"...", titles.titles["s1"][0])
}

func TestAppend_AssistantFirstDoesNotDeriveTitle(t *testing.T) {
	ctx := context.Background()
	tl, _ := newTestTimeline(t)
	titles := &recordingTitles{}
	tl.SetTitleWriter(titles)
	require.NoError(t, tl.Load(ctx, "s1"))

	_, err := tl.Append(ctx, session.Message{SessionID: "s1", Role: session.RoleAssistant, Content: "Welcome"})
	require.NoError(t, err)
	_, err = tl.Append(ctx, userMsg("s1", "hi"))
	require.NoError(t, err)
	assert.Empty(t, titles.titles["s1"])
}

func TestLoad_FinalizesInterruptedMessages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateMessage(ctx, session.Message{SessionID: "s1", Role: session.RoleAssistant, Content: "half", Streaming: true})
	require.NoError(t, err)

	tl := New(st, nil)
	require.NoError(t, tl.Load(ctx, "s1"))

	msgs := tl.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Streaming)
	assert.Equal(t, "half", msgs[0].Content)
	assert.False(t, tl.IsStreaming(msgs[0].ID))

	persisted, err := st.QueryMessages(ctx, store.Filter{SessionID: "s1"}, store.Oldest)
	require.NoError(t, err)
	assert.False(t, persisted[0].Streaming)
}

func TestStoreFailuresAreStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	st := &brokenStore{Store: store.NewMemory()}
	tl := New(st, nil)
	require.NoError(t, tl.Load(ctx, "s1"))

	ph, err := tl.Append(ctx, placeholder("s1"))
	require.NoError(t, err)

	st.broken = true

	_, err = tl.Append(ctx, userMsg("s1", "x"))
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errDown)
	assert.Len(t, tl.Messages(), 1, "failed append leaves memory unchanged")

	err = tl.PatchContent(ctx, ph.ID, "lost")
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	assert.Equal(t, "", tl.Messages()[0].Content)

	err = tl.Finalize(ctx, ph.ID, nil)
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	assert.False(t, tl.IsStreaming(ph.ID), "final locally even when persisting fails")

	err = tl.Load(ctx, "s2")
	assert.ErrorIs(t, err, session.ErrStoreUnavailable)
	assert.Equal(t, "s1", tl.SessionID(), "failed load keeps the loaded session")
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	ctx := context.Background()
	tl, _ := newTestTimeline(t)

	var kinds []EventKind
	unsubscribe := tl.Subscribe(func(e Event) {
		kinds = append(kinds, e.Kind)
		// reading from a callback must not deadlock
		_ = tl.Messages()
	})

	require.NoError(t, tl.Load(ctx, "s1"))
	ph, err := tl.Append(ctx, placeholder("s1"))
	require.NoError(t, err)
	require.NoError(t, tl.PatchContent(ctx, ph.ID, "a"))
	require.NoError(t, tl.Finalize(ctx, ph.ID, nil))
	_, _, err = tl.RemoveLast(ctx, session.RoleAssistant)
	require.NoError(t, err)
	tl.Clear()

	unsubscribe()
	unsubscribe()
	require.NoError(t, tl.Load(ctx, "s2"))

	assert.Equal(t, []EventKind{Loaded, Appended, Patched, Finalized, Removed, Cleared}, kinds)
}
