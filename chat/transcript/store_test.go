package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndSnapshot(t *testing.T) {
	s := NewStore()
	s.Append(User("hello"))
	s.Append(Assistant("hi"))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, RoleUser, snap[0].Role)
	assert.Equal(t, "hello", snap[0].Content)
	assert.Equal(t, RoleAssistant, snap[1].Role)
	assert.NotEmpty(t, snap[0].ID)
	assert.NotEqual(t, snap[0].ID, snap[1].ID)

	// Mutating the returned slice does not reach the store.
	snap[0].Content = "mutated"
	assert.Equal(t, "hello", s.Snapshot()[0].Content)
}

func TestStore_SnapshotUnaffectedByLaterExtension(t *testing.T) {
	s := NewStore()
	s.Append(User("q"))
	h := s.Append(Assistant(""))
	before := s.Snapshot()

	require.NoError(t, s.Extend(h, "partial"))
	s.Append(User("next"))

	require.Len(t, before, 2)
	assert.Equal(t, "", before[1].Content)
	assert.Equal(t, "partial", s.Snapshot()[1].Content)
}

func TestStore_AppendToLastAssistant(t *testing.T) {
	s := NewStore()
	err := s.AppendToLastAssistant("x")
	assert.ErrorIs(t, err, ErrNoActiveAssistantTurn)

	s.Append(User("Hello"))
	assert.ErrorIs(t, s.AppendToLastAssistant("x"), ErrNoActiveAssistantTurn)

	s.Append(Assistant(""))
	for _, frag := range []string{"Hi", " there", "!"} {
		require.NoError(t, s.AppendToLastAssistant(frag))
	}

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "Hello", snap[0].Content)
	assert.Equal(t, "Hi there!", snap[1].Content)
}

func TestStore_ExtendRequiresOpenAssistant(t *testing.T) {
	s := NewStore()
	u := s.Append(User("q"))
	assert.ErrorIs(t, s.Extend(u, "x"), ErrNoActiveAssistantTurn)
	assert.ErrorIs(t, s.Extend(Handle(42), "x"), ErrNoActiveAssistantTurn)

	first := s.Append(Assistant("a"))
	second := s.Append(Assistant("b"))

	// A newer assistant message seals the older one.
	assert.ErrorIs(t, s.Extend(first, "x"), ErrNoActiveAssistantTurn)
	require.NoError(t, s.Extend(second, "c"))

	s.Seal(second)
	assert.ErrorIs(t, s.Extend(second, "d"), ErrNoActiveAssistantTurn)
	assert.ErrorIs(t, s.AppendToLastAssistant("d"), ErrNoActiveAssistantTurn)

	snap := s.Snapshot()
	assert.Equal(t, "a", snap[first].Content)
	assert.Equal(t, "bc", snap[second].Content)
}

func TestStore_ExtendSurvivesLaterAppends(t *testing.T) {
	s := NewStore()
	h := s.Append(Assistant(""))
	s.Append(System("note"))

	require.NoError(t, s.Extend(h, "still live"))
	msg, ok := s.At(h)
	require.True(t, ok)
	assert.Equal(t, "still live", msg.Content)
	assert.Equal(t, 2, s.Len())
}

func TestStore_SeedMessagesAreSealed(t *testing.T) {
	s := NewStore(System("be brief"), Assistant("seeded"))
	assert.Equal(t, 2, s.Len())
	assert.ErrorIs(t, s.AppendToLastAssistant("x"), ErrNoActiveAssistantTurn)
}

func TestStore_SubscribeOrderAndUnsubscribe(t *testing.T) {
	s := NewStore()
	var calls []string

	unsubA := s.Subscribe(func(ev Event) { calls = append(calls, "a:"+ev.Kind.String()) })
	s.Subscribe(func(ev Event) { calls = append(calls, "b:"+ev.Kind.String()) })

	h := s.Append(Assistant(""))
	require.NoError(t, s.Extend(h, "x"))
	assert.Equal(t, []string{"a:appended", "b:appended", "a:extended", "b:extended"}, calls)

	unsubA()
	unsubA()
	calls = nil
	require.NoError(t, s.Extend(h, "y"))
	assert.Equal(t, []string{"b:extended"}, calls)
}

func TestStore_SubscriberSeesCompleteConcatenation(t *testing.T) {
	s := NewStore()
	h := s.Append(Assistant(""))

	var seen []string
	s.Subscribe(func(ev Event) {
		if ev.Kind != EventExtended {
			return
		}
		assert.Equal(t, h, Handle(ev.Index))
		// The snapshot taken inside the callback already holds the full delta.
		seen = append(seen, s.Snapshot()[ev.Index].Content)
		assert.Equal(t, ev.Message.Content, seen[len(seen)-1])
	})

	require.NoError(t, s.Extend(h, "Hi"))
	require.NoError(t, s.Extend(h, " there"))
	assert.Equal(t, []string{"Hi", "Hi there"}, seen)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("assistant")
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, r)

	_, err = ParseRole("tool")
	assert.Error(t, err)
}
