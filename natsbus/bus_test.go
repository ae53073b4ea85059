package natsbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/roomsync"
)

func TestSubjectRejectsWildcards(t *testing.T) {
	b := &Bus{cfg: Config{Prefix: "roomsync"}}

	got, err := b.subject("changes", "6f1c-conv")
	require.NoError(t, err)
	assert.Equal(t, "roomsync.changes.6f1c-conv", got)

	for _, bad := range []string{"", "a.b", "*", "room>", "with space"} {
		_, err := b.subject("changes", bad)
		assert.ErrorIs(t, err, errInvalidToken, "id %q", bad)
	}
}

func TestPresenceKeyRoundTrip(t *testing.T) {
	for _, id := range []string{"alice", "bob@example.com", "team.lead/1", "ü"} {
		key := presenceKey("conv.1", id)
		assert.Regexp(t, `^[-_A-Za-z0-9]+\.[-_A-Za-z0-9]+$`, key)

		got, ok := participantFromKey(key)
		require.True(t, ok)
		assert.Equal(t, id, got)
	}

	_, ok := participantFromKey("nodot")
	assert.False(t, ok)
	_, ok = participantFromKey("conv.!!!")
	assert.False(t, ok)
}

func TestEnvelopeMatchesRealtimeFrames(t *testing.T) {
	data, err := encodeEnvelope(roomsync.EventMessageDelete, roomsync.DeletePayload{ConversationID: "c1", ID: "m1"})
	require.NoError(t, err)

	var env roomsync.RealtimeEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, roomsync.EventMessageDelete, env.Type)
	assert.JSONEq(t, `{"conversationId":"c1","id":"m1"}`, string(env.Payload))
}

type recordingFeed struct {
	inserts []roomsync.Message
	updates []roomsync.Message
	deletes []string
}

func (r *recordingFeed) OnInsert(m roomsync.Message) { r.inserts = append(r.inserts, m) }
func (r *recordingFeed) OnUpdate(m roomsync.Message) { r.updates = append(r.updates, m) }
func (r *recordingFeed) OnDelete(id string)          { r.deletes = append(r.deletes, id) }
func (r *recordingFeed) OnDrop(error)                {}

func TestFeedDecodesChangeEvents(t *testing.T) {
	rec := &recordingFeed{}
	sub := &feedSub{h: rec}
	log := testLogger()

	for _, ev := range []struct {
		typ     string
		payload any
	}{
		{roomsync.EventMessageInsert, roomsync.Message{ID: "m1", ConversationID: "c1", Content: "hi"}},
		{roomsync.EventMessageUpdate, roomsync.Message{ID: "m1", ConversationID: "c1", Content: "hey"}},
		{roomsync.EventMessageDelete, roomsync.DeletePayload{ConversationID: "c1", ID: "m1"}},
		{"presence.sync", map[string]any{}},
	} {
		data, err := encodeEnvelope(ev.typ, ev.payload)
		require.NoError(t, err)
		sub.deliver(log, data)
	}
	sub.deliver(log, []byte("not json"))

	require.Len(t, rec.inserts, 1)
	assert.Equal(t, "hi", rec.inserts[0].Content)
	require.Len(t, rec.updates, 1)
	assert.Equal(t, "hey", rec.updates[0].Content)
	assert.Equal(t, []string{"m1"}, rec.deletes)

	// Nothing is delivered once the subscription is closed.
	sub.closed = true
	data, _ := encodeEnvelope(roomsync.EventMessageInsert, roomsync.Message{ID: "m2"})
	sub.deliver(log, data)
	assert.Len(t, rec.inserts, 1)
}
