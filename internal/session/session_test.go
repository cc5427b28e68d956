package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"CareLink/internal/models"
	"CareLink/internal/realtime"
	"CareLink/internal/store"
	"CareLink/pkg/config"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/scheduler"
	"CareLink/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 46117317 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func newRouter(t *testing.T) (*Router, *realtime.Recorder, *store.GormStore) {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	st := store.NewGormStore(db)
	rec := realtime.NewRecorder()
	neg := store.NewNegotiator(st, config.DefaultSchema(), nil, nil)
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	return NewRouter(rec, neg, clock, nil, nil), rec, st
}

func open(t *testing.T, r *Router, conv, senior, volunteer string) {
	t.Helper()
	require.NoError(t, r.Open(Session{ConversationID: conv, SeniorID: senior, VolunteerID: volunteer, RequestType: "chat"}))
}

func TestOpenRejectsBusyVolunteer(t *testing.T) {
	r, _, _ := newRouter(t)
	open(t, r, "c1", "s1", "v1")

	err := r.Open(Session{ConversationID: "c2", SeniorID: "s2", VolunteerID: "v1"})
	assert.ErrorIs(t, err, apperrors.ErrVolunteerBusy)
	assert.True(t, r.IsVolunteerBusy("v1"))

	err = r.Open(Session{ConversationID: "c1", SeniorID: "s3", VolunteerID: "v3"})
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.GetCode(err))

	s, ok := r.ForVolunteer("v1")
	require.True(t, ok)
	assert.Equal(t, "c1", s.ConversationID)
	assert.Len(t, r.List(), 1)
}

func TestRelayOnlyReachesConversationRoom(t *testing.T) {
	ctx := context.Background()
	r, rec, st := newRouter(t)
	open(t, r, "c1", "s1", "v1")
	require.NoError(t, r.Join("c1", "s1"))
	require.NoError(t, r.Join("c1", "v1"))
	assert.ElementsMatch(t, []string{"s1", "v1"}, rec.Members(realtime.ConversationRoom("c1")))

	msg, err := r.RelayMessage(ctx, "c1", "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)

	events := rec.RoomEvents(realtime.ConversationRoom("c1"), EventMessageNew)
	require.Len(t, events, 1)
	assert.Empty(t, rec.Broadcasts())

	saved, err := st.Find(ctx, models.TableMessages, store.Filter{"conversation_id": "c1"})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, msg.ID, saved[0].String("id"))
}

func TestRelayRejectsOutsiders(t *testing.T) {
	ctx := context.Background()
	r, rec, _ := newRouter(t)
	open(t, r, "c1", "s1", "v1")

	_, err := r.RelayMessage(ctx, "c1", "v2", "hi")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	_, err = r.RelayMessage(ctx, "missing", "s1", "hi")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = r.RelayMessage(ctx, "c1", "s1", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, r.Join("c1", "v2"), apperrors.ErrForbidden)
	assert.Empty(t, rec.Events())
}

func TestRelaySurvivesStoreFailure(t *testing.T) {
	ctx := context.Background()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	fault := store.NewFaultStore(store.NewGormStore(db))
	fault.FailInsert(models.TableMessages, assert.AnError)
	rec := realtime.NewRecorder()
	r := NewRouter(rec, store.NewNegotiator(fault, config.DefaultSchema(), nil, nil), nil, nil, nil)
	open(t, r, "c1", "s1", "v1")

	_, err = r.RelayMessage(ctx, "c1", "v1", "still delivered")
	require.NoError(t, err)
	assert.Len(t, rec.RoomEvents(realtime.ConversationRoom("c1"), EventMessageNew), 1)
}

func TestEndReleasesVolunteer(t *testing.T) {
	ctx := context.Background()
	r, rec, st := newRouter(t)
	now := time.Unix(1700000000, 0).UTC()
	_, err := st.Insert(ctx, models.TableConversations, store.Record{
		"id": "c1", "senior_id": "s1", "volunteer_id": "v1", "status": "active",
		"started_at": now, "created_at": now, "updated_at": now,
	})
	require.NoError(t, err)
	open(t, r, "c1", "s1", "v1")
	require.NoError(t, r.Join("c1", "s1"))
	require.NoError(t, r.Join("c1", "v1"))

	ended, err := r.End(ctx, "c1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "v1", ended.VolunteerID)
	assert.False(t, r.IsVolunteerBusy("v1"))
	assert.Len(t, rec.RoomEvents(realtime.ConversationRoom("c1"), EventChatEnded), 1)
	assert.Empty(t, rec.Members(realtime.ConversationRoom("c1")))

	row, err := st.FindOne(ctx, models.TableConversations, store.Filter{"id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationEnded, row.String("status"))
	assert.Equal(t, "s1", row.String("ended_by"))

	_, err = r.End(ctx, "c1", "s1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	// 结束后志愿者可以再开会话
	open(t, r, "c2", "s2", "v1")
}

func TestSignalRelayedVerbatimToPeer(t *testing.T) {
	r, rec, _ := newRouter(t)
	open(t, r, "c1", "s1", "v1")

	offer, _ := json.Marshal(map[string]string{"type": "offer", "sdp": testSDP})
	require.NoError(t, r.Signal("c1", "s1", SignalOffer, offer))

	events := rec.EventsTo("v1", SignalOffer)
	require.Len(t, events, 1)
	p := events[0].Payload.(SignalPayload)
	assert.Equal(t, "s1", p.From)
	assert.JSONEq(t, string(offer), string(p.Payload))
	assert.Empty(t, rec.EventsTo("s1"))

	cand := json.RawMessage(`{"candidate":"candidate:1 1 UDP 2122252543 192.168.1.2 50000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	require.NoError(t, r.Signal("c1", "v1", SignalICECandidate, cand))
	require.Len(t, rec.EventsTo("s1", SignalICECandidate), 1)
	assert.Equal(t, cand, rec.EventsTo("s1", SignalICECandidate)[0].Payload.(SignalPayload).Payload)
}

func TestSignalValidation(t *testing.T) {
	r, rec, _ := newRouter(t)
	open(t, r, "c1", "s1", "v1")

	answer, _ := json.Marshal(map[string]string{"type": "answer", "sdp": testSDP})
	assert.ErrorIs(t, r.Signal("c1", "s1", SignalOffer, nil), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, ValidateSignal(SignalOffer, json.RawMessage(`{"type":`)), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, ValidateSignal(SignalICECandidate, json.RawMessage(`"nope"`)), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, ValidateSignal("call:hangup", json.RawMessage(`{}`)), apperrors.ErrInvalidArgument)
	assert.ErrorIs(t, r.Signal("c1", "v9", SignalAnswer, answer), apperrors.ErrForbidden)
	assert.Empty(t, rec.Events())
	assert.True(t, IsSignal(SignalAnswer))
}

func TestSignalPassesUnusualPayloadsThrough(t *testing.T) {
	r, rec, _ := newRouter(t)
	open(t, r, "c1", "s1", "v1")

	answer, _ := json.Marshal(map[string]string{"type": "answer", "sdp": testSDP})
	unusual := []struct {
		kind    string
		payload json.RawMessage
	}{
		{SignalOffer, answer},
		{SignalOffer, json.RawMessage(`{"type":"offer","sdp":"garbage"}`)},
		{SignalAnswer, json.RawMessage(`{"type":"pranswer","sdp":"","x-extra":true}`)},
		{SignalICECandidate, json.RawMessage(`{"candidate":"a=end-of-candidates"}`)},
		{SignalICECandidate, json.RawMessage(`{"candidate":""}`)},
	}
	for _, u := range unusual {
		require.NoError(t, r.Signal("c1", "s1", u.kind, u.payload), string(u.payload))
	}

	var relayed []json.RawMessage
	for _, kind := range []string{SignalOffer, SignalAnswer, SignalICECandidate} {
		for _, ev := range rec.EventsTo("v1", kind) {
			relayed = append(relayed, ev.Payload.(SignalPayload).Payload)
		}
	}
	require.Len(t, relayed, len(unusual))
	for i, u := range unusual {
		assert.Equal(t, u.payload, relayed[i])
	}
}

func TestRehydrateRestoresActiveConversations(t *testing.T) {
	ctx := context.Background()
	r, rec, st := newRouter(t)
	now := time.Unix(1700000000, 0).UTC()
	rows := []store.Record{
		{"id": "c1", "senior_id": "s1", "volunteer_id": "v1", "status": "active", "started_at": now},
		{"id": "c2", "senior_id": "s2", "volunteer_id": "v2", "status": "ended", "started_at": now},
		{"id": "c3", "senior_id": "s3", "volunteer_id": "v1", "status": "active", "started_at": now.Add(time.Minute)},
	}
	for _, row := range rows {
		row["created_at"], row["updated_at"] = now, now
		_, err := st.Insert(ctx, models.TableConversations, row)
		require.NoError(t, err)
	}

	n, err := r.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s, ok := r.ForVolunteer("v1")
	require.True(t, ok)
	assert.Equal(t, "c1", s.ConversationID)
	assert.ElementsMatch(t, []string{"s1", "v1"}, rec.Members(realtime.ConversationRoom("c1")))
}
