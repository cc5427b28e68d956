package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"CareLink/internal/directory"
	"CareLink/internal/matching"
	"CareLink/internal/models"
	"CareLink/internal/presence"
	"CareLink/internal/realtime"
	"CareLink/internal/session"
	"CareLink/internal/sos"
	"CareLink/internal/store"
	"CareLink/pkg/config"
	"CareLink/pkg/scheduler"
	"CareLink/pkg/util"
	"CareLink/pkg/websocket"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type fixture struct {
	coord *Coordinator
	hub   *websocket.Hub
	rec   *realtime.Recorder
	clock *scheduler.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, db.Create(&models.Volunteer{ID: "V1", Approved: true}).Error)
	require.NoError(t, db.Create(&models.Volunteer{ID: "V2", Approved: true}).Error)

	st := store.NewGormStore(db)
	neg := store.NewNegotiator(st, config.DefaultSchema(), nil, nil)
	dir := directory.New(st, nil, 0, nil, nil)
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	rec := realtime.NewRecorder()

	reg := presence.New(rec, dir, clock, nil, nil)
	router := session.NewRouter(rec, neg, clock, nil, nil)
	engine := matching.New(matching.Deps{Presence: reg, Router: router, Store: neg, Emitter: rec, Clock: clock})
	alerts := sos.New(sos.Deps{
		Scheduler: scheduler.NewWithClock(clock),
		Profiles:  dir,
		Presence:  reg,
		Store:     neg,
		Emitter:   rec,
	})

	hub := websocket.NewHub(nil)
	t.Cleanup(hub.Close)
	coord := New(Deps{
		Transport: hub,
		Emitter:   rec,
		Presence:  reg,
		Matching:  engine,
		Sessions:  router,
		SOS:       alerts,
	})
	hub.SetDispatcher(coord)
	return &fixture{coord: coord, hub: hub, rec: rec, clock: clock}
}

func (f *fixture) connect(t *testing.T) *websocket.Connection {
	t.Helper()
	conn := websocket.NewConnection(f.hub, nil)
	require.NoError(t, f.hub.Register(conn))
	return conn
}

func (f *fixture) send(conn *websocket.Connection, event string, payload interface{}) {
	data, _ := json.Marshal(payload)
	f.coord.Dispatch(conn, event, data)
}

func (f *fixture) identify(t *testing.T, actorID string, role presence.Role) *websocket.Connection {
	t.Helper()
	conn := f.connect(t)
	f.send(conn, EventIdentify, map[string]string{"actorId": actorID, "role": string(role)})
	fr := next(t, conn)
	require.Equal(t, EventIdentified, fr.Type)
	return conn
}

func next(t *testing.T, conn *websocket.Connection) frame {
	t.Helper()
	select {
	case data := <-conn.Send:
		var fr frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	case <-time.After(time.Second):
		t.Fatal("no frame")
	}
	return frame{}
}

func rejection(t *testing.T, conn *websocket.Connection) Rejection {
	t.Helper()
	fr := next(t, conn)
	require.Equal(t, EventError, fr.Type)
	var r Rejection
	require.NoError(t, json.Unmarshal(fr.Data, &r))
	return r
}

func TestEventsRequireIdentify(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	f.send(conn, EventSeekerRequest, map[string]string{"seniorId": "S1"})
	r := rejection(t, conn)
	assert.Equal(t, EventSeekerRequest, r.Event)
	assert.Equal(t, "Forbidden", r.Code)

	f.send(conn, EventIdentify, map[string]string{"actorId": "S1", "role": "guest"})
	assert.Equal(t, "InvalidArgument", rejection(t, conn).Code)

	f.coord.Dispatch(conn, EventIdentify, json.RawMessage(`{oops`))
	assert.Equal(t, "InvalidArgument", rejection(t, conn).Code)
}

func TestQueuedSeniorIsMatchedWhenVolunteerIdentifies(t *testing.T) {
	f := newFixture(t)
	senior := f.identify(t, "S1", presence.RoleSenior)

	f.send(senior, EventSeekerRequest, map[string]string{"requestType": "chat", "note": "hi"})
	require.Len(t, f.rec.EventsTo("S1", matching.EventSeekerQueued), 1)

	volunteer := f.identify(t, "V1", presence.RoleVolunteer)
	started := f.rec.EventsTo("V1", matching.EventSessionStarted)
	require.Len(t, started, 1)
	assert.Len(t, f.rec.EventsTo("S1", matching.EventSessionStarted), 1)
	conv := started[0].Payload.(matching.SessionPayload).ConversationID

	f.send(volunteer, EventMessageSend, map[string]string{"conversationId": conv, "content": "hello there"})
	assert.Len(t, f.rec.RoomEvents(realtime.ConversationRoom(conv), session.EventMessageNew), 1)

	// 冒充他人发消息被拒绝
	f.send(volunteer, EventMessageSend, map[string]string{"conversationId": conv, "senderId": "S1", "content": "x"})
	assert.Equal(t, "Forbidden", rejection(t, volunteer).Code)

	outsider := f.identify(t, "V2", presence.RoleVolunteer)
	f.send(outsider, EventChatEnd, map[string]string{"conversationId": conv})
	assert.Equal(t, "Forbidden", rejection(t, outsider).Code)

	f.send(senior, EventChatEnd, map[string]string{"conversationId": conv, "userId": "S1"})
	assert.Len(t, f.rec.RoomEvents(realtime.ConversationRoom(conv), session.EventChatEnded), 1)
	assert.False(t, f.coord.Matching.IsVolunteerBusy("V1"))
}

func TestAcceptLoserIsRejected(t *testing.T) {
	f := newFixture(t)
	senior := f.identify(t, "S1", presence.RoleSenior)
	v1 := f.identify(t, "V1", presence.RoleVolunteer)
	v2 := f.identify(t, "V2", presence.RoleVolunteer)

	f.send(senior, EventSeekerRequest, map[string]string{"requestType": "voice"})
	assert.Len(t, f.rec.EventsTo("V2", matching.EventSeekerIncoming), 1)

	f.send(v1, EventVolunteerAccept, map[string]string{"seniorId": "S1"})
	f.send(v2, EventVolunteerAccept, map[string]string{"seniorId": "S1"})
	assert.Equal(t, "AlreadyClaimed", rejection(t, v2).Code)
	assert.True(t, f.coord.Matching.IsVolunteerBusy("V1"))

	// 志愿者不能替别人接单
	f.send(v2, EventVolunteerAccept, map[string]string{"seniorId": "S1", "volunteerId": "V1"})
	assert.Equal(t, "Forbidden", rejection(t, v2).Code)
}

func TestCallSignalingIsRelayed(t *testing.T) {
	f := newFixture(t)
	senior := f.identify(t, "S1", presence.RoleSenior)
	f.identify(t, "V1", presence.RoleVolunteer)
	f.send(senior, EventSeekerRequest, map[string]string{"requestType": "chat"})
	s, ok := f.coord.Sessions.ForVolunteer("V1")
	require.True(t, ok)

	offer := map[string]interface{}{
		"conversationId": s.ConversationID,
		"payload":        map[string]string{"type": "offer", "sdp": "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"},
	}
	f.send(senior, session.SignalOffer, offer)
	assert.Len(t, f.rec.EventsTo("V1", session.SignalOffer), 1)

	// 内容不做检查，类型与事件不符也原样转发
	f.send(senior, session.SignalAnswer, offer)
	assert.Len(t, f.rec.EventsTo("V1", session.SignalAnswer), 1)

	f.send(senior, session.SignalICECandidate, map[string]interface{}{
		"conversationId": s.ConversationID,
		"payload":        "nope",
	})
	assert.Equal(t, "InvalidArgument", rejection(t, senior).Code)
}

func TestSOSOverWebsocket(t *testing.T) {
	f := newFixture(t)
	senior := f.identify(t, "S1", presence.RoleSenior)
	v1 := f.identify(t, "V1", presence.RoleVolunteer)
	v2 := f.identify(t, "V2", presence.RoleVolunteer)
	adminConn := f.identify(t, "A1", presence.RoleAdmin)
	assert.Contains(t, f.rec.Members(realtime.RoomAdmins), "A1")

	f.send(senior, EventSOSRaise, map[string]string{"message": "help"})
	fr := next(t, senior)
	require.Equal(t, EventSOSRaised, fr.Type)
	var raised raisedReply
	require.NoError(t, json.Unmarshal(fr.Data, &raised))
	assert.True(t, raised.Created)
	assert.Len(t, f.rec.EventsTo("V1", sos.EventSOSNew), 1)

	f.send(senior, EventSOSRaise, map[string]string{"message": "help!!"})
	fr = next(t, senior)
	require.NoError(t, json.Unmarshal(fr.Data, &raised))
	assert.False(t, raised.Created)

	f.send(v1, EventSOSAccept, map[string]string{"alertId": raised.Alert.ID})
	f.send(v2, EventSOSAccept, map[string]string{"alertId": raised.Alert.ID})
	assert.Equal(t, "AlreadyAcknowledged", rejection(t, v2).Code)

	f.send(v2, EventSOSResolve, map[string]string{"alertId": raised.Alert.ID})
	assert.Equal(t, "Forbidden", rejection(t, v2).Code)

	f.send(adminConn, EventSOSEscalate, map[string]string{"alertId": raised.Alert.ID, "reason": "check"})
	f.send(v1, EventSOSStatus, map[string]string{"alertId": raised.Alert.ID, "status": "in_progress"})
	f.send(v1, EventSOSResolve, map[string]string{"alertId": raised.Alert.ID, "notes": "ok"})

	a, ok := f.coord.SOS.Get(raised.Alert.ID)
	require.True(t, ok)
	assert.Equal(t, models.SOSStatusResolved, a.Status)
	assert.Equal(t, models.EscalationAdmin, a.EscalationLevel)
	assert.Equal(t, 0, f.clock.Pending())

	f.send(v1, "sos:unknown", map[string]string{})
	assert.Equal(t, "InvalidArgument", rejection(t, v1).Code)
}

func TestDisconnectOnlyDropsCurrentConnection(t *testing.T) {
	f := newFixture(t)
	first := f.identify(t, "V1", presence.RoleVolunteer)
	second := f.identify(t, "V1", presence.RoleVolunteer)

	f.coord.Disconnected(first.ID, "V1")
	assert.True(t, f.coord.Presence.IsOnline("V1"))

	f.coord.Disconnected(second.ID, "V1")
	assert.False(t, f.coord.Presence.IsOnline("V1"))
	assert.Len(t, f.rec.Broadcasts(presence.EventVolunteerOffline), 1)
}

func TestAvailabilityToggle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	senior := f.identify(t, "S1", presence.RoleSenior)
	v1 := f.identify(t, "V1", presence.RoleVolunteer)

	f.send(v1, EventVolunteerAvailability, map[string]interface{}{"isOnline": false})
	assert.False(t, f.coord.Presence.IsOnline("V1"))

	_, err := f.coord.Matching.Submit(ctx, "S1", models.RequestChat, "")
	require.NoError(t, err)
	assert.Len(t, f.rec.EventsTo("S1", matching.EventSeekerQueued), 1)

	f.send(v1, EventVolunteerAvailability, map[string]interface{}{"isOnline": true})
	assert.True(t, f.coord.Matching.IsVolunteerBusy("V1"))

	f.send(senior, EventVolunteerAvailability, map[string]interface{}{"isOnline": true})
	assert.Equal(t, "Forbidden", rejection(t, senior).Code)
}
