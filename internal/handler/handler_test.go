package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CareLink/internal/coordinator"
	"CareLink/internal/directory"
	"CareLink/internal/matching"
	"CareLink/internal/models"
	"CareLink/internal/presence"
	"CareLink/internal/realtime"
	"CareLink/internal/session"
	"CareLink/internal/sos"
	"CareLink/internal/store"
	"CareLink/pkg/config"
	"CareLink/pkg/metrics"
	"CareLink/pkg/scheduler"
	"CareLink/pkg/sse"
	"CareLink/pkg/util"
	"CareLink/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type actor struct {
	id   string
	role presence.Role
}

var (
	senior    = actor{"S1", presence.RoleSenior}
	volunteer = actor{"V1", presence.RoleVolunteer}
	other     = actor{"V2", presence.RoleVolunteer}
	admin     = actor{"A1", presence.RoleAdmin}
	nobody    = actor{}
)

type fixture struct {
	engine *gin.Engine
	coord  *coordinator.Coordinator
	rec    *realtime.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	config.GlobalConfig = &config.Config{APIPrefix: "/api"}

	db, err := util.InitDatabase("sqlite", "")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, db.Create(&models.Senior{ID: "S1", Name: "Grandma Li", Region: "north"}).Error)
	require.NoError(t, db.Create(&models.Volunteer{ID: "V1", Approved: true, Region: "north"}).Error)
	require.NoError(t, db.Create(&models.Volunteer{ID: "V2", Approved: true, Region: "north"}).Error)

	st := store.NewGormStore(db)
	neg := store.NewNegotiator(st, config.DefaultSchema(), nil, nil)
	dir := directory.New(st, nil, 0, nil, nil)
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	rec := realtime.NewRecorder()

	reg := presence.New(rec, dir, clock, nil, nil)
	router := session.NewRouter(rec, neg, clock, nil, nil)
	hub := websocket.NewHub(nil)
	t.Cleanup(hub.Close)
	coord := coordinator.New(coordinator.Deps{
		Transport: hub,
		Emitter:   rec,
		Presence:  reg,
		Matching:  matching.New(matching.Deps{Presence: reg, Router: router, Store: neg, Emitter: rec, Clock: clock}),
		Sessions:  router,
		SOS: sos.New(sos.Deps{
			Scheduler: scheduler.NewWithClock(clock),
			Profiles:  dir,
			Presence:  reg,
			Store:     neg,
			Emitter:   rec,
		}),
	})

	engine := gin.New()
	NewHandlers(db, coord, Options{
		Hub:     hub,
		Stream:  sse.NewHub(time.Second),
		Metrics: metrics.NewMetrics(),
	}).Register(engine)
	return &fixture{engine: engine, coord: coord, rec: rec}
}

func (f *fixture) do(t *testing.T, method, path string, as actor, payload interface{}, headers ...string) (int, body) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as.id != "" {
		req.Header.Set("X-Actor-ID", as.id)
		req.Header.Set(RoleHeader, string(as.role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var b body
	_ = json.Unmarshal(w.Body.Bytes(), &b)
	return w.Code, b
}

func errorName(t *testing.T, b body) string {
	t.Helper()
	var data struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(b.Data, &data))
	return data.Error
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/api/system/health", nobody, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/metrics", nobody, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestActorHeadersRequired(t *testing.T) {
	f := newFixture(t)
	code, b := f.do(t, http.MethodPost, "/api/sos", nobody, map[string]string{"message": "help"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Forbidden", errorName(t, b))

	code, _ = f.do(t, http.MethodPost, "/api/sos", actor{"S1", "guest"}, map[string]string{"message": "help"})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestSOSLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Presence.Register(ctx, "V1", presence.RoleVolunteer, "h1")

	code, b := f.do(t, http.MethodPost, "/api/sos", senior, map[string]string{"message": "fell down"})
	require.Equal(t, http.StatusCreated, code)
	var alert sos.Alert
	require.NoError(t, json.Unmarshal(b.Data, &alert))
	assert.Equal(t, "S1", alert.SeniorID)
	assert.Len(t, f.rec.EventsTo("V1", sos.EventSOSNew), 1)

	// 重复上报返回同一条警报
	code, b = f.do(t, http.MethodPost, "/api/sos", senior, map[string]string{"message": "still here"})
	require.Equal(t, http.StatusOK, code)
	var again sos.Alert
	require.NoError(t, json.Unmarshal(b.Data, &again))
	assert.Equal(t, alert.ID, again.ID)

	// 老人不能替别人上报
	code, _ = f.do(t, http.MethodPost, "/api/sos", senior, map[string]string{"seniorId": "S9", "message": "x"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/accept", volunteer, nil)
	require.Equal(t, http.StatusOK, code)
	code, b = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/accept", other, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AlreadyAcknowledged", errorName(t, b))

	code, b = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/status", volunteer, map[string]string{"status": "raised"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "IllegalTransition", errorName(t, b))

	code, _ = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/status", volunteer, map[string]string{"status": "in_progress"})
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/resolve", other, map[string]string{"notes": "x"})
	assert.Equal(t, http.StatusForbidden, code)

	code, b = f.do(t, http.MethodGet, "/api/sos", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var active []sos.Alert
	require.NoError(t, json.Unmarshal(b.Data, &active))
	assert.Len(t, active, 1)

	code, _ = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/resolve", volunteer, map[string]string{"notes": "safe"})
	require.Equal(t, http.StatusOK, code)

	code, b = f.do(t, http.MethodGet, "/api/sos/"+alert.ID, senior, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(b.Data, &alert))
	assert.Equal(t, models.SOSStatusResolved, alert.Status)
	assert.Equal(t, "safe", alert.ResolutionNotes)

	code, _ = f.do(t, http.MethodGet, "/api/sos/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSOSIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/sos", senior, map[string]string{"message": "help"}, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, code)
	code, _ = f.do(t, http.MethodPost, "/api/sos", senior, map[string]string{"message": "help"}, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusConflict, code)
}

func TestAdminOverrides(t *testing.T) {
	f := newFixture(t)
	code, b := f.do(t, http.MethodPost, "/api/sos", senior, map[string]string{"message": "help"})
	require.Equal(t, http.StatusCreated, code)
	var alert sos.Alert
	require.NoError(t, json.Unmarshal(b.Data, &alert))

	code, _ = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/reassign", volunteer, map[string]string{"volunteerId": "V1"})
	assert.Equal(t, http.StatusForbidden, code)

	code, b = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/reassign", admin, map[string]string{"volunteerId": "V2"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(b.Data, &alert))
	assert.Equal(t, "V2", alert.VolunteerID)
	assert.Equal(t, models.SOSStatusAcknowledged, alert.Status)

	code, _ = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/escalate", admin, map[string]string{"reason": "no answer"})
	require.Equal(t, http.StatusOK, code)

	code, b = f.do(t, http.MethodPost, "/api/sos/"+alert.ID+"/force-close", admin, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(b.Data, &alert))
	assert.Equal(t, models.SOSStatusClosed, alert.Status)
	assert.Equal(t, models.EscalationAdmin, alert.EscalationLevel)
}

func TestRequestClaimOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Presence.Register(ctx, "V1", presence.RoleVolunteer, "h1")
	f.coord.Presence.Register(ctx, "V2", presence.RoleVolunteer, "h2")

	code, _ := f.do(t, http.MethodPost, "/api/requests", volunteer, map[string]string{"requestType": "voice"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, http.MethodPost, "/api/requests", senior, map[string]string{"requestType": "video"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/requests", senior, map[string]string{"requestType": "voice", "note": "lonely"})
	require.Equal(t, http.StatusCreated, code)
	assert.Len(t, f.rec.EventsTo("V2", matching.EventSeekerIncoming), 1)

	code, b := f.do(t, http.MethodGet, "/api/requests", volunteer, nil)
	require.Equal(t, http.StatusOK, code)
	var pending []matching.Request
	require.NoError(t, json.Unmarshal(b.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "lonely", pending[0].Note)

	code, _ = f.do(t, http.MethodPost, "/api/requests/S1/claim", other, map[string]string{"volunteerId": "V1"})
	assert.Equal(t, http.StatusForbidden, code)

	code, b = f.do(t, http.MethodPost, "/api/requests/S1/claim", volunteer, nil)
	require.Equal(t, http.StatusOK, code)
	var s session.Session
	require.NoError(t, json.Unmarshal(b.Data, &s))
	assert.Equal(t, "V1", s.VolunteerID)

	code, b = f.do(t, http.MethodPost, "/api/requests/S1/claim", other, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AlreadyClaimed", errorName(t, b))

	code, _ = f.do(t, http.MethodPost, "/api/conversations/"+s.ConversationID+"/end", other, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = f.do(t, http.MethodPost, "/api/conversations/"+s.ConversationID+"/end", senior, nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, f.coord.Sessions.IsVolunteerBusy("V1"))
}

func TestChatRequestMatchesImmediately(t *testing.T) {
	f := newFixture(t)
	f.coord.Presence.Register(context.Background(), "V1", presence.RoleVolunteer, "h1")

	code, b := f.do(t, http.MethodPost, "/api/requests", senior, map[string]string{"requestType": "chat"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "request matched", b.Message)
	assert.True(t, f.coord.Sessions.IsVolunteerBusy("V1"))
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPost, "/api/requests", senior, map[string]string{"requestType": "emotional"})
	require.Equal(t, http.StatusCreated, code)

	code, _ = f.do(t, http.MethodDelete, "/api/requests/S1", other, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = f.do(t, http.MethodDelete, "/api/requests/S1", senior, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, f.rec.EventsTo("S1", matching.EventRequestCancelled), 1)

	code, _ = f.do(t, http.MethodDelete, "/api/requests/S1", senior, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPresenceAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.Presence.Register(ctx, "V1", presence.RoleVolunteer, "h1")
	f.coord.Presence.Register(ctx, "S1", presence.RoleSenior, "h2")

	code, b := f.do(t, http.MethodGet, "/api/presence", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var entries []presence.Entry
	require.NoError(t, json.Unmarshal(b.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "V1", entries[0].ActorID)

	code, _ = f.do(t, http.MethodGet, "/api/presence?role=robot", admin, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, b = f.do(t, http.MethodGet, "/api/system/stats", nobody, nil)
	require.Equal(t, http.StatusOK, code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(b.Data, &stats))
	assert.EqualValues(t, 1, stats["volunteers_online"])
	assert.EqualValues(t, 1, stats["seniors_online"])
}

func TestAdminStreamRequiresPrivilege(t *testing.T) {
	f := newFixture(t)
	code, b := f.do(t, http.MethodGet, "/api/admin/stream", volunteer, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Forbidden", errorName(t, b))
}
