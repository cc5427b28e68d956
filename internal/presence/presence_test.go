package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"CareLink/internal/realtime"
	"CareLink/pkg/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mirrorCalls struct {
	mu    sync.Mutex
	calls []VolunteerStatus
}

func (m *mirrorCalls) SetVolunteerOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, VolunteerStatus{VolunteerID: id, IsOnline: online})
	return nil
}

func newRegistry() (*Registry, *realtime.Recorder, *mirrorCalls) {
	rec := realtime.NewRecorder()
	mirror := &mirrorCalls{}
	clock := scheduler.NewFakeClock(time.Unix(1700000000, 0))
	return New(rec, mirror, clock, nil, nil), rec, mirror
}

func TestRegisterVolunteerBroadcastsAndMirrors(t *testing.T) {
	ctx := context.Background()
	r, rec, mirror := newRegistry()

	assert.True(t, r.Register(ctx, "v1", RoleVolunteer, "c1"))
	assert.True(t, r.IsOnline("v1"))
	require.Len(t, rec.Broadcasts(EventVolunteerOnline), 1)
	assert.Equal(t, VolunteerStatus{VolunteerID: "v1", IsOnline: true}, rec.Broadcasts()[0].Payload)

	// 同一用户新连接不重复广播
	assert.False(t, r.Register(ctx, "v1", RoleVolunteer, "c2"))
	assert.Len(t, rec.Broadcasts(EventVolunteerOnline), 1)

	// 旧连接断开不影响新连接
	_, ok := r.Unregister(ctx, "v1", "c1")
	assert.False(t, ok)
	assert.True(t, r.IsOnline("v1"))

	_, ok = r.Unregister(ctx, "v1", "c2")
	assert.True(t, ok)
	assert.False(t, r.IsOnline("v1"))
	assert.Len(t, rec.Broadcasts(EventVolunteerOffline), 1)

	assert.Equal(t, []VolunteerStatus{{"v1", true}, {"v1", false}}, mirror.calls)
}

func TestSeniorDoesNotTouchVolunteerMirror(t *testing.T) {
	ctx := context.Background()
	r, rec, mirror := newRegistry()
	r.Register(ctx, "s1", RoleSenior, "c1")
	r.Unregister(ctx, "s1", "")
	assert.Empty(t, rec.Events())
	assert.Empty(t, mirror.calls)
}

func TestListOnlineIsEarliestFirst(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRegistry()
	r.Register(ctx, "v3", RoleVolunteer, "a")
	r.Register(ctx, "v1", RoleVolunteer, "b")
	r.Register(ctx, "s1", RoleSenior, "c")
	r.Register(ctx, "v2", RoleVolunteer, "d")
	// 重连保持原顺序
	r.Register(ctx, "v3", RoleVolunteer, "e")

	assert.Equal(t, []string{"v3", "v1", "v2"}, r.ListOnline(RoleVolunteer))
	assert.Equal(t, []string{"s1"}, r.ListOnline(RoleSenior))
	assert.Equal(t, 3, r.Count(RoleVolunteer))
	assert.Len(t, r.Entries(""), 4)

	e, ok := r.Lookup("v3")
	require.True(t, ok)
	assert.Equal(t, "e", e.ChannelHandle)
}

func TestRoleChangeCountsAsNew(t *testing.T) {
	ctx := context.Background()
	r, rec, _ := newRegistry()
	r.Register(ctx, "u1", RoleVolunteer, "c1")
	assert.True(t, r.Register(ctx, "u1", RoleAdmin, "c1"))
	assert.Len(t, rec.Broadcasts(EventVolunteerOffline), 1)
	assert.Empty(t, r.ListOnline(RoleVolunteer))
}

func TestRoleValid(t *testing.T) {
	assert.True(t, RoleNGO.Valid())
	assert.False(t, Role("guest").Valid())
}
