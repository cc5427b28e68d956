// Package presence 记录在线用户及其连接句柄，是实时决策的唯一依据
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"CareLink/internal/realtime"
	"CareLink/pkg/metrics"
	"CareLink/pkg/scheduler"

	"go.uber.org/zap"
)

type Role string

const (
	RoleSenior    Role = "senior"
	RoleVolunteer Role = "volunteer"
	RoleAdmin     Role = "admin"
	RoleNGO       Role = "ngo"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSenior, RoleVolunteer, RoleAdmin, RoleNGO:
		return true
	}
	return false
}

// 出站事件
const (
	EventVolunteerOnline  = "volunteer:online"
	EventVolunteerOffline = "volunteer:offline"
)

// Entry 一条在线记录；OnlineSeq 决定 ListOnline 的先后
type Entry struct {
	ActorID       string    `json:"actorId"`
	ChannelHandle string    `json:"-"`
	Role          Role      `json:"role"`
	OnlineSeq     uint64    `json:"-"`
	Since         time.Time `json:"since"`
}

// AvailabilityMirror 志愿者在线状态的持久化镜像
type AvailabilityMirror interface {
	SetVolunteerOnline(ctx context.Context, volunteerID string, online bool) error
}

type VolunteerStatus struct {
	VolunteerID string `json:"volunteerId"`
	IsOnline    bool   `json:"isOnline"`
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	seq     uint64

	emitter realtime.Emitter
	mirror  AvailabilityMirror
	clock   scheduler.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(em realtime.Emitter, mirror AvailabilityMirror, clock scheduler.Clock, log *zap.Logger, m *metrics.Metrics) *Registry {
	if em == nil {
		em = realtime.Nop{}
	}
	if clock == nil {
		clock = scheduler.RealClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]Entry),
		emitter: em,
		mirror:  mirror,
		clock:   clock,
		log:     log,
		metrics: m,
	}
}

// Register 登记在线；同一用户换连接时保留原来的上线顺序。
// 返回 true 表示该用户（以该角色）此前不在线。
func (r *Registry) Register(ctx context.Context, actorID string, role Role, channelHandle string) bool {
	r.mu.Lock()
	prev, existed := r.entries[actorID]
	newlyOnline := !existed || prev.Role != role
	e := Entry{ActorID: actorID, ChannelHandle: channelHandle, Role: role}
	if newlyOnline {
		r.seq++
		e.OnlineSeq = r.seq
		e.Since = r.clock.Now()
	} else {
		e.OnlineSeq = prev.OnlineSeq
		e.Since = prev.Since
	}
	r.entries[actorID] = e
	r.mu.Unlock()

	if existed && prev.Role != role {
		r.publishCount(prev.Role)
		if prev.Role == RoleVolunteer {
			r.volunteerChanged(ctx, actorID, false)
		}
	}
	r.publishCount(role)
	if newlyOnline && role == RoleVolunteer {
		r.volunteerChanged(ctx, actorID, true)
	}
	r.log.Debug("presence registered", zap.String("actor_id", actorID), zap.String("role", string(role)), zap.Bool("new", newlyOnline))
	return newlyOnline
}

// Unregister 只有句柄仍是当前连接时才移除；空句柄表示强制下线
func (r *Registry) Unregister(ctx context.Context, actorID, channelHandle string) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[actorID]
	if !ok || (channelHandle != "" && e.ChannelHandle != channelHandle) {
		r.mu.Unlock()
		return Entry{}, false
	}
	delete(r.entries, actorID)
	r.mu.Unlock()

	r.publishCount(e.Role)
	if e.Role == RoleVolunteer {
		r.volunteerChanged(ctx, actorID, false)
	}
	r.log.Debug("presence unregistered", zap.String("actor_id", actorID))
	return e, true
}

func (r *Registry) volunteerChanged(ctx context.Context, volunteerID string, online bool) {
	if r.mirror != nil {
		// 失败由镜像自行记录，这里只保证不影响实时路径
		_ = r.mirror.SetVolunteerOnline(ctx, volunteerID, online)
	}
	event := EventVolunteerOffline
	if online {
		event = EventVolunteerOnline
	}
	r.emitter.Broadcast(event, VolunteerStatus{VolunteerID: volunteerID, IsOnline: online})
}

func (r *Registry) publishCount(role Role) {
	r.metrics.SetOnline(string(role), r.Count(role))
}

func (r *Registry) IsOnline(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[actorID]
	return ok
}

func (r *Registry) Lookup(actorID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[actorID]
	return e, ok
}

// ListOnline 按上线先后排序
func (r *Registry) ListOnline(role Role) []string {
	entries := r.Entries(role)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ActorID
	}
	return ids
}

// Entries 某角色的在线记录，role 为空时返回全部
func (r *Registry) Entries(role Role) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if role == "" || e.Role == role {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OnlineSeq < out[j].OnlineSeq })
	return out
}

func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Role == role {
			n++
		}
	}
	return n
}
