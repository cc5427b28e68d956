package realtime

import "strings"

// Mirror 房间封装的旁路出口（SSE、消息总线）
type Mirror interface {
	Publish(room, event string, payload interface{})
}

// MirrorFunc 适配普通函数
type MirrorFunc func(room, event string, payload interface{})

func (f MirrorFunc) Publish(room, event string, payload interface{}) { f(room, event, payload) }

// Fanout 在主出口之外，把管理端和 NGO 房间的封装同步给镜像
type Fanout struct {
	Emitter
	mirrors []Mirror
}

func NewFanout(primary Emitter, mirrors ...Mirror) *Fanout {
	if primary == nil {
		primary = Nop{}
	}
	return &Fanout{Emitter: primary, mirrors: mirrors}
}

func (f *Fanout) ToRoom(room, event string, payload interface{}) {
	f.Emitter.ToRoom(room, event, payload)
	if !mirrored(room) {
		return
	}
	for _, m := range f.mirrors {
		m.Publish(room, event, payload)
	}
}

// 会话房间只属于两位当事人，不外发
func mirrored(room string) bool {
	return room == RoomAdmins || strings.HasPrefix(room, "ngo:")
}
