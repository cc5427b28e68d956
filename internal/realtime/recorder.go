package realtime

import "sync"

// Event 记录的一次推送
type Event struct {
	Target  string // actorID、房间名或空（广播）
	Kind    string // actor / room / broadcast
	Name    string
	Payload interface{}
}

// Recorder 内存实现，供测试断言推送
type Recorder struct {
	mu     sync.Mutex
	events []Event
	rooms  map[string]map[string]bool
}

func NewRecorder() *Recorder {
	return &Recorder{rooms: make(map[string]map[string]bool)}
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) ToActor(actorID, event string, payload interface{}) {
	r.add(Event{Target: actorID, Kind: "actor", Name: event, Payload: payload})
}

func (r *Recorder) ToRoom(room, event string, payload interface{}) {
	r.add(Event{Target: room, Kind: "room", Name: event, Payload: payload})
}

func (r *Recorder) Broadcast(event string, payload interface{}) {
	r.add(Event{Kind: "broadcast", Name: event, Payload: payload})
}

func (r *Recorder) JoinRoom(actorID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]bool)
	}
	r.rooms[room][actorID] = true
}

func (r *Recorder) LeaveRoom(actorID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms[room], actorID)
}

// Events 全部记录的副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// EventsTo 发给某个用户的事件名（可按名过滤）
func (r *Recorder) EventsTo(actorID string, names ...string) []Event {
	return r.filter("actor", actorID, names)
}

// RoomEvents 发到某个房间的事件
func (r *Recorder) RoomEvents(room string, names ...string) []Event {
	return r.filter("room", room, names)
}

// Broadcasts 广播事件
func (r *Recorder) Broadcasts(names ...string) []Event {
	return r.filter("broadcast", "", names)
}

// Count 某事件名出现的总次数
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Members 房间当前成员
func (r *Recorder) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Reset 清空事件记录，房间成员保留
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *Recorder) filter(kind, target string, names []string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind != kind || e.Target != target {
			continue
		}
		if len(names) > 0 && !contains(names, e.Name) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
