package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/hongjun500/peerchat-go/internal/observe"
)

// Handle 在线用户对应的连接句柄
// Send 必须非阻塞：慢消费者由句柄自己的缓冲策略处理，不能卡住注册表调用方
type Handle interface {
	Send(line string)
}

// Entry 注册表条目，同一个用户标识同时只有一条
type Entry struct {
	User   string
	Handle Handle
}

type peerEndpoint struct {
	host string
	port int
}

type subscriberEntry struct {
	id uint64
	fn func(Event)
}

// Registry 在线用户注册表，"谁在线"的唯一可信来源。
// 由 relay 服务端持有并传引用给各会话，不做进程级单例，测试里可以并存多个实例。
// sync.Map 提供按 key 的原子插入/替换/删除，不同 key 之间互不阻塞。
type Registry struct {
	entries   sync.Map // user -> *Entry
	endpoints sync.Map // user -> peerEndpoint，IDENTIFY 公布的 P2P 监听地址

	subMu   sync.RWMutex
	subs    []subscriberEntry
	nextSID uint64
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe 订阅在线状态变化，返回取消函数
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.subMu.Lock()
	r.nextSID++
	id := r.nextSID
	r.subs = append(r.subs, subscriberEntry{id: id, fn: fn})
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		filtered := r.subs[:0]
		for _, s := range r.subs {
			if s.id != id {
				filtered = append(filtered, s)
			}
		}
		r.subs = append([]subscriberEntry(nil), filtered...)
		r.subMu.Unlock()
	}
}

// emit 异步分发事件，不持锁回调，订阅者 panic 不影响注册表
func (r *Registry) emit(e Event) {
	r.subMu.RLock()
	copied := append([]subscriberEntry(nil), r.subs...)
	r.subMu.RUnlock()
	for _, s := range copied {
		go func(fn func(Event)) {
			defer func() { _ = recover() }()
			fn(e)
		}(s.fn)
	}
}

// Register 插入或替换用户条目。后注册的连接悄悄顶掉先前的，不报错。
func (r *Registry) Register(user string, h Handle) {
	// 被顶掉的旧连接不在这里关闭，留给它自己的读循环收场
	if _, loaded := r.entries.Swap(user, &Entry{User: user, Handle: h}); !loaded {
		observe.AddOnline(1)
	}
	r.emit(Event{Type: EventUserOnline, When: time.Now(), User: user})
}

// Unregister 移除用户条目，不在线则为空操作。
// h 非 nil 时只在句柄仍是当前句柄时移除：被顶掉的旧会话迟到的断开
// 不能误删接替它的新条目。
func (r *Registry) Unregister(user string, h Handle) {
	if h == nil {
		if _, loaded := r.entries.LoadAndDelete(user); !loaded {
			return
		}
	} else {
		v, ok := r.entries.Load(user)
		if !ok {
			return
		}
		entry := v.(*Entry)
		if entry.Handle != h {
			return
		}
		if !r.entries.CompareAndDelete(user, v) {
			return
		}
	}
	r.endpoints.Delete(user)
	observe.AddOnline(-1)
	r.emit(Event{Type: EventUserOffline, When: time.Now(), User: user})
}

// Lookup 按用户查句柄，离线返回 false
func (r *Registry) Lookup(user string) (Handle, bool) {
	v, ok := r.entries.Load(user)
	if !ok {
		return nil, false
	}
	return v.(*Entry).Handle, true
}

// ListOnline 在线用户快照，返回后注册表再变不影响这份副本
func (r *Registry) ListOnline() []string {
	out := make([]string, 0)
	r.entries.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// SetPeerEndpoint 记录用户公布的 P2P 监听地址，供 GET_PEER_ADDR 应答
func (r *Registry) SetPeerEndpoint(user, host string, port int) {
	r.endpoints.Store(user, peerEndpoint{host: host, port: port})
}

// PeerEndpoint 查询用户的 P2P 监听地址，只对在线用户有意义
func (r *Registry) PeerEndpoint(user string) (host string, port int, ok bool) {
	if _, online := r.entries.Load(user); !online {
		return "", 0, false
	}
	v, ok2 := r.endpoints.Load(user)
	if !ok2 {
		return "", 0, false
	}
	ep := v.(peerEndpoint)
	return ep.host, ep.port, true
}
