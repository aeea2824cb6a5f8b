package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Transport 连接的下行通道
// Send 必须非阻塞且保持调用顺序；返回错误表示连接已不可写
type Transport interface {
	Send(frame []byte) error
	Close(code int, reason string)
}

// Emitter 注册表事件的投递方，通常是 Router
type Emitter interface {
	SendToConnection(connID string, payload []byte) bool
}

// ClientMeta 客户端元数据
type ClientMeta struct {
	ClientType    string `json:"client_type,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	IP            string `json:"ip,omitempty"`
}

// connection 注册表内部的连接状态，rooms 由 Registry.mu 保护
type connection struct {
	id          string
	userID      string
	meta        ClientMeta
	connectedAt time.Time
	lastActive  atomic.Int64 // UnixNano
	rooms       map[string]struct{}
	transport   Transport
}

// presence 用户在线状态，conns 由 Registry.mu 保护
type presence struct {
	conns    map[string]struct{}
	lastSeen atomic.Int64 // UnixNano
}

// ConnectionInfo 连接快照
type ConnectionInfo struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Meta         ClientMeta `json:"meta"`
	ConnectedAt  time.Time  `json:"connected_at"`
	LastActivity time.Time  `json:"last_activity"`
	Rooms        []string   `json:"rooms"`
}

// Stats 注册表统计
type Stats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Rooms       int            `json:"rooms"`
	RoomMembers map[string]int `json:"room_members"`
}

// PresenceChange 在线状态变化
type PresenceChange struct {
	UserID string
	Status PresenceStatus
	At     time.Time
}

// RemoveHook 连接移除后的回调，在锁外执行
type RemoveHook func(info ConnectionInfo, reason string)

// Registry 连接注册表
//
// 连接、用户、房间三个索引由同一把锁保护，Admit/Remove/Join/Leave 彼此原子。
// 事件帧在锁外投递，投递失败引起的 Remove 不会重入锁。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
	users map[string]*presence
	rooms map[string]map[string]struct{}

	emitter Emitter
	scope   PresenceScope
	maxUser int
	maxRoom int
	now     func() time.Time
	log     *zap.Logger

	hookMu        sync.RWMutex
	admitHooks    []func(ConnectionInfo)
	removeHooks   []RemoveHook
	presenceHooks []func(PresenceChange)

	// 事件按锁内顺序入队，由单个 drain 循环依次投递
	qmu      sync.Mutex
	queue    []eventBatch
	draining bool
}

// RegistryOption 注册表选项
type RegistryOption func(*Registry)

// WithRegistryClock 替换时钟
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRegistryLogger 设置日志
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l
	}
}

// WithRegistryScope 设置上下线事件范围
func WithRegistryScope(scope PresenceScope) RegistryOption {
	return func(r *Registry) {
		r.scope = scope
	}
}

// WithRegistryLimits 设置单用户连接数和房间人数上限，0 表示不限
func WithRegistryLimits(maxPerUser, maxRoomSize int) RegistryOption {
	return func(r *Registry) {
		r.maxUser = maxPerUser
		r.maxRoom = maxRoomSize
	}
}

// NewRegistry 创建注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		conns: make(map[string]*connection),
		users: make(map[string]*presence),
		rooms: make(map[string]map[string]struct{}),
		scope: PresenceScopeRooms,
		now:   time.Now,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.emitter = transportEmitter{r}
	return r
}

// SetEmitter 设置事件投递方
func (r *Registry) SetEmitter(e Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

// OnAdmit 注册准入回调
// 回调在注册表写锁内执行，早于任何针对该连接的 Remove，不得调用 Registry 的方法
func (r *Registry) OnAdmit(h func(ConnectionInfo)) {
	r.hookMu.Lock()
	r.admitHooks = append(r.admitHooks, h)
	r.hookMu.Unlock()
}

// OnRemove 注册移除回调
func (r *Registry) OnRemove(h RemoveHook) {
	r.hookMu.Lock()
	r.removeHooks = append(r.removeHooks, h)
	r.hookMu.Unlock()
}

// OnPresence 注册在线状态回调
func (r *Registry) OnPresence(h func(PresenceChange)) {
	r.hookMu.Lock()
	r.presenceHooks = append(r.presenceHooks, h)
	r.hookMu.Unlock()
}

// outbound 锁内计算、锁外投递的事件
type outbound struct {
	targets []string
	frame   Frame
}

// eventBatch 一次变更产生的全部事件
type eventBatch struct {
	emitter  Emitter
	events   []outbound
	at       time.Time
	presence *PresenceChange
}

// Admit 登记一个已通过认证的连接，并原子地加入 rooms
// 返回连接 ID 和实际加入的房间；已满或非法的房间被跳过
func (r *Registry) Admit(userID string, meta ClientMeta, t Transport, rooms ...string) (string, []string, error) {
	if userID == "" {
		return "", nil, ErrEmptyUserID
	}

	now := r.now()
	c := &connection{
		id:          newID(),
		userID:      userID,
		meta:        meta,
		connectedAt: now,
		rooms:       make(map[string]struct{}, len(rooms)),
		transport:   t,
	}
	c.lastActive.Store(now.UnixNano())

	var events []outbound
	var joined []string
	var first bool

	r.mu.Lock()
	p, ok := r.users[userID]
	if ok && r.maxUser > 0 && len(p.conns) >= r.maxUser {
		r.mu.Unlock()
		return "", nil, ErrTooManyConnections
	}
	if !ok {
		p = &presence{conns: make(map[string]struct{})}
		r.users[userID] = p
		first = true
	}
	p.conns[c.id] = struct{}{}
	p.lastSeen.Store(now.UnixNano())
	r.conns[c.id] = c

	for _, room := range rooms {
		ev, err := r.joinLocked(c, room)
		if err != nil {
			continue
		}
		joined = append(joined, room)
		if ev != nil {
			events = append(events, *ev)
		}
	}

	batch := eventBatch{emitter: r.emitter, at: now}
	if first {
		events = append(events, outbound{
			targets: r.presenceTargetsLocked(c),
			frame:   PresenceUpdate{UserID: userID, Status: PresenceOnline, LastSeen: now.UnixMilli()},
		})
		batch.presence = &PresenceChange{UserID: userID, Status: PresenceOnline, At: now}
	}
	batch.events = events

	r.hookMu.RLock()
	admitHooks := r.admitHooks
	r.hookMu.RUnlock()
	if len(admitHooks) > 0 {
		info := c.snapshot()
		for _, h := range admitHooks {
			h(info)
		}
	}
	r.enqueueLocked(batch)
	r.mu.Unlock()

	r.log.Debug("connection admitted",
		zap.String("conn_id", c.id),
		zap.String("user_id", userID),
		zap.String("ip", meta.IP),
		zap.Strings("rooms", joined))

	r.drain()
	return c.id, joined, nil
}

// Remove 移除连接，未知 ID 或重复调用均为空操作
func (r *Registry) Remove(connID string) {
	r.Disconnect(connID, websocket.CloseNormalClosure, "")
}

// Disconnect 移除连接并以 code/reason 关闭传输层，返回是否实际移除
func (r *Registry) Disconnect(connID string, code int, reason string) bool {
	return r.removeIf(connID, code, reason, nil)
}

// evictIdle 仅当连接在 cutoff 之后没有活动时移除
func (r *Registry) evictIdle(connID string, cutoff time.Time, code int, reason string) bool {
	return r.removeIf(connID, code, reason, func(c *connection) bool {
		return c.lastActive.Load() < cutoff.UnixNano()
	})
}

func (r *Registry) removeIf(connID string, code int, reason string, cond func(*connection) bool) bool {
	now := r.now()
	var events []outbound
	var offline bool

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok || (cond != nil && !cond(c)) {
		r.mu.Unlock()
		return false
	}

	// 下线通知的目标要在离开房间之前计算
	var offlineTargets []string
	if p := r.users[c.userID]; p != nil && len(p.conns) == 1 {
		offline = true
		offlineTargets = r.presenceTargetsLocked(c)
	}

	info := c.snapshot()
	for room := range c.rooms {
		if ev := r.leaveLocked(c, room); ev != nil {
			events = append(events, *ev)
		}
	}
	delete(r.conns, connID)

	if p := r.users[c.userID]; p != nil {
		delete(p.conns, connID)
		p.lastSeen.Store(now.UnixNano())
		if len(p.conns) == 0 {
			delete(r.users, c.userID)
		}
	}
	batch := eventBatch{emitter: r.emitter, at: now}
	if offline {
		events = append(events, outbound{
			targets: offlineTargets,
			frame:   PresenceUpdate{UserID: c.userID, Status: PresenceOffline, LastSeen: now.UnixMilli()},
		})
		batch.presence = &PresenceChange{UserID: c.userID, Status: PresenceOffline, At: now}
	}
	batch.events = events
	r.enqueueLocked(batch)
	r.mu.Unlock()

	if c.transport != nil {
		c.transport.Close(code, reason)
	}

	r.log.Debug("connection removed",
		zap.String("conn_id", connID),
		zap.String("user_id", c.userID),
		zap.String("reason", reason))

	r.drain()

	r.hookMu.RLock()
	hooks := r.removeHooks
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(info, reason)
	}
	return true
}

// Join 加入房间，重复加入为空操作
func (r *Registry) Join(connID, room string) error {
	if !validRoom(room) {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}
	ev, err := r.joinLocked(c, room)
	if ev != nil {
		r.enqueueLocked(eventBatch{emitter: r.emitter, events: []outbound{*ev}, at: r.now()})
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	r.drain()
	return nil
}

// Leave 离开房间，不在房间内为空操作
func (r *Registry) Leave(connID, room string) error {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}
	if _, member := c.rooms[room]; member {
		if ev := r.leaveLocked(c, room); ev != nil {
			r.enqueueLocked(eventBatch{emitter: r.emitter, events: []outbound{*ev}, at: r.now()})
		}
	}
	r.mu.Unlock()

	r.drain()
	return nil
}

// joinLocked 调用方持有写锁
func (r *Registry) joinLocked(c *connection, room string) (*outbound, error) {
	if !validRoom(room) {
		return nil, ErrInvalidRoom
	}
	if _, member := c.rooms[room]; member {
		return nil, nil
	}
	members, ok := r.rooms[room]
	if ok && r.maxRoom > 0 && len(members) >= r.maxRoom {
		return nil, ErrRoomFull
	}
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}

	others := sortedKeys(members)
	members[c.id] = struct{}{}
	c.rooms[room] = struct{}{}

	if len(others) == 0 {
		return nil, nil
	}
	return &outbound{
		targets: others,
		frame: UserJoinedRoom{
			Room:         room,
			UserID:       c.userID,
			ConnectionID: c.id,
			MemberCount:  len(members),
		},
	}, nil
}

// leaveLocked 调用方持有写锁，空房间立即删除
func (r *Registry) leaveLocked(c *connection, room string) *outbound {
	delete(c.rooms, room)
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(r.rooms, room)
		return nil
	}
	return &outbound{
		targets: sortedKeys(members),
		frame: UserLeftRoom{
			Room:         room,
			UserID:       c.userID,
			ConnectionID: c.id,
			MemberCount:  len(members),
		},
	}
}

// presenceTargetsLocked 计算上下线通知目标，不含该用户自己的连接
func (r *Registry) presenceTargetsLocked(c *connection) []string {
	p := r.users[c.userID]
	own := func(id string) bool {
		if p == nil {
			return id == c.id
		}
		_, ok := p.conns[id]
		return ok || id == c.id
	}

	targets := make(map[string]struct{})
	if r.scope == PresenceScopeGlobal {
		for id := range r.conns {
			if !own(id) {
				targets[id] = struct{}{}
			}
		}
		return sortedKeys(targets)
	}

	for room := range c.rooms {
		for id := range r.rooms[room] {
			if !own(id) {
				targets[id] = struct{}{}
			}
		}
	}
	return sortedKeys(targets)
}

// dispatch 锁外投递事件
// enqueueLocked 调用方持有写锁，保证入队顺序与变更顺序一致
func (r *Registry) enqueueLocked(b eventBatch) {
	if len(b.events) == 0 && b.presence == nil {
		return
	}
	r.qmu.Lock()
	r.queue = append(r.queue, b)
	r.qmu.Unlock()
}

// drain 依次投递队列中的事件
// 已有 goroutine 在投递时直接返回，由它投递新入队的事件；投递失败引起的 Remove 因此不会重入
func (r *Registry) drain() {
	r.qmu.Lock()
	if r.draining {
		r.qmu.Unlock()
		return
	}
	r.draining = true
	for len(r.queue) > 0 {
		b := r.queue[0]
		r.queue[0] = eventBatch{}
		r.queue = r.queue[1:]
		r.qmu.Unlock()

		r.dispatch(b.emitter, b.events, b.at)
		if b.presence != nil {
			r.firePresence(*b.presence)
		}

		r.qmu.Lock()
	}
	r.draining = false
	r.qmu.Unlock()
}

func (r *Registry) dispatch(e Emitter, events []outbound, at time.Time) {
	for _, ev := range events {
		if len(ev.targets) == 0 {
			continue
		}
		payload, err := EncodeFrame(ev.frame, at)
		if err != nil {
			r.log.Error("encode registry event failed", zap.Error(err))
			continue
		}
		for _, id := range ev.targets {
			e.SendToConnection(id, payload)
		}
	}
}

func (r *Registry) firePresence(change PresenceChange) {
	r.hookMu.RLock()
	hooks := r.presenceHooks
	r.hookMu.RUnlock()
	for _, h := range hooks {
		h(change)
	}
}

// Members 房间成员快照（有序）
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// Touch 刷新最后活动时间
func (r *Registry) Touch(connID string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	var p *presence
	if ok {
		p = r.users[c.userID]
	}
	r.mu.RUnlock()
	if !ok {
		return
	}
	now := r.now().UnixNano()
	c.lastActive.Store(now)
	if p != nil {
		p.lastSeen.Store(now)
	}
}

// Stats 统计快照
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make(map[string]int, len(r.rooms))
	for room, m := range r.rooms {
		members[room] = len(m)
	}
	return Stats{
		Connections: len(r.conns),
		Users:       len(r.users),
		Rooms:       len(r.rooms),
		RoomMembers: members,
	}
}

// Connection 连接快照
func (r *Registry) Connection(connID string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.snapshot(), true
}

// IsMember 连接是否在房间内
func (r *Registry) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// Connections 所有连接的快照
func (r *Registry) Connections() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		infos = append(infos, c.snapshot())
	}
	return infos
}

// UserConnections 用户的连接 ID（有序）
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.users[userID]
	if !ok {
		return nil
	}
	return sortedKeys(p.conns)
}

// IsOnline 用户是否至少有一个连接
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// LastSeen 在线用户的最后活动时间
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	p, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, p.lastSeen.Load()), true
}

// ConnectionIDs 所有连接 ID
func (r *Registry) ConnectionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Stale 最后活动早于 cutoff 的连接
func (r *Registry) Stale(cutoff time.Time) []string {
	limit := cutoff.UnixNano()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.conns {
		if c.lastActive.Load() < limit {
			ids = append(ids, id)
		}
	}
	return ids
}

// transport 查找连接的传输层
func (r *Registry) transport(connID string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok || c.transport == nil {
		return nil, false
	}
	return c.transport, true
}

// snapshot 调用方持有锁
func (c *connection) snapshot() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.id,
		UserID:       c.userID,
		Meta:         c.meta,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastActive.Load()),
		Rooms:        sortedKeys(c.rooms),
	}
}

// transportEmitter 未接入 Router 时直接写传输层，写失败即移除
type transportEmitter struct {
	r *Registry
}

func (e transportEmitter) SendToConnection(connID string, payload []byte) bool {
	t, ok := e.r.transport(connID)
	if !ok {
		return false
	}
	if err := t.Send(payload); err != nil {
		e.r.Disconnect(connID, websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	return true
}
