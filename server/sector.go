package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"galaxyd/ecs"
	"galaxyd/galaxy"
	"galaxyd/protocol"
)

const (
	// TicksPerSecond 扇区模拟推进频率（20 TPS）
	TicksPerSecond = 20
)

var tickInterval = time.Second / TicksPerSecond // 50ms

// SectorKey 扇区坐标键
type SectorKey struct {
	X, Y int32
}

func (k SectorKey) String() string { return fmt.Sprintf("(%d,%d)", k.X, k.Y) }

// clientSender 由网关实现：按 id 列表投递帧。
// 扇区永远不持有连接对象，只经这个口子出网
type clientSender interface {
	deliver(ids []uint32, frame []byte)
}

type sectorEventKind uint8

const (
	evJoin sectorEventKind = iota
	evLeave
	evMessage
)

// sectorEvent 网关转入扇区的事件，统一在 Tick 协程上消化
type sectorEvent struct {
	kind     sectorEventKind
	clientID uint32
	msg      *protocol.NetworkMessage // 仅 evMessage 使用
}

// SectorServer 一块独立模拟的世界区域：玩家集合、实体存储、自己的 Tick 协程。
// 内容生成在构造时执行且只执行一次；坐标去重由拥有者（GameServer）保证
type SectorServer struct {
	key    SectorKey
	sector *galaxy.Sector
	genErr error // 非 nil 表示生成失败，扇区不可用

	entities *ecs.EntityManager

	playersMu  sync.Mutex
	players    map[uint32]struct{}
	emptySince time.Time

	// 入站事件：网关非阻塞投递，Tick 协程统一消化
	inbox chan sectorEvent

	// 出站队列：模拟期间只入队，Tick 末尾在锁外统一广播
	outMu  sync.Mutex
	outbox *queue.Queue

	sender clientSender

	tickSeq atomic.Int64
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// newSectorServer 构造并初始化扇区：确定性内容生成只在这里发生一次
func newSectorServer(key SectorKey, gen *galaxy.Generator, sender clientSender, inboxCap int) *SectorServer {
	s := &SectorServer{
		key:        key,
		entities:   ecs.NewEntityManager(galaxy.SectorSize, galaxy.SectorSize),
		players:    make(map[uint32]struct{}),
		emptySince: time.Now(),
		inbox:      make(chan sectorEvent, inboxCap),
		outbox:     queue.New(),
		sender:     sender,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	sec, err := gen.GenerateSector(key.X, key.Y)
	if err != nil {
		// 生成失败：标记不可用，入驻请求会收到显式失败应答
		s.genErr = err
		Log.Errorf("sector %v generation failed: %v", key, err)
		return s
	}
	s.sector = sec

	// 静态内容落为世界实体
	for _, a := range sec.Asteroids {
		e := s.entities.Spawn(ecs.KindAsteroid, 0, a.X, a.Y)
		e.HP = a.Ore
	}
	if sec.Station != nil {
		s.entities.Spawn(ecs.KindStation, 0, sec.Station.X, sec.Station.Y)
	}
	return s
}

func (s *SectorServer) Key() SectorKey { return s.key }

// Usable 生成成功才可入驻
func (s *SectorServer) Usable() bool { return s.genErr == nil }

// Sector 返回扇区静态内容（不可用时为 nil）
func (s *SectorServer) Sector() *galaxy.Sector { return s.sector }

// TickCount 已推进的 Tick 数
func (s *SectorServer) TickCount() int64 { return s.tickSeq.Load() }

// AddPlayer 将玩家加入集合，并把实体生成排入 Tick 协程
func (s *SectorServer) AddPlayer(clientID uint32) {
	s.playersMu.Lock()
	_, exists := s.players[clientID]
	if !exists {
		s.players[clientID] = struct{}{}
	}
	s.playersMu.Unlock()
	if !exists {
		s.enqueue(sectorEvent{kind: evJoin, clientID: clientID})
	}
}

// RemovePlayer 将玩家移出集合，实体清理同样走 Tick 协程
func (s *SectorServer) RemovePlayer(clientID uint32) {
	s.playersMu.Lock()
	_, exists := s.players[clientID]
	if exists {
		delete(s.players, clientID)
		if len(s.players) == 0 {
			s.emptySince = time.Now()
		}
	}
	s.playersMu.Unlock()
	if exists {
		s.enqueue(sectorEvent{kind: evLeave, clientID: clientID})
	}
}

func (s *SectorServer) HasPlayer(clientID uint32) bool {
	s.playersMu.Lock()
	defer s.playersMu.Unlock()
	_, ok := s.players[clientID]
	return ok
}

func (s *SectorServer) PlayerCount() int {
	s.playersMu.Lock()
	defer s.playersMu.Unlock()
	return len(s.players)
}

// EmptyFor 扇区空置时长，非空返回 0，用于修剪策略
func (s *SectorServer) EmptyFor() time.Duration {
	s.playersMu.Lock()
	defer s.playersMu.Unlock()
	if len(s.players) > 0 {
		return 0
	}
	return time.Since(s.emptySince)
}

// snapshotPlayers 锁内拷贝 id 列表，锁外投递
func (s *SectorServer) snapshotPlayers() []uint32 {
	s.playersMu.Lock()
	defer s.playersMu.Unlock()
	ids := make([]uint32, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	return ids
}

// Forward 网关把模拟层消息转入扇区；队列满时丢弃并计数
func (s *SectorServer) Forward(clientID uint32, msg *protocol.NetworkMessage) bool {
	return s.enqueue(sectorEvent{kind: evMessage, clientID: clientID, msg: msg})
}

func (s *SectorServer) enqueue(ev sectorEvent) bool {
	select {
	case s.inbox <- ev:
		return true
	default:
		// 拥塞时丢弃，保证 Tick 准时
		countDrop(dropInboxFull)
		return false
	}
}

// BroadcastToPlayers 向扇区内全部玩家投递：锁内拷贝 id、锁外发送，
// 慢客户端永远堵不住扇区锁
func (s *SectorServer) BroadcastToPlayers(msg *protocol.NetworkMessage) {
	ids := s.snapshotPlayers()
	if len(ids) == 0 {
		return
	}
	s.sender.deliver(ids, msg.Serialize())
}

// queueBroadcast 模拟期间产生的出站消息先入队，Tick 末尾统一发
func (s *SectorServer) queueBroadcast(msg *protocol.NetworkMessage) {
	s.outMu.Lock()
	s.outbox.Add(msg.Serialize())
	s.outMu.Unlock()
}

// drainOutbox 取空出站队列并广播，全部在锁外出网
func (s *SectorServer) drainOutbox() {
	s.outMu.Lock()
	frames := make([][]byte, 0, s.outbox.Length())
	for s.outbox.Length() > 0 {
		frames = append(frames, s.outbox.Remove().([]byte))
	}
	s.outMu.Unlock()

	if len(frames) == 0 {
		return
	}
	ids := s.snapshotPlayers()
	if len(ids) == 0 {
		return
	}
	for _, f := range frames {
		s.sender.deliver(ids, f)
	}
}

// StartTicker 启动扇区的模拟协程；不可用的扇区不推进
func (s *SectorServer) StartTicker() {
	if s.started || !s.Usable() {
		return
	}
	s.started = true
	go s.run()
}

// stopTicker 停止模拟协程并等待退出
func (s *SectorServer) stopTicker() {
	if !s.started {
		return
	}
	close(s.stopCh)
	<-s.done
}

func (s *SectorServer) run() {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			dt := float32(now.Sub(last).Seconds())
			last = now
			s.tick(dt)
		}
	}
}

// tick 带计时与兜错的单帧推进，单帧异常不终结整个扇区
func (s *SectorServer) tick(dt float32) {
	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("sector %v tick panic: %v", s.key, r)
		}
	}()

	start := time.Now()
	s.Update(dt)
	metricTickDuration.Observe(time.Since(start).Seconds())
}

// Update 推进一帧：消化事件 → 更新实体 → 快照入队 → 锁外广播。
// 正常运行由 Tick 协程驱动，测试与工具可直接调用
func (s *SectorServer) Update(dt float32) {
	// 生成失败的扇区没有内容可推进，直接调用也不能崩
	if s.genErr != nil {
		return
	}
	s.drainInbox()
	s.entities.Update(dt)
	s.queueSnapshot()
	s.drainOutbox()
	s.tickSeq.Add(1)
}

// drainInbox 非阻塞取空本帧事件
func (s *SectorServer) drainInbox() {
	for {
		select {
		case ev := <-s.inbox:
			s.apply(ev)
		default:
			return
		}
	}
}

func (s *SectorServer) apply(ev sectorEvent) {
	switch ev.kind {
	case evJoin:
		e := s.entities.Spawn(ecs.KindPlayer, ev.clientID, s.sector.SpawnX, s.sector.SpawnY)
		notice := protocol.New(protocol.MsgPlayerJoin)
		notice.WriteInt32(int32(ev.clientID))
		notice.WriteFloat32(e.X)
		notice.WriteFloat32(e.Y)
		s.queueBroadcast(notice)

	case evLeave:
		s.entities.RemoveOwned(ev.clientID)
		notice := protocol.New(protocol.MsgPlayerLeave)
		notice.WriteInt32(int32(ev.clientID))
		s.queueBroadcast(notice)

	case evMessage:
		s.applyMessage(ev.clientID, ev.msg)
	}
}

// applyMessage 模拟层消息处理；字段解析失败按坏包丢弃并记日志
func (s *SectorServer) applyMessage(clientID uint32, msg *protocol.NetworkMessage) {
	switch msg.Type() {
	case protocol.MsgActionCommand:
		// [action u8][vx f32][vy f32]：设置玩家实体速度意图
		if _, err := msg.ReadUint8(); err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		vx, err := msg.ReadFloat32()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		vy, err := msg.ReadFloat32()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		if e, ok := s.entities.FindByOwner(clientID); ok {
			e.VX, e.VY = vx, vy
		}

	case protocol.MsgEntityUpdate:
		// 客户端上报自身位置 [x f32][y f32]，服务端裁剪后采纳
		x, err := msg.ReadFloat32()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		y, err := msg.ReadFloat32()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		if e, ok := s.entities.FindByOwner(clientID); ok {
			e.X = clamp(x, 0, galaxy.SectorSize)
			e.Y = clamp(y, 0, galaxy.SectorSize)
		}

	case protocol.MsgChatMessage:
		// [text string] → 带发送者 id 转播全扇区
		text, err := msg.ReadString()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		relay := protocol.New(protocol.MsgChatMessage)
		relay.WriteInt32(int32(clientID))
		relay.WriteString(text)
		s.queueBroadcast(relay)

	case protocol.MsgCombatEvent:
		// [target i32][damage i32]：结算伤害并广播结果
		target, err := msg.ReadInt32()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		damage, err := msg.ReadInt32()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		e, ok := s.entities.Get(ecs.EntityID(target))
		if !ok {
			return
		}
		e.HP -= damage
		result := protocol.New(protocol.MsgCombatEvent)
		result.WriteInt32(int32(clientID))
		result.WriteInt32(target)
		result.WriteInt32(damage)
		result.WriteInt32(e.HP)
		s.queueBroadcast(result)
		if e.HP <= 0 {
			s.entities.Remove(e.ID)
		}

	case protocol.MsgInventoryUpdate:
		// [item string][count i32] → 带发送者 id 转播
		item, err := msg.ReadString()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		count, err := msg.ReadInt32()
		if err != nil {
			s.dropMalformed(clientID, msg, err)
			return
		}
		relay := protocol.New(protocol.MsgInventoryUpdate)
		relay.WriteInt32(int32(clientID))
		relay.WriteString(item)
		relay.WriteInt32(count)
		s.queueBroadcast(relay)
	}
}

func (s *SectorServer) dropMalformed(clientID uint32, msg *protocol.NetworkMessage, err error) {
	countDrop(dropMalformed)
	Log.Warnf("sector %v: malformed %v from client %d: %v", s.key, msg.Type(), clientID, err)
}

// queueSnapshot 把实体快照打包为 EntityUpdate 广播帧
func (s *SectorServer) queueSnapshot() {
	snap := s.entities.Snapshot()
	if len(snap) == 0 {
		return
	}
	msg := protocol.New(protocol.MsgEntityUpdate)
	msg.WriteInt32(int32(len(snap)))
	for _, e := range snap {
		msg.WriteInt32(int32(e.ID))
		msg.WriteUint8(uint8(e.Kind))
		msg.WriteFloat32(e.X)
		msg.WriteFloat32(e.Y)
		msg.WriteInt32(e.HP)
	}
	s.queueBroadcast(msg)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
