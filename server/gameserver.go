package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"galaxyd/galaxy"
	"galaxyd/protocol"
)

// Config 网关配置。Addr/WorldSeed 启动后不可变，
// MaxClients/IdleTimeout/SectorGrace 可经管理接口热更新
type Config struct {
	Addr          string
	MaxClients    int
	IdleTimeout   time.Duration
	SectorGrace   time.Duration
	WorldSeed     int64
	SendQueueSize int
	InboxSize     int
}

// DefaultConfig 默认监听 7777 端口
func DefaultConfig() Config {
	return Config{
		Addr:          ":7777",
		MaxClients:    100,
		IdleTimeout:   60 * time.Second,
		SectorGrace:   5 * time.Minute,
		WorldSeed:     1337,
		SendQueueSize: 64,
		InboxSize:     256,
	}
}

// GameServer 套接字、客户端身份与扇区路由的唯一权威。
// clients 由 clientsMu 保护，sectors 由 sectorsMu 保护；
// 持锁期间只做内存登记，出网一律在锁外
type GameServer struct {
	cfg   Config
	cfgMu sync.RWMutex // 保护可热更新的配置字段

	gen *galaxy.Generator

	listener net.Listener
	running  atomic.Bool
	// stateMu 保证 running 翻转与 wg.Add 的互斥：
	// Stop 之后不允许任何迟到的接入再往 WaitGroup 里加计数
	stateMu sync.Mutex

	nextClientID atomic.Uint32 // 单调分配，永不复用

	clientsMu sync.Mutex
	clients   map[uint32]*ClientConnection

	sectorsMu sync.Mutex
	sectors   map[SectorKey]*SectorServer

	wg sync.WaitGroup
}

// NewGameServer 只建状态不开线程；多个实例可并存（测试需要）
func NewGameServer(cfg Config) *GameServer {
	if cfg.Addr == "" {
		cfg.Addr = ":7777"
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 100
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	return &GameServer{
		cfg:     cfg,
		gen:     galaxy.NewGenerator(cfg.WorldSeed),
		clients: make(map[uint32]*ClientConnection),
		sectors: make(map[SectorKey]*SectorServer),
	}
}

// Start 绑定监听并启动接入协程；失败时原子回退，不留下半启动的线程
func (s *GameServer) Start() error {
	if s.running.Load() {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	Log.Infof("galaxyd listening on %s", ln.Addr())
	return nil
}

// Stop 清运行标志、关监听与全部连接、停掉扇区协程并等待收尾
func (s *GameServer) Stop() {
	// 与 attach 互斥地翻转 running：从此 attach 只会拒绝
	s.stateMu.Lock()
	stopped := s.running.CompareAndSwap(true, false)
	s.stateMu.Unlock()
	if !stopped {
		return
	}
	_ = s.listener.Close() // 解除 accept 阻塞

	// 关闭客户端套接字，读循环随之退出并走正常断开路径
	s.clientsMu.Lock()
	conns := make([]*ClientConnection, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.clientsMu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}

	// 停扇区模拟
	s.sectorsMu.Lock()
	secs := make([]*SectorServer, 0, len(s.sectors))
	for _, sec := range s.sectors {
		secs = append(secs, sec)
	}
	s.sectors = make(map[SectorKey]*SectorServer)
	s.sectorsMu.Unlock()
	for _, sec := range secs {
		sec.stopTicker()
		metricSectorsActive.Dec()
	}

	s.wg.Wait()
	Log.Info("galaxyd stopped")
}

func (s *GameServer) Running() bool { return s.running.Load() }

// Addr 实际监听地址（配置 ":0" 时测试用来拿端口）
func (s *GameServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *GameServer) SetMaxClients(n int) {
	s.cfgMu.Lock()
	s.cfg.MaxClients = n
	s.cfgMu.Unlock()
}

func (s *GameServer) MaxClients() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.MaxClients
}

func (s *GameServer) SetIdleTimeout(d time.Duration) {
	s.cfgMu.Lock()
	s.cfg.IdleTimeout = d
	s.cfgMu.Unlock()
}

func (s *GameServer) IdleTimeout() time.Duration {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.IdleTimeout
}

func (s *GameServer) SetSectorGrace(d time.Duration) {
	s.cfgMu.Lock()
	s.cfg.SectorGrace = d
	s.cfgMu.Unlock()
}

func (s *GameServer) SectorGrace() time.Duration {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.SectorGrace
}

// ConnectedClientCount 当前注册表里的连接数
func (s *GameServer) ConnectedClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// acceptLoop 接入协程：阻塞 accept，超员即关，其余交给 attach
func (s *GameServer) acceptLoop() {
	defer s.wg.Done()
	for s.running.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			Log.Warnf("accept: %v", err)
			continue
		}
		if err := s.attach(conn); err != nil {
			Log.Warnf("reject %s: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
		}
	}
}

var errServerFull = errors.New("server full")

// attach 将一条已建立的连接纳入注册表并启动读写协程。
// TCP 接入与 WebSocket 桥共用这一条路径；
// running 检查与 wg.Add 在 stateMu 内完成，与 Stop 串行
func (s *GameServer) attach(conn net.Conn) error {
	s.stateMu.Lock()
	if !s.running.Load() {
		s.stateMu.Unlock()
		return errors.New("server not running")
	}
	if s.ConnectedClientCount() >= s.MaxClients() {
		s.stateMu.Unlock()
		countDrop(dropMaxClients)
		return errServerFull
	}

	id := s.nextClientID.Add(1)
	c := newClientConnection(id, conn, s.sendQueueSize())

	s.clientsMu.Lock()
	s.clients[id] = c
	s.clientsMu.Unlock()
	metricClientsConnected.Inc()
	s.wg.Add(2)
	s.stateMu.Unlock()

	Log.Infof("client %d connected from %s", id, c.Addr())
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
	return nil
}

func (s *GameServer) sendQueueSize() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.SendQueueSize
}

// readLoop 每客户端一条读协程：坏包丢弃继续，套接字错误按断开处理。
// 顶层兜错，单条消息的异常不砸进程
func (s *GameServer) readLoop(c *ClientConnection) {
	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("client %d read loop panic: %v", c.ID(), r)
		}
		s.DisconnectClient(c.ID())
	}()

	for s.running.Load() && c.Connected() {
		msg, err := c.ReceiveMessage()
		if err != nil {
			// 协议违规（超限/坏帧）走宽松策略：丢包、记日志、连接保留
			if errors.Is(err, protocol.ErrTooLarge) || errors.Is(err, protocol.ErrTruncated) {
				countDrop(dropOversize)
				Log.Warnf("client %d: dropped bad frame: %v", c.ID(), err)
				continue
			}
			return
		}
		countMessageIn(msg.Type())
		s.processMessage(c, msg)
	}
}

// processMessage 按消息类型分发；与会话状态不符的消息丢弃不致命
func (s *GameServer) processMessage(c *ClientConnection, msg *protocol.NetworkMessage) {
	switch msg.Type() {
	case protocol.MsgConnect:
		s.handleConnect(c, msg)

	case protocol.MsgPlayerJoin, protocol.MsgSectorChange:
		s.handleSectorMove(c, msg)

	case protocol.MsgActionCommand, protocol.MsgCombatEvent,
		protocol.MsgInventoryUpdate, protocol.MsgChatMessage, protocol.MsgEntityUpdate:
		s.forwardToSector(c, msg)

	case protocol.MsgDisconnect, protocol.MsgPlayerLeave:
		s.DisconnectClient(c.ID())

	default:
		countDrop(dropUnknownType)
		Log.Warnf("client %d: unknown message type %v, dropped", c.ID(), msg.Type())
	}
}

// handleConnect 完成会话建立：记名字、进入已认证态、回发分配的 id
func (s *GameServer) handleConnect(c *ClientConnection, msg *protocol.NetworkMessage) {
	name, err := msg.ReadString()
	if err != nil {
		countDrop(dropMalformed)
		Log.Warnf("client %d: malformed connect: %v", c.ID(), err)
		return
	}
	if c.State() != StateConnecting {
		countDrop(dropBadState)
		Log.Warnf("client %d: connect in state %v, dropped", c.ID(), c.State())
		return
	}
	c.setPlayerName(name)
	c.setState(StateAuthenticated)

	ack := protocol.New(protocol.MsgConnect)
	ack.WriteInt32(int32(c.ID()))
	c.Enqueue(ack.Serialize())
	Log.Infof("client %d authenticated as %q", c.ID(), name)
}

// handleSectorMove 入驻/换区共用：先从旧扇区摘除，再进目标扇区。
// 目标不可用时回显式失败应答（status=1 + 原因），连接保留
func (s *GameServer) handleSectorMove(c *ClientConnection, msg *protocol.NetworkMessage) {
	if c.State() == StateConnecting {
		countDrop(dropBadState)
		Log.Warnf("client %d: %v before connect, dropped", c.ID(), msg.Type())
		return
	}
	x, err := msg.ReadInt32()
	if err == nil {
		var y int32
		y, err = msg.ReadInt32()
		if err == nil {
			s.moveToSector(c, msg.Type(), SectorKey{X: x, Y: y})
			return
		}
	}
	countDrop(dropMalformed)
	Log.Warnf("client %d: malformed %v: %v", c.ID(), msg.Type(), err)
}

func (s *GameServer) moveToSector(c *ClientConnection, replyType protocol.MessageType, key SectorKey) {
	sec := s.CreateSectorServer(key.X, key.Y)
	if !sec.Usable() {
		fail := protocol.New(replyType)
		fail.WriteUint8(1) // status: 失败
		fail.WriteString(fmt.Sprintf("sector %v unavailable", key))
		c.Enqueue(fail.Serialize())
		Log.Warnf("client %d: join %v refused: %v", c.ID(), key, sec.genErr)
		return
	}

	// 换区全程持 moveMu，与 DisconnectClient 的清理互斥
	c.moveMu.Lock()
	defer c.moveMu.Unlock()

	// 同一时刻一个客户端只会出现在一个扇区的集合里
	if old, ok := c.takeSector(); ok {
		if oldSec := s.GetSectorServer(old.X, old.Y); oldSec != nil {
			oldSec.RemovePlayer(c.ID())
		}
	}

	// 断开清理先摘注册表再抢 moveMu：这里还在表里就说明清理
	// 尚未开始，之后它必然等到本次换区完成、能看到新扇区归属
	s.clientsMu.Lock()
	_, registered := s.clients[c.ID()]
	s.clientsMu.Unlock()
	if !registered {
		Log.Infof("client %d disconnected during sector move, join %v abandoned", c.ID(), key)
		return
	}

	// 应答先入队再入区：保证客户端先看到应答、后看到扇区广播
	reply := protocol.New(replyType)
	reply.WriteUint8(0) // status: 成功
	reply.WriteInt32(key.X)
	reply.WriteInt32(key.Y)
	c.Enqueue(reply.Serialize())

	sec.AddPlayer(c.ID())
	c.setSector(key)
	Log.Infof("client %d entered sector %v", c.ID(), key)
}

// forwardToSector 模拟层消息转入当前扇区；未入扇区则丢弃并记日志
func (s *GameServer) forwardToSector(c *ClientConnection, msg *protocol.NetworkMessage) {
	key, ok := c.currentSector()
	if !ok {
		countDrop(dropNoSector)
		Log.Warnf("client %d: %v without sector, dropped", c.ID(), msg.Type())
		return
	}
	sec := s.GetSectorServer(key.X, key.Y)
	if sec == nil {
		countDrop(dropNoSector)
		Log.Warnf("client %d: sector %v gone, dropped %v", c.ID(), key, msg.Type())
		return
	}
	sec.Forward(c.ID(), msg)
}

// GetSectorServer 只查不建
func (s *GameServer) GetSectorServer(x, y int32) *SectorServer {
	s.sectorsMu.Lock()
	defer s.sectorsMu.Unlock()
	return s.sectors[SectorKey{X: x, Y: y}]
}

// CreateSectorServer 惰性建区：同一坐标重复调用返回同一实例，内容绝不重新生成
func (s *GameServer) CreateSectorServer(x, y int32) *SectorServer {
	key := SectorKey{X: x, Y: y}
	s.sectorsMu.Lock()
	defer s.sectorsMu.Unlock()
	if sec, ok := s.sectors[key]; ok {
		return sec
	}
	sec := newSectorServer(key, s.gen, s, s.inboxSize())
	s.sectors[key] = sec
	metricSectorsActive.Inc()
	sec.StartTicker()
	Log.Infof("sector %v created (usable=%v)", key, sec.Usable())
	return sec
}

func (s *GameServer) inboxSize() int {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.InboxSize
}

// BroadcastMessage 发给所有已连接客户端
func (s *GameServer) BroadcastMessage(msg *protocol.NetworkMessage) {
	frame := msg.Serialize()
	s.clientsMu.Lock()
	conns := make([]*ClientConnection, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.clientsMu.Unlock()
	for _, c := range conns {
		if c.Enqueue(frame) {
			metricBroadcasts.Inc()
		}
	}
}

// BroadcastToSector 解析扇区并转给它的玩家集合；扇区不存在即丢弃
func (s *GameServer) BroadcastToSector(x, y int32, msg *protocol.NetworkMessage) {
	sec := s.GetSectorServer(x, y)
	if sec == nil {
		return
	}
	sec.BroadcastToPlayers(msg)
}

// deliver 实现 clientSender：锁内取连接、锁外投递
func (s *GameServer) deliver(ids []uint32, frame []byte) {
	conns := make([]*ClientConnection, 0, len(ids))
	s.clientsMu.Lock()
	for _, id := range ids {
		if c, ok := s.clients[id]; ok {
			conns = append(conns, c)
		}
	}
	s.clientsMu.Unlock()
	for _, c := range conns {
		if c.Enqueue(frame) {
			metricBroadcasts.Inc()
		}
	}
}

// DisconnectClient 完整断开：注册表摘除 → 扇区摘除 → 关套接字。
// 读循环与空闲清扫可能并发调用，第二次进来看到的是空表项直接返回
func (s *GameServer) DisconnectClient(clientID uint32) {
	s.clientsMu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	metricClientsConnected.Dec()

	// 注册表已摘，再持 moveMu 摘扇区：并发中的换区要么已看到
	// 注册表为空而放弃入区，要么先完成、此处取到的就是新扇区
	c.moveMu.Lock()
	if key, had := c.takeSector(); had {
		if sec := s.GetSectorServer(key.X, key.Y); sec != nil {
			sec.RemovePlayer(clientID)
		}
	}
	c.moveMu.Unlock()
	c.Disconnect()
	Log.Infof("client %d disconnected", clientID)
}

// Update 周期性管家：清空闲连接、修剪长期空置的扇区。
// 由外部（main 的 ticker 或测试）驱动
func (s *GameServer) Update(deltaTime float32) {
	_ = deltaTime
	if !s.running.Load() {
		return
	}

	// 空闲超时是存活策略而非错误：与出错断开走同一条路
	idle := s.IdleTimeout()
	if idle > 0 {
		s.clientsMu.Lock()
		stale := make([]uint32, 0)
		for id, c := range s.clients {
			if c.TimeSinceLastActivity() > idle {
				stale = append(stale, id)
			}
		}
		s.clientsMu.Unlock()
		for _, id := range stale {
			Log.Infof("client %d idle timeout", id)
			s.DisconnectClient(id)
		}
	}

	// 空置超过宽限期的扇区整体回收；重引用时会确定性重建
	grace := s.SectorGrace()
	if grace > 0 {
		s.sectorsMu.Lock()
		pruned := make([]*SectorServer, 0)
		for key, sec := range s.sectors {
			if sec.EmptyFor() > grace {
				delete(s.sectors, key)
				pruned = append(pruned, sec)
			}
		}
		s.sectorsMu.Unlock()
		for _, sec := range pruned {
			sec.stopTicker()
			metricSectorsActive.Dec()
			Log.Infof("sector %v pruned after %s empty", sec.Key(), grace)
		}
	}
}

// SectorStatus 管理接口用的扇区概览
type SectorStatus struct {
	X       int32 `json:"x"`
	Y       int32 `json:"y"`
	Players int   `json:"players"`
	Ticks   int64 `json:"ticks"`
	Usable  bool  `json:"usable"`
}

// Status 管理接口用的整体概览
type Status struct {
	Running bool           `json:"running"`
	Clients int            `json:"clients"`
	Sectors []SectorStatus `json:"sectors"`
}

func (s *GameServer) Status() Status {
	st := Status{Running: s.running.Load(), Clients: s.ConnectedClientCount()}
	s.sectorsMu.Lock()
	for key, sec := range s.sectors {
		st.Sectors = append(st.Sectors, SectorStatus{
			X: key.X, Y: key.Y,
			Players: sec.PlayerCount(),
			Ticks:   sec.TickCount(),
			Usable:  sec.Usable(),
		})
	}
	s.sectorsMu.Unlock()
	return st
}
