package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"galaxyd/protocol"
)

// SessionState 客户端会话状态机：
// Connecting → Authenticated（未入扇区）→ InSector ⇄ InSector' → Disconnected
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateInSector
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateInSector:
		return "in_sector"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// ErrClientClosed 对已断开的连接做发送
var ErrClientClosed = errors.New("server: client connection closed")

const writeTimeout = 5 * time.Second

// ClientConnection 持有一条已接受的连接：负责帧的收发与存活跟踪。
// 只由 GameServer 的客户端注册表拥有；扇区侧永远只拿 id 不拿对象。
type ClientConnection struct {
	id   uint32
	conn net.Conn
	addr string

	// 会话字段由读循环与清理路径共同访问，用小锁保护
	mu         sync.Mutex
	playerName string
	state      SessionState
	sectorKey  SectorKey
	hasSector  bool

	// 串行化换区与断开清理：两条路径都要先摘旧区再动注册表/新区，
	// 不持这把锁交错执行会把已断开的 id 留在扇区集合里
	moveMu sync.Mutex

	connected    atomic.Bool
	lastActivity atomic.Int64 // unix nano

	// 发送队列：广播路径非阻塞投递，写协程串行出网
	sendMu     sync.Mutex
	sendCh     chan []byte
	sendClosed bool

	// 串行化对套接字的写：同步发送与写协程不能交错出帧
	wmu sync.Mutex

	closeOnce sync.Once
}

func newClientConnection(id uint32, conn net.Conn, sendBuf int) *ClientConnection {
	c := &ClientConnection{
		id:     id,
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		sendCh: make(chan []byte, sendBuf),
	}
	c.connected.Store(true)
	c.UpdateLastActivity()
	return c
}

func (c *ClientConnection) ID() uint32      { return c.id }
func (c *ClientConnection) Addr() string    { return c.addr }
func (c *ClientConnection) Connected() bool { return c.connected.Load() }

func (c *ClientConnection) PlayerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerName
}

func (c *ClientConnection) setPlayerName(name string) {
	c.mu.Lock()
	c.playerName = name
	c.mu.Unlock()
}

func (c *ClientConnection) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ClientConnection) setState(s SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// currentSector 返回当前所在扇区；false 表示尚未进入任何扇区
func (c *ClientConnection) currentSector() (SectorKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sectorKey, c.hasSector
}

func (c *ClientConnection) setSector(key SectorKey) {
	c.mu.Lock()
	c.sectorKey = key
	c.hasSector = true
	c.state = StateInSector
	c.mu.Unlock()
}

// takeSector 原子地取出并清空扇区归属，保证并发断开时只有一方做扇区摘除
func (c *ClientConnection) takeSector() (SectorKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.sectorKey, c.hasSector
	c.hasSector = false
	return key, ok
}

// SendMessage 序列化并同步写出完整帧；短写或出错即标记断开并返回错误，绝不静默重试
func (c *ClientConnection) SendMessage(m *protocol.NetworkMessage) error {
	if !c.connected.Load() {
		return ErrClientClosed
	}
	frame := m.Serialize()
	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := c.conn.Write(frame)
	c.wmu.Unlock()
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	if err != nil {
		c.connected.Store(false)
		return fmt.Errorf("send to client %d: %w", c.id, err)
	}
	return nil
}

// Enqueue 将已序列化的帧压入发送队列（非阻塞，满则丢弃）。
// 广播路径一律走这里，持锁方永远不会等在套接字上
func (c *ClientConnection) Enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.sendCh <- frame:
		return true
	default:
		// 为了实时性丢弃，慢客户端不能拖住模拟
		countDrop(dropSendQueueFull)
		return false
	}
}

// writePump 独立协程，从发送队列串行写出
func (c *ClientConnection) writePump() {
	defer func() { _ = c.conn.Close() }()
	for frame := range c.sendCh {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := c.conn.Write(frame)
		c.wmu.Unlock()
		if err != nil {
			c.connected.Store(false)
			return
		}
	}
}

// ReceiveMessage 阻塞读取一条完整消息：先 6 字节帧头，再精确读出载荷。
// 套接字关闭或出错返回 (nil, err)，调用方按正常断开处理。
// 超限帧会被排空并以 ErrTooLarge 报告，流保持同步、连接不关（宽松策略）
func (c *ClientConnection) ReceiveMessage() (*protocol.NetworkMessage, error) {
	if !c.connected.Load() {
		return nil, ErrClientClosed
	}

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.connected.Store(false)
		return nil, fmt.Errorf("read header: %w", err)
	}

	size := binary.LittleEndian.Uint32(header[2:6])
	if size > protocol.MaxPayloadSize {
		// 排掉载荷保持流同步，再报告协议违规
		if _, err := io.CopyN(io.Discard, c.conn, int64(size)); err != nil {
			c.connected.Store(false)
			return nil, fmt.Errorf("drain oversize payload: %w", err)
		}
		c.UpdateLastActivity()
		return nil, protocol.ErrTooLarge
	}

	frame := make([]byte, protocol.HeaderSize+int(size))
	copy(frame, header)
	if _, err := io.ReadFull(c.conn, frame[protocol.HeaderSize:]); err != nil {
		c.connected.Store(false)
		return nil, fmt.Errorf("read payload: %w", err)
	}

	msg, err := protocol.Deserialize(frame)
	if err != nil {
		return nil, err
	}
	c.UpdateLastActivity()
	return msg, nil
}

// UpdateLastActivity 每次成功收到消息后刷新
func (c *ClientConnection) UpdateLastActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// TimeSinceLastActivity 供空闲检测使用
func (c *ClientConnection) TimeSinceLastActivity() time.Duration {
	return time.Duration(time.Now().UnixNano() - c.lastActivity.Load())
}

// Disconnect 关闭套接字并标记断开，幂等，可安全重复调用
func (c *ClientConnection) Disconnect() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.setState(StateDisconnected)
		c.sendMu.Lock()
		c.sendClosed = true
		close(c.sendCh)
		c.sendMu.Unlock()
		_ = c.conn.Close()
	})
}
