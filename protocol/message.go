package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MessageType 消息类型，线上取值固定，只能追加、不能重编号
type MessageType uint16

const (
	MsgConnect         MessageType = 1
	MsgDisconnect      MessageType = 2
	MsgPlayerJoin      MessageType = 3
	MsgPlayerLeave     MessageType = 4
	MsgEntityUpdate    MessageType = 5
	MsgSectorChange    MessageType = 6
	MsgChatMessage     MessageType = 7
	MsgActionCommand   MessageType = 8
	MsgInventoryUpdate MessageType = 9
	MsgCombatEvent     MessageType = 10
)

// String 用于日志与指标标签
func (t MessageType) String() string {
	switch t {
	case MsgConnect:
		return "connect"
	case MsgDisconnect:
		return "disconnect"
	case MsgPlayerJoin:
		return "player_join"
	case MsgPlayerLeave:
		return "player_leave"
	case MsgEntityUpdate:
		return "entity_update"
	case MsgSectorChange:
		return "sector_change"
	case MsgChatMessage:
		return "chat_message"
	case MsgActionCommand:
		return "action_command"
	case MsgInventoryUpdate:
		return "inventory_update"
	case MsgCombatEvent:
		return "combat_event"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

const (
	// HeaderSize 帧头长度：type(2) + payloadLen(4)
	HeaderSize = 6
	// MaxPayloadSize 单条消息载荷上限（1MB），超过视为协议违规
	MaxPayloadSize = 1 << 20
)

var (
	// ErrTruncated 读越过载荷末尾，或缓冲区比帧头声明的长度短
	ErrTruncated = errors.New("protocol: truncated message")
	// ErrTooLarge 载荷长度超过 MaxPayloadSize
	ErrTooLarge = errors.New("protocol: payload too large")
)

// NetworkMessage 二进制线格式消息：类型 + 可增长载荷 + 独立读游标。
// 线格式固定小端：[type: uint16][payloadLen: uint32][payload]。
// 字符串编码为 uint32 长度前缀 + UTF-8 字节。
// 单实例同一时刻只被一个 goroutine 使用，无并发问题。
type NetworkMessage struct {
	typ     MessageType
	payload []byte
	readPos int
}

// New 创建指定类型的空消息
func New(t MessageType) *NetworkMessage {
	return &NetworkMessage{typ: t}
}

func (m *NetworkMessage) Type() MessageType { return m.typ }

// Len 返回当前载荷字节数
func (m *NetworkMessage) Len() int { return len(m.payload) }

// Payload 返回内部载荷（调用方不得修改）
func (m *NetworkMessage) Payload() []byte { return m.payload }

// ResetRead 将读游标移回载荷开头
func (m *NetworkMessage) ResetRead() { m.readPos = 0 }

// ---- 写入：追加到内部缓冲 ----

func (m *NetworkMessage) WriteUint8(v uint8) {
	m.payload = append(m.payload, v)
}

func (m *NetworkMessage) WriteInt16(v int16) {
	m.payload = binary.LittleEndian.AppendUint16(m.payload, uint16(v))
}

func (m *NetworkMessage) WriteInt32(v int32) {
	m.payload = binary.LittleEndian.AppendUint32(m.payload, uint32(v))
}

func (m *NetworkMessage) WriteFloat32(v float32) {
	m.payload = binary.LittleEndian.AppendUint32(m.payload, math.Float32bits(v))
}

func (m *NetworkMessage) WriteString(s string) {
	m.payload = binary.LittleEndian.AppendUint32(m.payload, uint32(len(s)))
	m.payload = append(m.payload, s...)
}

func (m *NetworkMessage) WriteBytes(b []byte) {
	m.payload = append(m.payload, b...)
}

// ---- 读取：推进游标，越界返回 ErrTruncated 而非脏数据 ----

// remain 校验剩余字节数，不足时游标保持原位
func (m *NetworkMessage) remain(n int) error {
	if m.readPos+n > len(m.payload) {
		return ErrTruncated
	}
	return nil
}

func (m *NetworkMessage) ReadUint8() (uint8, error) {
	if err := m.remain(1); err != nil {
		return 0, err
	}
	v := m.payload[m.readPos]
	m.readPos++
	return v, nil
}

func (m *NetworkMessage) ReadInt16() (int16, error) {
	if err := m.remain(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(m.payload[m.readPos:])
	m.readPos += 2
	return int16(v), nil
}

func (m *NetworkMessage) ReadInt32() (int32, error) {
	if err := m.remain(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(m.payload[m.readPos:])
	m.readPos += 4
	return int32(v), nil
}

func (m *NetworkMessage) ReadFloat32() (float32, error) {
	if err := m.remain(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(m.payload[m.readPos:])
	m.readPos += 4
	return math.Float32frombits(v), nil
}

func (m *NetworkMessage) ReadString() (string, error) {
	if err := m.remain(4); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint32(m.payload[m.readPos:]))
	if n < 0 || m.readPos+4+n > len(m.payload) {
		return "", ErrTruncated
	}
	m.readPos += 4
	s := string(m.payload[m.readPos : m.readPos+n])
	m.readPos += n
	return s, nil
}

func (m *NetworkMessage) ReadBytes(n int) ([]byte, error) {
	if err := m.remain(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, m.payload[m.readPos:])
	m.readPos += n
	return b, nil
}

// Serialize 生成完整帧（帧头+载荷），纯函数、无副作用
func (m *NetworkMessage) Serialize() []byte {
	out := make([]byte, HeaderSize+len(m.payload))
	binary.LittleEndian.PutUint16(out[0:2], uint16(m.typ))
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(m.payload)))
	copy(out[HeaderSize:], m.payload)
	return out
}

// Deserialize 是唯一的解析入口：要么返回完整消息，要么返回错误，
// 绝不产出半成品。载荷被拷贝，消息不引用调用方缓冲。
func Deserialize(buf []byte) (*NetworkMessage, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}
	typ := MessageType(binary.LittleEndian.Uint16(buf[0:2]))
	size := binary.LittleEndian.Uint32(buf[2:6])
	if size > MaxPayloadSize {
		return nil, ErrTooLarge
	}
	if len(buf) < HeaderSize+int(size) {
		return nil, ErrTruncated
	}
	m := New(typ)
	m.payload = make([]byte, size)
	copy(m.payload, buf[HeaderSize:HeaderSize+int(size)])
	return m, nil
}
