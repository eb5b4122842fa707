package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"galaxyd/protocol"
)

func pipePair(t *testing.T) (*ClientConnection, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	c := newClientConnection(1, local, 8)
	t.Cleanup(func() {
		c.Disconnect()
		_ = remote.Close()
	})
	return c, remote
}

func TestSendMessageFramesOnWire(t *testing.T) {
	c, remote := pipePair(t)

	msg := protocol.New(protocol.MsgChatMessage)
	msg.WriteString("你好，星海")

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(msg) }()

	frame := make([]byte, protocol.HeaderSize+msg.Len())
	if _, err := io.ReadFull(remote, frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	got, err := protocol.Deserialize(frame)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if s, _ := got.ReadString(); s != "你好，星海" {
		t.Errorf("payload = %q", s)
	}
}

func TestReceiveMessage(t *testing.T) {
	c, remote := pipePair(t)

	msg := protocol.New(protocol.MsgActionCommand)
	msg.WriteUint8(1)
	msg.WriteFloat32(2)
	msg.WriteFloat32(-3)
	go func() { _, _ = remote.Write(msg.Serialize()) }()

	before := c.TimeSinceLastActivity()
	time.Sleep(5 * time.Millisecond)

	got, err := c.ReceiveMessage()
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if got.Type() != protocol.MsgActionCommand || got.Len() != 9 {
		t.Errorf("got type=%v len=%d", got.Type(), got.Len())
	}
	// 成功接收必须刷新活跃时间
	if c.TimeSinceLastActivity() >= before+5*time.Millisecond {
		t.Errorf("lastActivity not refreshed")
	}
}

func TestReceiveOnClosedPeer(t *testing.T) {
	c, remote := pipePair(t)
	_ = remote.Close()
	if _, err := c.ReceiveMessage(); err == nil {
		t.Fatalf("expected error on closed peer")
	}
	if c.Connected() {
		t.Errorf("connection still marked connected after peer close")
	}
}

func TestOversizeFrameDrainedNotFatal(t *testing.T) {
	c, remote := pipePair(t)

	go func() {
		// 帧头声明超限载荷，随后真的写那么多字节
		huge := protocol.MaxPayloadSize + 1
		header := make([]byte, protocol.HeaderSize)
		header[0] = byte(protocol.MsgEntityUpdate)
		header[2] = byte(huge)
		header[3] = byte(huge >> 8)
		header[4] = byte(huge >> 16)
		header[5] = byte(huge >> 24)
		if _, err := remote.Write(header); err != nil {
			return
		}
		junk := bytes.Repeat([]byte{0xAB}, 64*1024)
		sent := 0
		for sent < huge {
			n := huge - sent
			if n > len(junk) {
				n = len(junk)
			}
			if _, err := remote.Write(junk[:n]); err != nil {
				return
			}
			sent += n
		}
		// 流保持同步：紧跟一条正常消息
		ok := protocol.New(protocol.MsgChatMessage)
		ok.WriteString("still alive")
		_, _ = remote.Write(ok.Serialize())
	}()

	if _, err := c.ReceiveMessage(); !errors.Is(err, protocol.ErrTooLarge) {
		t.Fatalf("oversize frame: %v, want ErrTooLarge", err)
	}
	if !c.Connected() {
		t.Fatalf("oversize frame must not kill the connection")
	}
	got, err := c.ReceiveMessage()
	if err != nil {
		t.Fatalf("next message after drain: %v", err)
	}
	if s, _ := got.ReadString(); s != "still alive" {
		t.Errorf("stream desynced, got %q", s)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	c, _ := pipePair(t)
	c.Disconnect()
	c.Disconnect() // 第二次必须安全
	if c.Connected() {
		t.Errorf("still connected after Disconnect")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	if c.Enqueue([]byte{1}) {
		t.Errorf("Enqueue accepted frame after disconnect")
	}
	if err := c.SendMessage(protocol.New(protocol.MsgDisconnect)); !errors.Is(err, ErrClientClosed) {
		t.Errorf("SendMessage after disconnect = %v, want ErrClientClosed", err)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	// 不启动写协程也没人读对端：队列填满后必须丢弃而不是阻塞
	c := newClientConnection(2, local, 2)
	frame := protocol.New(protocol.MsgChatMessage).Serialize()
	if !c.Enqueue(frame) || !c.Enqueue(frame) {
		t.Fatalf("queue should accept up to capacity")
	}
	if c.Enqueue(frame) {
		t.Errorf("full queue should drop, not block")
	}
}

func TestSectorBookkeeping(t *testing.T) {
	c, _ := pipePair(t)
	if _, ok := c.currentSector(); ok {
		t.Fatalf("fresh connection should have no sector")
	}
	c.setSector(SectorKey{X: 1, Y: 2})
	if key, ok := c.currentSector(); !ok || key != (SectorKey{X: 1, Y: 2}) {
		t.Errorf("currentSector = %v, %v", key, ok)
	}
	if c.State() != StateInSector {
		t.Errorf("state = %v, want in_sector", c.State())
	}
	key, ok := c.takeSector()
	if !ok || key != (SectorKey{X: 1, Y: 2}) {
		t.Errorf("takeSector = %v, %v", key, ok)
	}
	if _, ok := c.takeSector(); ok {
		t.Errorf("second takeSector must come back empty")
	}
}
