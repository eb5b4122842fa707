package server

import (
	"sync"
	"testing"

	"galaxyd/galaxy"
	"galaxyd/protocol"
)

// recorderSender 收集扇区投递，替代真实网关
type recorderSender struct {
	mu         sync.Mutex
	deliveries []recordedDelivery
}

type recordedDelivery struct {
	ids   []uint32
	frame []byte
}

func (r *recorderSender) deliver(ids []uint32, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]uint32, len(ids))
	copy(cp, ids)
	r.deliveries = append(r.deliveries, recordedDelivery{ids: cp, frame: frame})
}

func (r *recorderSender) byType(t *testing.T, typ protocol.MessageType) []recordedDelivery {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedDelivery
	for _, d := range r.deliveries {
		msg, err := protocol.Deserialize(d.frame)
		if err != nil {
			t.Fatalf("recorded frame corrupt: %v", err)
		}
		if msg.Type() == typ {
			out = append(out, d)
		}
	}
	return out
}

func newTestSector(t *testing.T, x, y int32) (*SectorServer, *recorderSender) {
	t.Helper()
	rec := &recorderSender{}
	sec := newSectorServer(SectorKey{X: x, Y: y}, galaxy.NewGenerator(99), rec, 64)
	if !sec.Usable() {
		t.Fatalf("sector (%d,%d) should be usable", x, y)
	}
	return sec, rec
}

func TestPlayerMembership(t *testing.T) {
	sec, _ := newTestSector(t, 0, 0)

	sec.AddPlayer(10)
	sec.AddPlayer(11)
	sec.AddPlayer(10) // 重复加入是幂等的
	if n := sec.PlayerCount(); n != 2 {
		t.Fatalf("PlayerCount = %d, want 2", n)
	}
	if !sec.HasPlayer(10) || !sec.HasPlayer(11) {
		t.Errorf("membership lost")
	}

	sec.RemovePlayer(10)
	if sec.HasPlayer(10) {
		t.Errorf("player 10 survived removal")
	}
	if n := sec.PlayerCount(); n != 1 {
		t.Errorf("PlayerCount = %d, want 1", n)
	}
	if sec.EmptyFor() != 0 {
		t.Errorf("occupied sector reports empty")
	}
	sec.RemovePlayer(11)
	if sec.EmptyFor() == 0 {
		t.Errorf("empty sector should report empty duration")
	}
}

func TestJoinSpawnsEntityAndBroadcasts(t *testing.T) {
	sec, rec := newTestSector(t, 1, 1)
	worldEntities := sec.entities.Count()

	sec.AddPlayer(7)
	sec.Update(0.05)

	if sec.entities.Count() != worldEntities+1 {
		t.Errorf("player entity not spawned")
	}
	joins := rec.byType(t, protocol.MsgPlayerJoin)
	if len(joins) != 1 {
		t.Fatalf("join broadcasts = %d, want 1", len(joins))
	}
	msg, _ := protocol.Deserialize(joins[0].frame)
	if id, _ := msg.ReadInt32(); id != 7 {
		t.Errorf("join notice id = %d, want 7", id)
	}

	sec.RemovePlayer(7)
	sec.Update(0.05)
	if sec.entities.Count() != worldEntities {
		t.Errorf("player entity not removed on leave")
	}
}

func TestBroadcastGoesToCurrentMembersOnly(t *testing.T) {
	sec, rec := newTestSector(t, 2, 3)
	sec.AddPlayer(1)
	sec.AddPlayer(2)

	note := protocol.New(protocol.MsgChatMessage)
	note.WriteInt32(0)
	note.WriteString("sector notice")
	sec.BroadcastToPlayers(note)

	chats := rec.byType(t, protocol.MsgChatMessage)
	if len(chats) != 1 {
		t.Fatalf("chat deliveries = %d, want 1", len(chats))
	}
	got := map[uint32]bool{}
	for _, id := range chats[0].ids {
		got[id] = true
	}
	if !got[1] || !got[2] || len(got) != 2 {
		t.Errorf("delivered to %v, want exactly {1,2}", chats[0].ids)
	}
}

func TestActionCommandSetsVelocity(t *testing.T) {
	sec, _ := newTestSector(t, 4, 4)
	sec.AddPlayer(5)
	sec.Update(0.05) // 先消化 join，生成玩家实体

	cmd := protocol.New(protocol.MsgActionCommand)
	cmd.WriteUint8(1)
	cmd.WriteFloat32(12)
	cmd.WriteFloat32(-8)
	if !sec.Forward(5, cmd) {
		t.Fatalf("Forward rejected")
	}
	sec.Update(0.05)

	e, ok := sec.entities.FindByOwner(5)
	if !ok {
		t.Fatalf("player entity missing")
	}
	if e.VX != 12 || e.VY != -8 {
		t.Errorf("velocity = (%f,%f), want (12,-8)", e.VX, e.VY)
	}
}

func TestChatRelayCarriesSender(t *testing.T) {
	sec, rec := newTestSector(t, 5, 5)
	sec.AddPlayer(9)

	chat := protocol.New(protocol.MsgChatMessage)
	chat.WriteString("大家好")
	sec.Forward(9, chat)
	sec.Update(0.05)

	chats := rec.byType(t, protocol.MsgChatMessage)
	if len(chats) != 1 {
		t.Fatalf("chat relays = %d, want 1", len(chats))
	}
	msg, _ := protocol.Deserialize(chats[0].frame)
	sender, _ := msg.ReadInt32()
	text, _ := msg.ReadString()
	if sender != 9 || text != "大家好" {
		t.Errorf("relay = (%d, %q)", sender, text)
	}
}

func TestCombatEventAppliesDamage(t *testing.T) {
	sec, rec := newTestSector(t, 6, 6)
	sec.AddPlayer(3)
	sec.AddPlayer(4)
	sec.Update(0.05)

	target, ok := sec.entities.FindByOwner(4)
	if !ok {
		t.Fatalf("target entity missing")
	}

	hit := protocol.New(protocol.MsgCombatEvent)
	hit.WriteInt32(int32(target.ID))
	hit.WriteInt32(30)
	sec.Forward(3, hit)
	sec.Update(0.05)

	if target.HP != 70 {
		t.Errorf("target HP = %d, want 70", target.HP)
	}
	results := rec.byType(t, protocol.MsgCombatEvent)
	if len(results) != 1 {
		t.Fatalf("combat broadcasts = %d, want 1", len(results))
	}
}

func TestMalformedSimMessageDropped(t *testing.T) {
	sec, _ := newTestSector(t, 7, 7)
	sec.AddPlayer(8)
	sec.Update(0.05)

	// 空载荷的 ActionCommand：字段读取必然失败，但不能 panic 也不能改状态
	sec.Forward(8, protocol.New(protocol.MsgActionCommand))
	sec.Update(0.05)

	e, _ := sec.entities.FindByOwner(8)
	if e.VX != 0 || e.VY != 0 {
		t.Errorf("malformed command mutated state")
	}
}

func TestUnusableSector(t *testing.T) {
	rec := &recorderSender{}
	key := SectorKey{X: galaxy.GalaxyRadius + 10, Y: 0}
	sec := newSectorServer(key, galaxy.NewGenerator(99), rec, 8)
	if sec.Usable() {
		t.Fatalf("out-of-bounds sector should be unusable")
	}
	// 不可用扇区不会启动 Tick 协程，停它也必须安全
	sec.StartTicker()
	sec.stopTicker()

	// 绕过网关直接加人并推帧也不能崩，且帧号不前进
	sec.AddPlayer(42)
	sec.Update(0.05)
	if got := sec.TickCount(); got != 0 {
		t.Errorf("unusable sector advanced %d ticks", got)
	}
}

func TestInboxOverflowDrops(t *testing.T) {
	rec := &recorderSender{}
	sec := newSectorServer(SectorKey{X: 8, Y: 8}, galaxy.NewGenerator(99), rec, 2)
	msg := protocol.New(protocol.MsgChatMessage)
	msg.WriteString("x")
	if !sec.Forward(1, msg) || !sec.Forward(1, msg) {
		t.Fatalf("inbox should accept up to capacity")
	}
	if sec.Forward(1, msg) {
		t.Errorf("full inbox should drop, not block")
	}
}
