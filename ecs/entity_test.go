package ecs

import "testing"

func TestSpawnAndRemove(t *testing.T) {
	em := NewEntityManager(100, 100)
	p := em.Spawn(KindPlayer, 7, 10, 20)
	a := em.Spawn(KindAsteroid, 0, 50, 50)
	if em.Count() != 2 {
		t.Fatalf("Count = %d, want 2", em.Count())
	}
	if p.ID == a.ID {
		t.Errorf("duplicate entity id %d", p.ID)
	}

	got, ok := em.FindByOwner(7)
	if !ok || got.ID != p.ID {
		t.Errorf("FindByOwner(7) = %v, %v", got, ok)
	}

	em.RemoveOwned(7)
	if _, ok := em.FindByOwner(7); ok {
		t.Errorf("player entity survived RemoveOwned")
	}
	if em.Count() != 1 {
		t.Errorf("Count = %d, want 1", em.Count())
	}
}

func TestUpdateMovesAndClamps(t *testing.T) {
	em := NewEntityManager(100, 100)
	e := em.Spawn(KindPlayer, 1, 90, 50)
	e.VX = 40 // 两帧就会越界

	em.Update(0.5) // 90 + 40*0.5 = 110 → 裁剪到 100
	if e.X != 100 {
		t.Errorf("X = %f, want clamped 100", e.X)
	}
	em.Update(0.5)
	if e.X != 100 {
		t.Errorf("X = %f, want 100 after clamp", e.X)
	}
	if e.Y != 50 {
		t.Errorf("Y drifted to %f", e.Y)
	}
}

func TestSnapshot(t *testing.T) {
	em := NewEntityManager(100, 100)
	em.Spawn(KindPlayer, 1, 1, 2)
	em.Spawn(KindStation, 0, 3, 4)
	snap := em.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	for _, s := range snap {
		if s.HP != 100 {
			t.Errorf("entity %d HP = %d, want 100", s.ID, s.HP)
		}
	}
}
