package ecs

// 扇区内的实体存储。只在扇区自己的 Tick 协程上读写，
// 本身不加锁；跨协程的修改一律经由扇区的事件队列转入。

// EntityID 实体唯一标识，扇区内单调分配
type EntityID uint32

// Kind 实体类别
type Kind uint8

const (
	KindPlayer Kind = iota + 1
	KindAsteroid
	KindStation
)

// Entity 服务端权威实体状态
type Entity struct {
	ID   EntityID
	Kind Kind
	// Owner 为玩家实体对应的客户端 id，世界实体为 0
	Owner  uint32
	X, Y   float32
	VX, VY float32
	HP     int32
}

// EntityState 广播给客户端的轻量快照
type EntityState struct {
	ID   EntityID
	Kind Kind
	X, Y float32
	HP   int32
}

// EntityManager 管理一个扇区的全部实体并按帧推进
type EntityManager struct {
	nextID   EntityID
	entities map[EntityID]*Entity
	// 世界边界，实体位置越界时裁剪
	width, height float32
}

func NewEntityManager(width, height float32) *EntityManager {
	return &EntityManager{
		entities: make(map[EntityID]*Entity),
		width:    width,
		height:   height,
	}
}

// Spawn 创建实体并分配 id
func (em *EntityManager) Spawn(kind Kind, owner uint32, x, y float32) *Entity {
	em.nextID++
	e := &Entity{ID: em.nextID, Kind: kind, Owner: owner, X: x, Y: y, HP: 100}
	em.entities[e.ID] = e
	return e
}

func (em *EntityManager) Remove(id EntityID) {
	delete(em.entities, id)
}

func (em *EntityManager) Get(id EntityID) (*Entity, bool) {
	e, ok := em.entities[id]
	return e, ok
}

// FindByOwner 按客户端 id 查找其玩家实体
func (em *EntityManager) FindByOwner(owner uint32) (*Entity, bool) {
	for _, e := range em.entities {
		if e.Kind == KindPlayer && e.Owner == owner {
			return e, true
		}
	}
	return nil, false
}

// RemoveOwned 移除某客户端拥有的全部实体（玩家离开时调用）
func (em *EntityManager) RemoveOwned(owner uint32) {
	for id, e := range em.entities {
		if e.Owner == owner {
			delete(em.entities, id)
		}
	}
}

func (em *EntityManager) Count() int { return len(em.entities) }

// Update 按速度推进一帧并裁剪到世界边界
func (em *EntityManager) Update(dt float32) {
	for _, e := range em.entities {
		if e.VX == 0 && e.VY == 0 {
			continue
		}
		e.X += e.VX * dt
		e.Y += e.VY * dt
		if e.X < 0 {
			e.X = 0
		}
		if e.Y < 0 {
			e.Y = 0
		}
		if e.X > em.width {
			e.X = em.width
		}
		if e.Y > em.height {
			e.Y = em.height
		}
	}
}

// Snapshot 导出广播用快照
func (em *EntityManager) Snapshot() []EntityState {
	out := make([]EntityState, 0, len(em.entities))
	for _, e := range em.entities {
		out = append(out, EntityState{ID: e.ID, Kind: e.Kind, X: e.X, Y: e.Y, HP: e.HP})
	}
	return out
}
