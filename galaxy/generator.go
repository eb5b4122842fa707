package galaxy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
)

const (
	// GalaxyRadius 银河坐标范围，|x|、|y| 超出即无法生成
	GalaxyRadius = 1000
	// SectorSize 单个扇区的边长（世界单位）
	SectorSize float32 = 1024
)

// ErrOutOfBounds 坐标落在银河之外
var ErrOutOfBounds = errors.New("galaxy: sector outside galaxy bounds")

// StarClass 恒星光谱型
type StarClass uint8

const (
	StarNone StarClass = iota
	StarM
	StarK
	StarG
	StarF
	StarA
)

// Asteroid 小行星：位置、半径与矿物储量
type Asteroid struct {
	X, Y   float32
	Radius float32
	Ore    int32
}

// Station 空间站
type Station struct {
	Name string
	X, Y float32
}

// Sector 扇区内容：由种子 + 坐标确定性生成
type Sector struct {
	X, Y      int32
	Star      StarClass
	Asteroids []Asteroid
	Station   *Station
	// 玩家进入扇区时的出生点
	SpawnX, SpawnY float32
}

// Generator 确定性扇区生成器：同一 (seed, x, y) 永远产出相同内容
type Generator struct {
	seed int64
}

func NewGenerator(seed int64) *Generator {
	return &Generator{seed: seed}
}

// sectorSource 将世界种子与坐标混合成该扇区专属的随机源
func (g *Generator) sectorSource(x, y int32) *rand.Rand {
	h := fnv.New64a()
	var buf [16]byte
	buf[0] = byte(g.seed)
	buf[1] = byte(g.seed >> 8)
	buf[2] = byte(g.seed >> 16)
	buf[3] = byte(g.seed >> 24)
	buf[4] = byte(g.seed >> 32)
	buf[5] = byte(g.seed >> 40)
	buf[6] = byte(g.seed >> 48)
	buf[7] = byte(g.seed >> 56)
	buf[8] = byte(x)
	buf[9] = byte(x >> 8)
	buf[10] = byte(x >> 16)
	buf[11] = byte(x >> 24)
	buf[12] = byte(y)
	buf[13] = byte(y >> 8)
	buf[14] = byte(y >> 16)
	buf[15] = byte(y >> 24)
	_, _ = h.Write(buf[:16])
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// GenerateSector 生成一个扇区的静态内容。越界返回错误，由调用方将扇区标记为不可用。
func (g *Generator) GenerateSector(x, y int32) (*Sector, error) {
	if x < -GalaxyRadius || x > GalaxyRadius || y < -GalaxyRadius || y > GalaxyRadius {
		return nil, fmt.Errorf("%w: (%d,%d)", ErrOutOfBounds, x, y)
	}

	rng := g.sectorSource(x, y)
	sec := &Sector{X: x, Y: y}

	// 约 1/5 的扇区是空旷深空，没有恒星
	if rng.Intn(5) > 0 {
		sec.Star = StarClass(1 + rng.Intn(5))
	}

	// 3~12 片小行星
	n := 3 + rng.Intn(10)
	sec.Asteroids = make([]Asteroid, 0, n)
	for i := 0; i < n; i++ {
		sec.Asteroids = append(sec.Asteroids, Asteroid{
			X:      rng.Float32() * SectorSize,
			Y:      rng.Float32() * SectorSize,
			Radius: 4 + rng.Float32()*28,
			Ore:    int32(rng.Intn(5000)),
		})
	}

	// 有恒星的扇区 1/4 概率带空间站
	if sec.Star != StarNone && rng.Intn(4) == 0 {
		sec.Station = &Station{
			Name: fmt.Sprintf("ST-%d.%d", x, y),
			X:    rng.Float32() * SectorSize,
			Y:    rng.Float32() * SectorSize,
		}
	}

	sec.SpawnX = SectorSize / 2
	sec.SpawnY = SectorSize / 2
	return sec, nil
}
