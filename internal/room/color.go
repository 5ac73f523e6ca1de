package room

import (
	"math/rand/v2"
	"sync"

	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
)

// defaultPalette 預設調色盤，房間內優先使用未被佔用的顏色
var defaultPalette = []protocol.Color{
	{R: 231, G: 76, B: 60},
	{R: 52, G: 152, B: 219},
	{R: 46, G: 204, B: 113},
	{R: 241, G: 196, B: 15},
	{R: 155, G: 89, B: 182},
	{R: 230, G: 126, B: 34},
	{R: 26, G: 188, B: 156},
	{R: 236, G: 112, B: 99},
}

// ColorGenerator 分配使用者顏色
//
// 由目錄持有並注入每個房間，不使用全域狀態，測試可以建立獨立實例。
type ColorGenerator struct {
	mu      sync.Mutex
	palette []protocol.Color
	rng     *rand.Rand
}

// NewColorGenerator 創建顏色產生器，seed 相同時分配結果可重現
func NewColorGenerator(seed uint64) *ColorGenerator {
	return &ColorGenerator{
		palette: defaultPalette,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next 回傳一個不在 used 中的顏色；調色盤用完時隨機產生
func (g *ColorGenerator) Next(used []protocol.Color) protocol.Color {
	g.mu.Lock()
	defer g.mu.Unlock()

	taken := make(map[protocol.Color]bool, len(used))
	for _, c := range used {
		taken[c] = true
	}

	start := g.rng.IntN(len(g.palette))
	for i := range g.palette {
		c := g.palette[(start+i)%len(g.palette)]
		if !taken[c] {
			return c
		}
	}

	for {
		c := protocol.Color{
			R: uint8(g.rng.IntN(256)),
			G: uint8(g.rng.IntN(256)),
			B: uint8(g.rng.IntN(256)),
		}
		if !taken[c] {
			return c
		}
	}
}
