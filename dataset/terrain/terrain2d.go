package terrain

import (
	"math"
	"slices"

	"github.com/ojrac/opensimplex-go"
	"golang.org/x/exp/rand"

	"github.com/voxelnn/voxelnn/dataset"
)

// Terrain2D is a side view of rolling hills: stone under soil, with optional
// ponds, caves and trees. Blocks are laid out x-major with y pointing up.
//
// Every entry carries exactly one of the terrain-freq-low, terrain-freq-mid
// or terrain-freq-high tags, then pond, caves, trees, pine-trees and
// leafy-trees for the features it grew.
type Terrain2D struct {
	Width, Height int
}

func (Terrain2D) Name() string { return "terrain" }

func (g Terrain2D) Generate(r *rand.Rand) dataset.Entry {
	b := newBuilder(g.Width, g.Height, r)
	b.build()
	return dataset.Entry{
		FriendlyName: "2D Terrain",
		Tags:         b.tags,
		Dimensions:   []int{g.Width, g.Height},
		BlockNames:   slices.Clone(BlockNames),
		Blocks:       b.blocks,
	}
}

type builder struct {
	w, h   int
	blocks []int
	tags   []string

	r     *rand.Rand
	noise opensimplex.Noise

	offsetX, offsetY float64
	frequency        float64
}

func newBuilder(w, h int, r *rand.Rand) *builder {
	b := &builder{
		w:      w,
		h:      h,
		blocks: make([]int, w*h),
		r:      r,
		noise:  opensimplex.NewNormalized(r.Int63()),
	}
	b.offsetX, b.offsetY = r.Float64()*100, r.Float64()*100

	switch r.Intn(3) {
	case 0:
		b.tags, b.frequency = append(b.tags, "terrain-freq-low"), 0.05
	case 1:
		b.tags, b.frequency = append(b.tags, "terrain-freq-high"), 0.10
	default:
		b.tags, b.frequency = append(b.tags, "terrain-freq-mid"), 0.075
	}
	return b
}

// between returns a random int in [lo, hi), or lo when the range is empty.
func (b *builder) between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + b.r.Intn(hi-lo)
}

// fbm sums octaves of noise, each at lacunarity times the frequency and
// persistence times the amplitude of the one before, normalized to [0, 1].
func (b *builder) fbm(x, y, frequency float64, octaves int, persistence, lacunarity float64) float64 {
	var value, total float64
	amplitude := 1.0
	for range octaves {
		value += amplitude * b.noise.Eval2(x*frequency, y*frequency)
		total += amplitude
		amplitude *= persistence
		frequency *= lacunarity
	}
	return value / total
}

func (b *builder) at(x, y int) int {
	return b.blocks[x*b.h+y]
}

func (b *builder) set(x, y, id int) {
	b.blocks[x*b.h+y] = id
}

// place sets a block inside the grid and ignores one outside it. With
// onlyEmpty it never overwrites a block.
func (b *builder) place(id, x, y int, onlyEmpty bool) {
	if x < 0 || x >= b.w || y < 0 || y >= b.h {
		return
	}

	if onlyEmpty && b.at(x, y) != Empty {
		return
	}
	b.set(x, y, id)
}

func (b *builder) soilHeight(x int) float64 {
	lo, hi := 0.2*float64(b.h), 0.8*float64(b.h)
	return b.fbm(float64(x)+b.offsetX, 0, b.frequency, 4, 0.5, 0.5)*(hi-lo) + lo
}

func (b *builder) stoneHeight(x int) float64 {
	lo, hi := 0.2*float64(b.h), 0.8*float64(b.h)
	return b.fbm(float64(x)+b.offsetX, 0, b.frequency, 7, 0.5, 0.6)*(hi-lo) + lo - 5
}

func (b *builder) build() {
	b.soilAndStone()
	if b.r.Float64() < 0.6 {
		b.ponds()
	}
	if b.r.Float64() < 0.7 {
		b.tags = append(b.tags, "caves")
		b.caves()
	}
	b.grass()
	if b.r.Float64() < 0.7 {
		b.trees()
	}
}

func (b *builder) soilAndStone() {
	for x := range b.w {
		soil, stone := b.soilHeight(x), b.stoneHeight(x)
		top := min(int(math.Ceil(max(soil, stone))), b.h)
		for y := range top {
			if float64(y) > stone || float64(y) > soil-5 {
				b.set(x, y, Soil)
			} else {
				b.set(x, y, Stone)
			}
		}
	}
}

// ponds fills water upwards from the lowest soil surface, widening level by
// level until the pool would spill over an edge or grow too large.
func (b *builder) ponds() {
	lowestX, lowestY := 0, b.h
	for _, x := range b.r.Perm(b.w) {
		for y := b.h - 1; y > 0; y-- {
			if b.at(x, y) == Soil {
				if y+1 < lowestY {
					lowestX, lowestY = x, y+1
				}
				break
			}
		}
	}

	if lowestY >= b.h {
		return
	}

	maxWater := int(math.Sqrt(float64(b.w*b.h))*0.25) * b.between(3, 6)
	maxLevel := math.Sqrt(2 * float64(b.w))

	var added int
	var filled bool
	for y := lowestY; y < b.h; y++ {
		left, right := lowestX, lowestX
		spills := false
		for left > 0 && b.at(left-1, y) == Empty {
			if b.at(left-1, y-1) == Empty {
				spills = true
				break
			}
			left--
		}
		for !spills && right < b.w-1 && b.at(right+1, y) == Empty {
			if b.at(right+1, y-1) == Empty {
				spills = true
				break
			}
			right++
		}

		if spills || added+right-left > maxWater || float64(right-left) > maxLevel {
			break
		}

		for i := left; i <= right; i++ {
			b.set(i, y, Water)
			if b.at(i, y-1) != Water {
				b.place(Sand, i, y-1, false)
			}
			if y >= 2 && b.at(i, y-2) != Water {
				b.place(Sand, i, y-2, false)
			}
		}
		b.place(Sand, left-1, y, false)
		b.place(Sand, left-1, y-1, false)
		b.place(Sand, right+1, y, false)
		b.place(Sand, right+1, y-1, false)

		added += right - left
		filled = true
		if added >= maxWater {
			break
		}
	}

	if filled {
		b.tags = append(b.tags, "pond")
	}
}

func (b *builder) caves() {
	for x := range b.w {
		soil := b.soilHeight(x)
		top := min(int(math.Ceil(soil)), b.h)
		for y := range top {
			v := b.fbm(float64(x)+b.offsetY, float64(y)+b.offsetX, 0.1, 4, 0.6, 0.7)
			v = 1 - math.Abs(v-0.5)*2
			// caves thin out towards the surface
			depth := min((soil-float64(y))/soil, 0.5) * 2
			if v*depth > 0.92 {
				b.set(x, y, Empty)
			}
		}
	}
}

// surface returns the height of the topmost block in column x.
func (b *builder) surface(x int) (int, bool) {
	for y := b.h - 1; y > 0; y-- {
		if b.at(x, y) != Empty {
			return y, true
		}
	}
	return 0, false
}

func (b *builder) grass() {
	for x := range b.w {
		if y, ok := b.surface(x); ok && b.at(x, y) == Soil {
			b.set(x, y, Grass)
		}
	}
}

func (b *builder) trees() {
	attempts := int(math.Sqrt(float64(b.w)))
	count := b.between(1, attempts)

	var pine, leafy bool
	for range count {
		x, y, found := 0, 0, false
		for range attempts {
			x = b.r.Intn(b.w)
			if y, found = b.surface(x); found && b.at(x, y) == Grass {
				break
			}
			found = false
		}
		if !found {
			continue
		}

		if b.r.Intn(2) == 0 {
			b.pineTree(x, y+1)
			pine = true
		} else {
			b.leafyTree(x, y+1)
			leafy = true
		}
	}

	if pine || leafy {
		b.tags = append(b.tags, "trees")
	}
	if pine {
		b.tags = append(b.tags, "pine-trees")
	}
	if leafy {
		b.tags = append(b.tags, "leafy-trees")
	}
}

func (b *builder) pineTree(x, y int) {
	height := b.between(2, 12)
	for h := range height {
		b.place(WoodDark, x, y+h, true)
	}

	width := b.between(2, max(3, height/2))
	offset := b.r.Intn(2)
	for h := b.r.Intn(2); h <= height+1; h++ {
		leaf := float64(height-h)/2 + 1
		if leaf > 2 {
			leaf -= float64((h + offset) % 2)
		}
		for w := -width; w <= width; w++ {
			if math.Abs(float64(w)) < leaf {
				b.place(Leaves, x+w, y+h+1, true)
			}
		}
	}
}

func (b *builder) leafyTree(x, y int) {
	height := b.between(2, 12)
	for h := range height {
		b.place(WoodLight, x, y+h, true)
	}

	rw := b.between(3, max(3, height/2))
	rh := b.between(3, max(3, int(float64(height)/1.5)))
	sink := b.r.Intn(2)
	for w := -rw; w <= rw; w++ {
		for h := -rh; h <= rh; h++ {
			var dx, dy float64
			if n := math.Hypot(float64(w), float64(h)); n > 0 {
				dx, dy = float64(w)/n, float64(h)/n
			}

			r := float64(w*w)/float64(rw*rw) + float64(h*h)/float64(rh*rh)
			if r < b.fbm(dx+float64(x), dy+float64(y), 0.2, 2, 0.5, 0.5)*0.3+0.5 {
				b.place(Leaves, x+w, y+h+height-sink, true)
			}
		}
	}
}
