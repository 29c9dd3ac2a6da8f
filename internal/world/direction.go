package world

import (
	"fmt"

	"github.com/annel0/spatial-core/internal/vec"
)

// Direction — одно из 26 направлений куба 3×3×3 без центра.
// Индекс соответствует ячейке (dx+1)*9 + (dy+1)*3 + (dz+1) с выкинутым центром,
// поэтому противоположное направление равно 25 - d.
type Direction uint8

// NumDirections — количество направлений соседства
const NumDirections = 26

// DirectionKind — грань, ребро или угол
type DirectionKind uint8

const (
	KindFace DirectionKind = iota + 1
	KindEdge
	KindCorner
)

// Направления граней
var (
	West  = mustDirection(-1, 0, 0)
	East  = mustDirection(1, 0, 0)
	South = mustDirection(0, -1, 0)
	North = mustDirection(0, 1, 0)
	Down  = mustDirection(0, 0, -1)
	Up    = mustDirection(0, 0, 1)
)

// AllDirections перечисляет все 26 направлений по возрастанию
var AllDirections = func() []Direction {
	out := make([]Direction, NumDirections)
	for i := range out {
		out[i] = Direction(i)
	}
	return out
}()

// DirectionOf возвращает направление по смещению из {-1,0,1}³ \ {0}
func DirectionOf(dx, dy, dz int) (Direction, bool) {
	if dx < -1 || dx > 1 || dy < -1 || dy > 1 || dz < -1 || dz > 1 {
		return 0, false
	}
	cell := (dx+1)*9 + (dy+1)*3 + (dz + 1)
	switch {
	case cell == 13:
		return 0, false
	case cell > 13:
		cell--
	}
	return Direction(cell), true
}

func mustDirection(dx, dy, dz int) Direction {
	d, ok := DirectionOf(dx, dy, dz)
	if !ok {
		panic(fmt.Sprintf("недопустимое направление (%d,%d,%d)", dx, dy, dz))
	}
	return d
}

// Valid проверяет диапазон
func (d Direction) Valid() bool {
	return d < NumDirections
}

// Offset возвращает единичное смещение направления
func (d Direction) Offset() vec.Vec3 {
	cell := int(d)
	if cell >= 13 {
		cell++
	}
	return vec.Vec3{X: cell/9 - 1, Y: (cell/3)%3 - 1, Z: cell%3 - 1}
}

// Opposite возвращает противоположное направление
func (d Direction) Opposite() Direction {
	return NumDirections - 1 - d
}

// Kind классифицирует направление по числу ненулевых компонент
func (d Direction) Kind() DirectionKind {
	o := d.Offset()
	n := 0
	for _, c := range [3]int{o.X, o.Y, o.Z} {
		if c != 0 {
			n++
		}
	}
	return DirectionKind(n)
}

func (d Direction) String() string {
	o := d.Offset()
	sign := func(v int) string {
		switch v {
		case -1:
			return "-"
		case 1:
			return "+"
		}
		return "0"
	}
	return sign(o.X) + sign(o.Y) + sign(o.Z)
}
