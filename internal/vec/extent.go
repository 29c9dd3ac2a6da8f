package vec

// CenterExtent описывает выровненный по осям объём: центр + полуразмер.
// Компоненты Extent неотрицательны.
type CenterExtent struct {
	Center Vec3Float `json:"center" bson:"center"`
	Extent Vec3Float `json:"extent" bson:"extent"`
}

// BoxToCenterExtent строит CenterExtent для полуоткрытого бокса [start, end).
func BoxToCenterExtent(start, end Vec3) CenterExtent {
	half := func(a, b int) (float64, float64) {
		c := (float64(a) + float64(b)) / 2
		e := (float64(b) - float64(a)) / 2
		if e < 0 {
			e = -e
		}
		return c, e
	}

	cx, ex := half(start.X, end.X)
	cy, ey := half(start.Y, end.Y)
	cz, ez := half(start.Z, end.Z)

	return CenterExtent{
		Center: Vec3Float{X: cx, Y: cy, Z: cz},
		Extent: Vec3Float{X: ex, Y: ey, Z: ez},
	}
}

// ContainsPoint проверяет, что точка лежит внутри объёма (границы включительно)
func (ce CenterExtent) ContainsPoint(p Vec3Float) bool {
	return within(p.X, ce.Center.X, ce.Extent.X) &&
		within(p.Y, ce.Center.Y, ce.Extent.Y) &&
		within(p.Z, ce.Center.Z, ce.Extent.Z)
}

// ContainsBox проверяет, что полуоткрытый бокс [start, end) целиком внутри объёма
func (ce CenterExtent) ContainsBox(start, end Vec3) bool {
	return ce.ContainsPoint(start.ToFloat()) && ce.ContainsPoint(end.ToFloat())
}

func within(v, center, extent float64) bool {
	return v >= center-extent && v <= center+extent
}
