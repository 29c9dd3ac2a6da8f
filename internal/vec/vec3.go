package vec

import "fmt"

// Vec3 представляет трехмерный вектор с целочисленными координатами.
// Используется как адрес блока (Position) в мире.
type Vec3 struct {
	X int `json:"x" bson:"x"`
	Y int `json:"y" bson:"y"`
	Z int `json:"z" bson:"z"`
}

// Vec3Float представляет трехмерный вектор с плавающими координатами
type Vec3Float struct {
	X float64 `json:"x" bson:"x"`
	Y float64 `json:"y" bson:"y"`
	Z float64 `json:"z" bson:"z"`
}

// Equals проверяет равенство векторов
func (v Vec3) Equals(other Vec3) bool {
	return v.X == other.X && v.Y == other.Y && v.Z == other.Z
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{
		X: v.X + other.X,
		Y: v.Y + other.Y,
		Z: v.Z + other.Z,
	}
}

// Sub вычитает вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{
		X: v.X - other.X,
		Y: v.Y - other.Y,
		Z: v.Z - other.Z,
	}
}

// Less задаёт лексикографический порядок (x, затем y, затем z).
// Нужен только для математики ограничивающих объёмов и сортировки.
func (v Vec3) Less(other Vec3) bool {
	if v.X != other.X {
		return v.X < other.X
	}
	if v.Y != other.Y {
		return v.Y < other.Y
	}
	return v.Z < other.Z
}

// Volume возвращает произведение компонент (количество блоков в объёме размером v)
func (v Vec3) Volume() int {
	if v.X <= 0 || v.Y <= 0 || v.Z <= 0 {
		return 0
	}
	return v.X * v.Y * v.Z
}

// ToFloat переводит вектор в Vec3Float
func (v Vec3) ToFloat() Vec3Float {
	return Vec3Float{X: float64(v.X), Y: float64(v.Y), Z: float64(v.Z)}
}

// Key возвращает строковый ключ "x:y:z" для хранилищ
func (v Vec3) Key() string {
	return fmt.Sprintf("%d:%d:%d", v.X, v.Y, v.Z)
}

// String реализует fmt.Stringer
func (v Vec3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z)
}

// ParseKey разбирает ключ, созданный Key
func ParseKey(key string) (Vec3, error) {
	var v Vec3
	if _, err := fmt.Sscanf(key, "%d:%d:%d", &v.X, &v.Y, &v.Z); err != nil {
		return Vec3{}, fmt.Errorf("некорректный ключ позиции %q: %w", key, err)
	}
	return v, nil
}
