package knowledge

import (
	"encoding/json"
	"fmt"
)

// Category — закрытый набор категорий объектов мира.
// Поведение категории задаётся таблицей возможностей, а не иерархией типов.
type Category uint8

const (
	// CategoryAny используется только как фильтр (например, при массовом удалении).
	CategoryAny Category = iota
	CategoryCreature
	CategoryPlant
	CategoryItem
	CategoryStructure
	CategoryFluid

	categoryCount
)

// Capabilities — возможности, привязанные к категории
type Capabilities struct {
	HasModel   bool `json:"has_model"`
	HasTexture bool `json:"has_texture"`
	Visible    bool `json:"visible"`
	Selectable bool `json:"selectable"`
}

var categoryNames = [categoryCount]string{
	CategoryAny:       "any",
	CategoryCreature:  "creature",
	CategoryPlant:     "plant",
	CategoryItem:      "item",
	CategoryStructure: "structure",
	CategoryFluid:     "fluid",
}

var capabilityTable = [categoryCount]Capabilities{
	CategoryCreature:  {HasModel: true, HasTexture: true, Visible: true, Selectable: true},
	CategoryPlant:     {HasModel: true, HasTexture: true, Visible: true, Selectable: true},
	CategoryItem:      {HasModel: true, HasTexture: true, Visible: true, Selectable: true},
	CategoryStructure: {HasModel: true, HasTexture: true, Visible: true, Selectable: false},
	CategoryFluid:     {HasModel: false, HasTexture: true, Visible: true, Selectable: false},
}

// String возвращает имя категории
func (c Category) String() string {
	if c < categoryCount {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Valid сообщает, что категория конкретная (не CategoryAny и в пределах набора)
func (c Category) Valid() bool {
	return c > CategoryAny && c < categoryCount
}

// Capabilities возвращает возможности категории
func (c Category) Capabilities() Capabilities {
	if c < categoryCount {
		return capabilityTable[c]
	}
	return Capabilities{}
}

// ParseCategory разбирает имя категории
func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return CategoryAny, fmt.Errorf("неизвестная категория %q", s)
}

// MarshalJSON кодирует категорию именем
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON разбирает категорию из имени
func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
