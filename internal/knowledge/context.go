package knowledge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaterialID — идентификатор материала в блочной записи
type MaterialID uint16

// AirMaterial всегда присутствует в каталоге
const AirMaterial MaterialID = 0

// Material описывает материал блока
type Material struct {
	ID    MaterialID `json:"id"`
	Name  string     `json:"name"`
	Class string     `json:"class"`
	Solid bool       `json:"solid"`
}

// Entry описывает тип объекта, на который ссылается knowledgeRef
type Entry struct {
	Ref      string     `json:"ref"`
	Category Category   `json:"category"`
	Material MaterialID `json:"material,omitempty"`
}

// Catalog — сериализуемая форма базы знаний
type Catalog struct {
	Materials []Material `json:"materials"`
	Entries   []Entry    `json:"entries"`
}

// Context — неизменяемый контекст базы знаний. Создаётся один раз при
// инициализации и передаётся в кодек и координатор. Методы безопасны для
// конкурентного чтения.
type Context struct {
	materials   map[MaterialID]Material
	byClass     map[string][]MaterialID
	entries     map[string]Entry
	maxMaterial MaterialID
}

// NewContext проверяет каталог и строит контекст
func NewContext(cat Catalog) (*Context, error) {
	ctx := &Context{
		materials: make(map[MaterialID]Material, len(cat.Materials)+1),
		byClass:   make(map[string][]MaterialID),
		entries:   make(map[string]Entry, len(cat.Entries)),
	}

	ctx.materials[AirMaterial] = Material{ID: AirMaterial, Name: "air", Class: "gas"}

	for _, m := range cat.Materials {
		if m.ID == AirMaterial {
			if m.Name != "" && m.Name != "air" {
				return nil, fmt.Errorf("материал 0 зарезервирован под air, получено %q", m.Name)
			}
			continue
		}
		if _, dup := ctx.materials[m.ID]; dup {
			return nil, fmt.Errorf("материал %d объявлен дважды", m.ID)
		}
		ctx.materials[m.ID] = m
		if m.ID > ctx.maxMaterial {
			ctx.maxMaterial = m.ID
		}
	}

	for id, m := range ctx.materials {
		ctx.byClass[m.Class] = append(ctx.byClass[m.Class], id)
	}
	for class := range ctx.byClass {
		ids := ctx.byClass[class]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	for _, e := range cat.Entries {
		if e.Ref == "" {
			return nil, fmt.Errorf("пустой ref в каталоге")
		}
		if !e.Category.Valid() {
			return nil, fmt.Errorf("ref %q: недопустимая категория %s", e.Ref, e.Category)
		}
		if _, ok := ctx.materials[e.Material]; !ok {
			return nil, fmt.Errorf("ref %q: неизвестный материал %d", e.Ref, e.Material)
		}
		if _, dup := ctx.entries[e.Ref]; dup {
			return nil, fmt.Errorf("ref %q объявлен дважды", e.Ref)
		}
		ctx.entries[e.Ref] = e
	}

	return ctx, nil
}

// Material возвращает материал по идентификатору
func (c *Context) Material(id MaterialID) (Material, bool) {
	m, ok := c.materials[id]
	return m, ok
}

// MaxMaterial возвращает наибольший объявленный идентификатор материала
func (c *Context) MaxMaterial() MaterialID {
	return c.maxMaterial
}

// HasMaterial сообщает, известен ли материал
func (c *Context) HasMaterial(id MaterialID) bool {
	_, ok := c.materials[id]
	return ok
}

// MaterialsByClass возвращает отсортированные идентификаторы материалов класса
func (c *Context) MaterialsByClass(class string) []MaterialID {
	ids := c.byClass[class]
	out := make([]MaterialID, len(ids))
	copy(out, ids)
	return out
}

// Lookup возвращает описание объекта по knowledgeRef
func (c *Context) Lookup(ref string) (Entry, bool) {
	e, ok := c.entries[ref]
	return e, ok
}

// Refs возвращает отсортированный список известных ref
func (c *Context) Refs() []string {
	refs := make([]string, 0, len(c.entries))
	for ref := range c.entries {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

const catalogSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["materials", "entries"],
  "properties": {
    "materials": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": {"type": "integer", "minimum": 0, "maximum": 65535},
          "name": {"type": "string", "minLength": 1},
          "class": {"type": "string"},
          "solid": {"type": "boolean"}
        }
      }
    },
    "entries": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["ref", "category"],
        "properties": {
          "ref": {"type": "string", "minLength": 1},
          "category": {"enum": ["creature", "plant", "item", "structure", "fluid"]},
          "material": {"type": "integer", "minimum": 0, "maximum": 65535}
        }
      }
    }
  }
}`

func compileCatalogSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.schema.json", strings.NewReader(catalogSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("catalog.schema.json")
}

// Parse проверяет JSON-документ каталога по схеме и строит контекст
func Parse(data []byte) (*Context, error) {
	schema, err := compileCatalogSchema()
	if err != nil {
		return nil, fmt.Errorf("компиляция схемы каталога: %w", err)
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("разбор каталога: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("каталог не соответствует схеме: %w", err)
	}

	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("разбор каталога: %w", err)
	}
	return NewContext(cat)
}

// LoadFile читает каталог из JSON-файла
func LoadFile(path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Default возвращает встроенный минимальный каталог
func Default() *Context {
	ctx, err := NewContext(Catalog{
		Materials: []Material{
			{ID: 1, Name: "stone", Class: "mineral", Solid: true},
			{ID: 2, Name: "dirt", Class: "soil", Solid: true},
			{ID: 3, Name: "water", Class: "liquid"},
			{ID: 4, Name: "wood", Class: "organic", Solid: true},
			{ID: 5, Name: "leaf", Class: "organic"},
		},
		Entries: []Entry{
			{Ref: "deer", Category: CategoryCreature},
			{Ref: "wolf", Category: CategoryCreature},
			{Ref: "oak_tree", Category: CategoryPlant, Material: 4},
			{Ref: "grass", Category: CategoryPlant, Material: 5},
			{Ref: "stone_axe", Category: CategoryItem, Material: 1},
			{Ref: "wall", Category: CategoryStructure, Material: 1},
			{Ref: "spring", Category: CategoryFluid, Material: 3},
		},
	})
	if err != nil {
		panic(err)
	}
	return ctx
}
