// Package codec кодирует блочные записи фиксированного формата в общий буфер чанка.
//
// Формат записи (RecordSize байт, little endian):
//
//	0  uint16  материал
//	2  uint16  флаги
//	4  uint64  ссылка на объект (0 — нет)
//	12 int16   рост (фиксированная точка)
//	14 uint16  количество
//
// Кодек не делает блокировок: атомарность изменения записи обеспечивает
// вызывающий, удерживающий блокировку позиции.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/annel0/spatial-core/internal/knowledge"
)

const (
	offMaterial  = 0
	offFlags     = 2
	offObjectRef = 4
	offGrowth    = 12
	offQuantity  = 14

	// RecordSize — размер одной блочной записи в байтах
	RecordSize = 16
)

// GrowthDecimals — количество значащих десятичных знаков после запятой,
// до которого округляется декодированный рост.
const GrowthDecimals = 5

// Flag — битовый набор свойств блока
type Flag uint16

const (
	FlagEmpty Flag = 1 << iota
	FlagFilled
	FlagVisible
	FlagTickable
	FlagSolid
)

// Fields — декодированное содержимое блочной записи
type Fields struct {
	Material  knowledge.MaterialID `json:"material"`
	Flags     Flag                 `json:"flags"`
	ObjectRef uint64               `json:"object_ref"`
	Growth    float64              `json:"growth"`
	Quantity  uint16               `json:"quantity"`
}

// Codec кодирует записи, проверяя материалы по контексту базы знаний
type Codec struct {
	kb *knowledge.Context
}

// New создаёт кодек, привязанный к неизменяемому контексту базы знаний
func New(kb *knowledge.Context) *Codec {
	if kb == nil {
		kb = knowledge.Default()
	}
	return &Codec{kb: kb}
}

// Knows сообщает, можно ли кодировать материал
func (c *Codec) Knows(m knowledge.MaterialID) bool {
	return c.kb.HasMaterial(m)
}

// NewBuffer выделяет буфер под blockCount записей
func NewBuffer(blockCount int) []byte {
	return make([]byte, blockCount*RecordSize)
}

// Encode пишет все поля записи по смещению blockOffset. Буфер не читается.
// Выход значения за допустимый диапазон — ошибка программиста (panic).
func (c *Codec) Encode(buf []byte, blockOffset int, f Fields) {
	checkBounds(buf, blockOffset)
	if !c.kb.HasMaterial(f.Material) {
		panic(fmt.Sprintf("codec: неизвестный материал %d", f.Material))
	}

	rec := buf[blockOffset : blockOffset+RecordSize]
	binary.LittleEndian.PutUint16(rec[offMaterial:], uint16(f.Material))
	binary.LittleEndian.PutUint16(rec[offFlags:], uint16(f.Flags))
	binary.LittleEndian.PutUint64(rec[offObjectRef:], f.ObjectRef)
	binary.LittleEndian.PutUint16(rec[offGrowth:], uint16(EncodeGrowth(f.Growth)))
	binary.LittleEndian.PutUint16(rec[offQuantity:], f.Quantity)
}

// Decode читает запись. Любой набор бит декодируется в какое-то значение.
func Decode(buf []byte, blockOffset int) Fields {
	checkBounds(buf, blockOffset)

	rec := buf[blockOffset : blockOffset+RecordSize]
	return Fields{
		Material:  knowledge.MaterialID(binary.LittleEndian.Uint16(rec[offMaterial:])),
		Flags:     Flag(binary.LittleEndian.Uint16(rec[offFlags:])),
		ObjectRef: binary.LittleEndian.Uint64(rec[offObjectRef:]),
		Growth:    DecodeGrowth(int16(binary.LittleEndian.Uint16(rec[offGrowth:]))),
		Quantity:  binary.LittleEndian.Uint16(rec[offQuantity:]),
	}
}

// SetObjectRef меняет только ссылку на объект в записи
func SetObjectRef(buf []byte, blockOffset int, ref uint64) {
	checkBounds(buf, blockOffset)
	binary.LittleEndian.PutUint64(buf[blockOffset+offObjectRef:], ref)
}

// ObjectRef читает ссылку на объект
func ObjectRef(buf []byte, blockOffset int) uint64 {
	checkBounds(buf, blockOffset)
	return binary.LittleEndian.Uint64(buf[blockOffset+offObjectRef:])
}

// AddFlag выставляет флаги (OR)
func AddFlag(buf []byte, blockOffset int, flag Flag) {
	setFlags(buf, blockOffset, flags(buf, blockOffset)|flag)
}

// RemoveFlag снимает флаги (AND NOT)
func RemoveFlag(buf []byte, blockOffset int, flag Flag) {
	setFlags(buf, blockOffset, flags(buf, blockOffset)&^flag)
}

// HasFlag проверяет, что выставлены все биты flag
func HasFlag(buf []byte, blockOffset int, flag Flag) bool {
	return flags(buf, blockOffset)&flag == flag
}

func flags(buf []byte, blockOffset int) Flag {
	checkBounds(buf, blockOffset)
	return Flag(binary.LittleEndian.Uint16(buf[blockOffset+offFlags:]))
}

func setFlags(buf []byte, blockOffset int, f Flag) {
	checkBounds(buf, blockOffset)
	binary.LittleEndian.PutUint16(buf[blockOffset+offFlags:], uint16(f))
}

// EncodeGrowth переводит нормированный рост [0,1] в int16:
// stored = round(v*65536 - 32768). Значение 1.0 насыщается до MaxInt16.
func EncodeGrowth(v float64) int16 {
	if math.IsNaN(v) || v < 0 || v > 1 {
		panic(fmt.Sprintf("codec: рост %v вне диапазона [0,1]", v))
	}
	stored := math.Round(v*65536 - 32768)
	if stored > math.MaxInt16 {
		stored = math.MaxInt16
	}
	return int16(stored)
}

// DecodeGrowth — обратное преобразование с округлением до GrowthDecimals знаков,
// чтобы шум двоичного квантования не выдавался за точность.
func DecodeGrowth(stored int16) float64 {
	v := (float64(stored) + 32768) / 65536
	scale := math.Pow10(GrowthDecimals)
	return math.Round(v*scale) / scale
}

func checkBounds(buf []byte, blockOffset int) {
	if blockOffset < 0 || blockOffset%RecordSize != 0 || blockOffset+RecordSize > len(buf) {
		panic(fmt.Sprintf("codec: смещение %d вне буфера длиной %d", blockOffset, len(buf)))
	}
}
