package coordinator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/vec"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

// LockMode определяет гранулярность блокировок координатора
type LockMode string

const (
	// LockModeMap — одна блокировка на всю карту
	LockModeMap LockMode = "map"
	// LockModePosition — полосы блокировок по хешу позиции
	LockModePosition LockMode = "position"
)

// DefaultLockStripes — число полос в режиме LockModePosition по умолчанию
const DefaultLockStripes = 256

// ParseLockMode разбирает режим из конфигурации; пустая строка даёт LockModePosition
func ParseLockMode(s string) (LockMode, error) {
	switch LockMode(s) {
	case "", LockModePosition:
		return LockModePosition, nil
	case LockModeMap:
		return LockModeMap, nil
	default:
		return "", fmt.Errorf("неизвестный режим блокировок %q", s)
	}
}

// LockTable — набор полос-семафоров, к которым хешируются позиции.
// Две позиции в одной полосе сериализуются, даже если они различны.
type LockTable struct {
	mode    LockMode
	stripes []*semaphore.Weighted
}

// NewLockTable создаёт таблицу блокировок. В режиме LockModeMap число полос
// игнорируется.
func NewLockTable(mode LockMode, stripes int) *LockTable {
	if mode == LockModeMap {
		stripes = 1
	} else if stripes <= 0 {
		stripes = DefaultLockStripes
	}

	t := &LockTable{mode: mode, stripes: make([]*semaphore.Weighted, stripes)}
	for i := range t.stripes {
		t.stripes[i] = semaphore.NewWeighted(1)
	}
	return t
}

// Mode возвращает режим таблицы
func (t *LockTable) Mode() LockMode { return t.mode }

// Stripes возвращает число полос
func (t *LockTable) Stripes() int { return len(t.stripes) }

func (t *LockTable) stripeOf(mapID uint64, pos vec.Vec3) int {
	if len(t.stripes) == 1 {
		return 0
	}
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], mapID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(pos.X))
	binary.LittleEndian.PutUint64(buf[16:], uint64(pos.Y))
	binary.LittleEndian.PutUint64(buf[24:], uint64(pos.Z))
	return int(xxhash.Sum64(buf[:]) % uint64(len(t.stripes)))
}

// Acquire захватывает полосы всех переданных позиций в порядке возрастания
// номера полосы и возвращает функцию освобождения и время ожидания.
// Если ctx истёк раньше, уже захваченные полосы освобождаются, а ошибка
// имеет вид apperr.LockTimeout.
func (t *LockTable) Acquire(ctx context.Context, mapID uint64, positions ...vec.Vec3) (func(), time.Duration, error) {
	idx := make([]int, 0, len(positions))
	seen := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		s := t.stripeOf(mapID, p)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		idx = append(idx, s)
	}
	sort.Ints(idx)

	started := time.Now()
	held := make([]int, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.stripes[held[i]].Release(1)
		}
		held = held[:0]
	}

	for _, s := range idx {
		if err := t.acquireStripe(ctx, t.stripes[s]); err != nil {
			release()
			return nil, time.Since(started), lockError(err, len(positions))
		}
		held = append(held, s)
	}

	var once bool
	return func() {
		if once {
			return
		}
		once = true
		release()
	}, time.Since(started), nil
}

// acquireStripe захватывает полосу. Если полоса занята, место вызывающего
// в пуле (parker из ctx) освобождается на время ожидания.
func (t *LockTable) acquireStripe(ctx context.Context, sem *semaphore.Weighted) error {
	if sem.TryAcquire(1) {
		return nil
	}
	p := parkerFrom(ctx)
	if p == nil {
		return sem.Acquire(ctx, 1)
	}

	p.park()
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := p.resume(ctx); err != nil {
		sem.Release(1)
		return err
	}
	return nil
}

// parker отдаёт ресурс вызывающего на время ожидания блокировки
type parker interface {
	park()
	resume(ctx context.Context) error
}

type parkerKey struct{}

func withParker(ctx context.Context, p parker) context.Context {
	return context.WithValue(ctx, parkerKey{}, p)
}

func parkerFrom(ctx context.Context) parker {
	p, _ := ctx.Value(parkerKey{}).(parker)
	return p
}

func lockError(err error, positions int) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.LockTimeout, "coordinator.lock",
			"блокировка %d позиций не получена до истечения срока", positions)
	}
	return apperr.Wrap(apperr.LockTimeout, "coordinator.lock", err)
}
