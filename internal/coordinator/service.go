package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/spatial-core/internal/apperr"
	"github.com/annel0/spatial-core/internal/logging"
	"golang.org/x/sync/semaphore"
)

// ErrStopped возвращается Ask после Stop
var ErrStopped = errors.New("coordinator service stopped")

// ServiceConfig — параметры пула обработчиков
type ServiceConfig struct {
	// Workers — число запросов, исполняемых одновременно. Запрос, ждущий
	// блокировку позиции, место не занимает.
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
}

func (c *ServiceConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 64
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

const (
	jobQueued int32 = iota
	jobClaimed
	jobAbandoned
)

type job struct {
	ctx   context.Context
	req   Request
	reply chan result
	state atomic.Int32
}

// claim отмечает, что обработчик начал запрос; false — Ask уже ушёл
func (j *job) claim() bool { return j.state.CompareAndSwap(jobQueued, jobClaimed) }

// abandon снимает ещё не начатый запрос; false — запрос уже исполняется
func (j *job) abandon() bool { return j.state.CompareAndSwap(jobQueued, jobAbandoned) }

type result struct {
	resp Response
	err  error
}

// Service принимает запросы ко всем картам процесса и исполняет их пулом
// обработчиков. Координаторы регистрируются до Start.
type Service struct {
	cfg ServiceConfig

	mu     sync.RWMutex
	coords map[uint64]*Coordinator

	queue     chan *job
	slots     *semaphore.Weighted
	runCtx    context.Context
	cancelRun context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
	started   bool
	stopOnce  sync.Once

	log *logging.Logger
}

// NewService создаёт сервис с пустым набором карт
func NewService(cfg ServiceConfig) *Service {
	cfg.applyDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		coords:    make(map[uint64]*Coordinator),
		queue:     make(chan *job, cfg.QueueSize),
		slots:     semaphore.NewWeighted(int64(cfg.Workers)),
		runCtx:    runCtx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
		log:       logging.GetCoordinatorLogger(),
	}
}

// Register добавляет координатор карты
func (s *Service) Register(c *Coordinator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.coords[c.MapID()]; ok {
		return fmt.Errorf("карта %d уже зарегистрирована", c.MapID())
	}
	s.coords[c.MapID()] = c
	return nil
}

// Coordinator возвращает координатор карты
func (s *Service) Coordinator(mapID uint64) (*Coordinator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coords[mapID]
	return c, ok
}

// Maps возвращает идентификаторы зарегистрированных карт по возрастанию
func (s *Service) Maps() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.coords))
	for id := range s.coords {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Warm загружает индексы присутствия всех карт
func (s *Service) Warm(ctx context.Context) error {
	for _, id := range s.Maps() {
		c, _ := s.Coordinator(id)
		if err := c.Warm(ctx); err != nil {
			return fmt.Errorf("warm map %d: %w", id, err)
		}
	}
	return nil
}

// Start запускает обработчики
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.dispatchLoop()
	s.log.Info("Coordinator service started: %d workers, queue %d, %d maps",
		s.cfg.Workers, s.cfg.QueueSize, len(s.coords))
}

// Stop останавливает обработчики; запросы в очереди получают ErrStopped,
// начатые запросы доводятся до конца.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancelRun()
		s.wg.Wait()
		s.log.Info("Coordinator service stopped")
	})
}

// Ask передаёт запрос пулу и ждёт ответа. Если у ctx нет срока, применяется
// RequestTimeout. Если срок истёк до начала исполнения, возвращается
// apperr.LockTimeout и запрос не исполняется. Начатый запрос всегда
// доводится до конца, и Ask возвращает его фактический результат.
func (s *Service) Ask(ctx context.Context, req Request) (Response, error) {
	if _, ok := s.Coordinator(req.Map()); !ok {
		return nil, apperr.New(apperr.NotFound, "coordinator.Ask", "карта %d не найдена", req.Map())
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	j := &job{ctx: ctx, req: req, reply: make(chan result, 1)}
	select {
	case s.queue <- j:
	case <-s.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, queueTimeout(ctx, req)
	}

	select {
	case r := <-j.reply:
		return r.resp, r.err
	case <-s.stopCh:
		if j.abandon() {
			return nil, ErrStopped
		}
	case <-ctx.Done():
		if j.abandon() {
			return nil, queueTimeout(ctx, req)
		}
	}
	r := <-j.reply
	return r.resp, r.err
}

func queueTimeout(ctx context.Context, req Request) error {
	return apperr.Wrap(apperr.LockTimeout, "coordinator.Ask",
		fmt.Errorf("%s на карте %d: %w", req.op(), req.Map(), ctx.Err()))
}

// dispatchLoop выдаёт запросы из очереди по мере освобождения мест
func (s *Service) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case j := <-s.queue:
			if err := s.slots.Acquire(s.runCtx, 1); err != nil {
				return
			}
			if !j.claim() {
				s.slots.Release(1)
				continue
			}
			s.wg.Add(1)
			go s.run(j)
		}
	}
}

func (s *Service) run(j *job) {
	defer s.wg.Done()
	slot := &workerSlot{sem: s.slots, held: true}
	defer slot.park()

	if err := j.ctx.Err(); err != nil {
		j.reply <- result{err: queueTimeout(j.ctx, j.req)}
		return
	}
	resp, err := s.dispatch(withParker(j.ctx, slot), j.req)
	j.reply <- result{resp: resp, err: err}
}

// workerSlot — место в пуле, принадлежащее одному запросу. Пока запрос
// ждёт полосу блокировки, место свободно для других запросов.
type workerSlot struct {
	sem  *semaphore.Weighted
	held bool
}

func (w *workerSlot) park() {
	if w.held {
		w.sem.Release(1)
		w.held = false
	}
}

func (w *workerSlot) resume(ctx context.Context) error {
	if w.held {
		return nil
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.held = true
	return nil
}

func (s *Service) dispatch(ctx context.Context, req Request) (Response, error) {
	c, ok := s.Coordinator(req.Map())
	if !ok {
		return nil, apperr.New(apperr.NotFound, "coordinator.dispatch", "карта %d не найдена", req.Map())
	}

	switch r := req.(type) {
	case InsertObject:
		rec, err := c.Insert(ctx, r.Position, r.KnowledgeRef)
		if err != nil {
			return nil, err
		}
		return InsertObjectSuccess{Object: rec}, nil
	case DeleteObject:
		rec, err := c.Delete(ctx, r.ObjectID)
		if err != nil {
			return nil, err
		}
		return DeleteObjectSuccess{Object: rec}, nil
	case DeleteBulkObjects:
		recs, err := c.DeleteBulk(ctx, r.Category, r.ObjectIDs)
		if err != nil {
			return nil, err
		}
		return DeleteBulkObjectsSuccess{Objects: recs}, nil
	case RetrieveObjects:
		recs, err := c.Retrieve(ctx, r.Position)
		if err != nil {
			return nil, err
		}
		return RetrieveObjectsSuccess{Position: r.Position, Objects: recs}, nil
	default:
		return nil, fmt.Errorf("неизвестный запрос %T", req)
	}
}
