package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/annel0/spatial-core/internal/coordinator"
	"github.com/annel0/spatial-core/internal/eventbus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ServerMetrics собирает сведения о процессе для /health
type ServerMetrics struct {
	StartTime time.Time
	proc      *process.Process
}

// HealthReport — тело ответа /health
type HealthReport struct {
	Status     string  `json:"status"`
	Time       int64   `json:"time"`
	Uptime     string  `json:"uptime"`
	RSSMB      float64 `json:"rss_mb"`
	HeapMB     float64 `json:"heap_mb"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`

	Maps    int             `json:"maps"`
	Objects int             `json:"objects"`
	Filled  int             `json:"filled"`
	Events  *eventbus.Stats `json:"events,omitempty"`
}

// NewServerMetrics создает новый экземпляр метрик
func NewServerMetrics() *ServerMetrics {
	sm := &ServerMetrics{StartTime: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sm.proc = p
	}
	return sm
}

// GetUptime возвращает время работы сервера с точностью до секунды
func (sm *ServerMetrics) GetUptime() string {
	return time.Since(sm.StartTime).Round(time.Second).String()
}

// GetRSS возвращает резидентную память процесса в MB
func (sm *ServerMetrics) GetRSS() (float64, error) {
	if sm.proc == nil {
		return 0, fmt.Errorf("процесс недоступен")
	}
	info, err := sm.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / 1024 / 1024, nil
}

// GetCPUUsage возвращает использование CPU процессом в процентах
func (sm *ServerMetrics) GetCPUUsage() (float64, error) {
	if sm.proc != nil {
		if pct, err := sm.proc.CPUPercent(); err == nil {
			return pct, nil
		}
	}
	// Метрика процесса недоступна: берём системную без ожидания интервала
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// Report собирает отчёт о состоянии процесса и карт
func (sm *ServerMetrics) Report(maps []coordinator.Stats, bus eventbus.EventBus) HealthReport {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rss, _ := sm.GetRSS()
	cpuPct, _ := sm.GetCPUUsage()
	r := HealthReport{
		Status:     "ok",
		Time:       time.Now().Unix(),
		Uptime:     sm.GetUptime(),
		RSSMB:      rss,
		HeapMB:     float64(m.HeapAlloc) / 1024 / 1024,
		CPUPercent: cpuPct,
		Goroutines: runtime.NumGoroutine(),
		Maps:       len(maps),
	}
	for _, st := range maps {
		r.Objects += st.Objects
		r.Filled += st.Filled
	}
	if bus != nil {
		st := bus.Metrics()
		r.Events = &st
	}
	return r
}
