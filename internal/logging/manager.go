package logging

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
)

// Компоненты сервиса с собственными логгерами
const (
	ComponentStorage     = "storage"
	ComponentCoordinator = "coordinator"
	ComponentWorld       = "world"
	ComponentAPI         = "api"
)

// LoggerManager хранит логгеры компонентов и общий консольный уровень
type LoggerManager struct {
	mu      sync.Mutex
	loggers map[string]*Logger
	level   LogLevel
}

var manager = &LoggerManager{
	loggers: make(map[string]*Logger),
	level:   INFO,
}

// GetLoggerManager возвращает менеджер логгеров процесса
func GetLoggerManager() *LoggerManager { return manager }

// Component возвращает логгер компонента, создавая его при первом обращении.
// Если файл логов открыть не удалось, логгер пишет только в консоль.
func (lm *LoggerManager) Component(name string) *Logger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if l, ok := lm.loggers[name]; ok {
		return l
	}

	l, err := NewLogger(name)
	if err != nil {
		current().Warn("логгер %s без файла: %v", name, err)
		l = &Logger{
			component:     name,
			consoleLogger: log.New(os.Stdout, "["+name+"] ", log.LstdFlags),
			minFileLevel:  ERROR,
		}
	}
	l.minConsoleLevel = lm.level
	lm.loggers[name] = l
	return l
}

// SetLevel задаёт консольный уровень всем компонентам, включая будущие
func (lm *LoggerManager) SetLevel(level LogLevel) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.level = level
	for _, l := range lm.loggers {
		l.SetLevel(level)
	}
}

// SetComponentLevel переопределяет уровень одного компонента
func (lm *LoggerManager) SetComponentLevel(name string, level LogLevel) error {
	lm.mu.Lock()
	l, ok := lm.loggers[name]
	lm.mu.Unlock()

	if !ok {
		return fmt.Errorf("логгер компонента %s не создан", name)
	}
	l.SetLevel(level)
	return nil
}

// Components возвращает отсортированные имена созданных логгеров
func (lm *LoggerManager) Components() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	names := make([]string, 0, len(lm.loggers))
	for name := range lm.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll закрывает файлы всех компонентов и забывает их логгеры
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var errs []error
	for name, l := range lm.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	lm.loggers = make(map[string]*Logger)
	return errors.Join(errs...)
}

func GetStorageLogger() *Logger     { return manager.Component(ComponentStorage) }
func GetCoordinatorLogger() *Logger { return manager.Component(ComponentCoordinator) }
func GetWorldLogger() *Logger       { return manager.Component(ComponentWorld) }
func GetAPILogger() *Logger         { return manager.Component(ComponentAPI) }
