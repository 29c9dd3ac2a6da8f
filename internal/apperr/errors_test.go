package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := New(NotFound, "coordinator.Delete", "объект %d не найден", 42)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrStorageFailure))
	assert.Equal(t, NotFound, KindOf(err))
	assert.Contains(t, err.Error(), "объект 42 не найден")
}

func TestWrapKeepsOriginalKind(t *testing.T) {
	inner := New(LockTimeout, "locks.Acquire", "deadline")
	outer := Wrap(StorageFailure, "coordinator.Insert", fmt.Errorf("context: %w", inner))

	assert.Equal(t, LockTimeout, KindOf(outer))
	assert.True(t, errors.Is(outer, ErrLockTimeout))
}

func TestWrapPlainError(t *testing.T) {
	err := Wrap(StorageFailure, "badger.Put", errors.New("disk full"))
	assert.True(t, Is(err, StorageFailure))
	assert.Nil(t, Wrap(StorageFailure, "noop", nil))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
}

func TestWrapContextErrorIsTimeout(t *testing.T) {
	err := Wrap(StorageFailure, "mongo.Set", fmt.Errorf("write: %w", context.DeadlineExceeded))
	assert.True(t, Is(err, LockTimeout))
	assert.False(t, errors.Is(err, ErrStorageFailure))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, Is(Wrap(StorageFailure, "sql.Get", context.Canceled), LockTimeout))
}
