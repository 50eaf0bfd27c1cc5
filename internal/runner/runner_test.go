package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppobuilder/poppo/internal/task"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("issue", Func(func(_ context.Context, tk task.Task) (Result, error) {
		return Result{Output: tk.Type}, nil
	}))

	runner, err := r.Get("issue")
	require.NoError(t, err)

	res, err := runner.Run(context.Background(), task.Task{Type: "issue"})
	require.NoError(t, err)
	assert.Equal(t, "issue", res.Output)
}

func TestRegistry_UnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("comment")
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.False(t, r.Supports("comment"))
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("issue", Func(func(_ context.Context, _ task.Task) (Result, error) {
		return Result{}, nil
	}))
	assert.Panics(t, func() {
		r.Register("issue", Func(func(_ context.Context, _ task.Task) (Result, error) {
			return Result{}, nil
		}))
	})
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []string{"review", "comment", "issue"} {
		r.Register(typ, Func(func(_ context.Context, _ task.Task) (Result, error) {
			return Result{}, nil
		}))
	}
	assert.Equal(t, []string{"comment", "issue", "review"}, r.Types())
}
