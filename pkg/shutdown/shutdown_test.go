package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := NewManager()
	var order []string
	for _, name := range []string{"store", "transport", "orders"} {
		m.OnShutdown(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"orders", "transport", "store"}, order)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Len(t, order, 3, "重复调用不应再次执行")
}

func TestShutdownCollectsErrors(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	m.OnShutdown("a", func(ctx context.Context) error { return nil })
	m.OnShutdown("b", func(ctx context.Context) error { return boom })

	err := m.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestShutdownTimeout(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("fast", func(ctx context.Context) error { ran = true; return nil })
	m.OnShutdown("slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran, "超时后剩余回调被跳过")
}
