package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRefresherRejectsBadSchedule(t *testing.T) {
	reg := newTestRegistry(t, NewMemorySet())
	_, err := NewRefresher(reg, "every so often", nil)
	assert.Error(t, err)
}

func TestRefresherLoadsOnStart(t *testing.T) {
	store := NewMemorySet()
	_, err := store.Add(context.Background(), `{"name":"remote","url":"http://remote.example.com/","classification":"TLP:CLEAR"}`)
	require.NoError(t, err)

	reg := newTestRegistry(t, store)
	r, err := NewRefresher(reg, "@every 1h", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	_, ok := reg.Get("remote")
	assert.True(t, ok)
}

func TestRefresherPicksUpLaterChanges(t *testing.T) {
	store := NewMemorySet()
	reg := newTestRegistry(t, store)
	r, err := NewRefresher(reg, "@every 1s", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	_, err = store.Add(context.Background(), `{"name":"late","url":"http://late.example.com/","classification":"TLP:CLEAR"}`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := reg.Get("late")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}
