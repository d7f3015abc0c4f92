package rental

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSingleActive(t *testing.T) {
	s := NewStore()

	require.True(t, s.Start(Reservation{UserID: 1, ServiceCode: "vk", Price: 2.0}))
	assert.False(t, s.Start(Reservation{UserID: 1, ServiceCode: "tg", Price: 3.0}), "second rental must not overwrite the first")

	r, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, "vk", r.ServiceCode)

	// Аренды разных пользователей независимы.
	assert.True(t, s.Start(Reservation{UserID: 2, ServiceCode: "tg"}))
}

func TestTakeIsExclusive(t *testing.T) {
	s := NewStore()
	require.True(t, s.Start(Reservation{UserID: 1, Price: 2.0}))

	r, ok := s.Take(1)
	require.True(t, ok)
	assert.Equal(t, 2.0, r.Price)

	_, ok = s.Take(1)
	assert.False(t, ok, "second take must fail: billing happens once")
	assert.False(t, s.Has(1))
}

func TestSetActivationInfo(t *testing.T) {
	s := NewStore()
	require.True(t, s.Start(Reservation{UserID: 1}))

	s.SetActivationInfo(1, "act-42", "+79990001122")

	r, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, "act-42", r.ActivationID)
	assert.Equal(t, "+79990001122", r.Phone)

	// Для отсутствующей аренды вызов ничего не создаёт.
	s.SetActivationInfo(2, "act-43", "+70000000000")
	assert.False(t, s.Has(2))
}

func TestIsExpired(t *testing.T) {
	s := NewStore()

	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	require.True(t, s.Start(Reservation{UserID: 1}))

	timeout := 1200 * time.Second

	now = now.Add(1199 * time.Second)
	assert.False(t, s.IsExpired(1, timeout))

	now = now.Add(time.Second)
	assert.True(t, s.IsExpired(1, timeout), "expiry boundary is inclusive")

	assert.False(t, s.IsExpired(2, timeout), "missing rental is not expired")
}
