package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/broker-system/internal/provider"
)

type stubSource struct {
	entries []provider.PriceEntry
	err     error
	calls   int
}

func (s *stubSource) GetPrices(ctx context.Context) ([]provider.PriceEntry, error) {
	s.calls++
	return s.entries, s.err
}

func TestSellPrice(t *testing.T) {
	c := NewCache(nil, time.Minute, 0.5)

	tests := []struct {
		cost float64
		want float64
	}{
		{cost: 1.33, want: 2.0},
		{cost: 2.0, want: 3.0},
		{cost: 0.1, want: 0.2},
		{cost: 10.0, want: 15.0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.SellPrice(tt.cost), "cost %v", tt.cost)
	}
}

func TestRefreshFiltersAndSorts(t *testing.T) {
	source := &stubSource{entries: []provider.PriceEntry{
		{Country: "russia", Service: "vk", Count: 10, Cost: 2.0},
		{Country: "russia", Service: "tg", Count: 100, Cost: 5.0},
		{Country: "russia", Service: "wa", Count: 100, Cost: 3.0},
		{Country: "russia", Service: "empty", Count: 0, Cost: 1.0},
		{Country: "russia", Service: "free", Count: 5, Cost: 0},
	}}
	c := NewCache(source, time.Minute, 0.5)

	entries, err := c.SearchServices(context.Background(), "russia", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Доступность по убыванию, при равенстве — дешевле выше.
	assert.Equal(t, "wa", entries[0].Service)
	assert.Equal(t, "tg", entries[1].Service)
	assert.Equal(t, "vk", entries[2].Service)

	assert.Equal(t, 4.5, entries[0].Sell)
}

func TestRefreshTTL(t *testing.T) {
	source := &stubSource{entries: []provider.PriceEntry{
		{Country: "russia", Service: "vk", Count: 1, Cost: 1.0},
	}}
	c := NewCache(source, 30*time.Minute, 0.5)

	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Refresh(context.Background(), false))
	require.NoError(t, c.Refresh(context.Background(), false))
	assert.Equal(t, 1, source.calls, "fresh snapshot must not be refetched")

	require.NoError(t, c.Refresh(context.Background(), true))
	assert.Equal(t, 2, source.calls, "force must bypass TTL")

	now = now.Add(31 * time.Minute)
	require.NoError(t, c.Refresh(context.Background(), false))
	assert.Equal(t, 3, source.calls, "stale snapshot must be refetched")
}

func TestRefreshKeepsSnapshotOnError(t *testing.T) {
	source := &stubSource{entries: []provider.PriceEntry{
		{Country: "russia", Service: "vk", Count: 1, Cost: 1.0},
	}}
	c := NewCache(source, time.Nanosecond, 0.5)

	require.NoError(t, c.Refresh(context.Background(), true))

	source.err = errors.New("provider down")
	err := c.Refresh(context.Background(), true)
	require.Error(t, err)

	snap := c.snap.Load()
	require.NotNil(t, snap, "failed refresh must not drop the old snapshot")
	assert.Len(t, snap.byCountry["russia"], 1)
}

// gatedSource отдаёт каталог сразу при первом вызове, а все последующие
// держит до закрытия release.
type gatedSource struct {
	entries []provider.PriceEntry
	calls   int
	started chan struct{}
	release chan struct{}
}

func (s *gatedSource) GetPrices(ctx context.Context) ([]provider.PriceEntry, error) {
	s.calls++
	if s.calls > 1 {
		close(s.started)
		<-s.release
	}
	return s.entries, nil
}

func TestReadsDoNotBlockOnRefresh(t *testing.T) {
	source := &gatedSource{
		entries: []provider.PriceEntry{
			{Country: "russia", Service: "vk", Count: 1, Cost: 1.0},
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := NewCache(source, time.Hour, 0.5)

	require.NoError(t, c.Refresh(context.Background(), false))

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		_ = c.Refresh(context.Background(), true)
	}()
	<-source.started

	// Обновление стоит внутри GetPrices, но свежий снимок уже есть:
	// чтение обязано ответить, не дожидаясь refreshMu.
	readDone := make(chan struct{})
	var (
		countries []string
		readErr   error
	)
	go func() {
		defer close(readDone)
		countries, readErr = c.SearchCountries(context.Background(), "", 10)
	}()

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("catalog read blocked behind an in-flight refresh")
	}

	require.NoError(t, readErr)
	assert.Equal(t, []string{"russia"}, countries)

	close(source.release)
	<-refreshDone
}

func TestTopCountries(t *testing.T) {
	source := &stubSource{entries: []provider.PriceEntry{
		{Country: "russia", Service: "vk", Count: 10, Cost: 1.0},
		{Country: "russia", Service: "tg", Count: 20, Cost: 1.0},
		{Country: "ukraine", Service: "vk", Count: 100, Cost: 1.0},
		{Country: "kazakhstan", Service: "vk", Count: 30, Cost: 1.0},
	}}
	c := NewCache(source, time.Minute, 0.5)

	top, err := c.TopCountries(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ukraine", "kazakhstan"}, top)
}

func TestSearchCountries(t *testing.T) {
	source := &stubSource{entries: []provider.PriceEntry{
		{Country: "russia", Service: "vk", Count: 1, Cost: 1.0},
		{Country: "belarus", Service: "vk", Count: 1, Cost: 1.0},
		{Country: "ukraine", Service: "vk", Count: 1, Cost: 1.0},
	}}
	c := NewCache(source, time.Minute, 0.5)

	matches, err := c.SearchCountries(context.Background(), "RUS", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"belarus", "russia"}, matches)
}

func TestServiceEntry(t *testing.T) {
	source := &stubSource{entries: []provider.PriceEntry{
		{Country: "russia", Service: "vk", Count: 10, Cost: 1.33},
	}}
	c := NewCache(source, time.Minute, 0.5)

	entry, err := c.ServiceEntry(context.Background(), "russia", "vk")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2.0, entry.Sell)

	missing, err := c.ServiceEntry(context.Background(), "russia", "tg")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
