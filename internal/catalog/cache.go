// Package catalog содержит кэш каталога цен SMS-провайдера.
//
// Кэш перечитывается целиком не чаще одного раза за TTL. Перестроение идёт
// в новый снимок с атомарной подменой: читатели никогда не видят
// наполовину собранный индекс.
package catalog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmeshcher/broker-system/internal/provider"
)

// PriceSource описывает источник каталога цен, используемый кэшем.
type PriceSource interface {
	GetPrices(ctx context.Context) ([]provider.PriceEntry, error)
}

// Entry — запись каталога с продажной ценой.
type Entry struct {
	Country string
	Service string
	Count   int
	Cost    float64
	Sell    float64
}

type snapshot struct {
	fetchedAt time.Time
	byCountry map[string][]Entry
}

// Cache хранит снимок каталога цен и обновляет его по TTL.
type Cache struct {
	source PriceSource
	ttl    time.Duration
	margin float64
	now    func() time.Time

	refreshMu sync.Mutex
	snap      atomic.Pointer[snapshot]
}

// NewCache создаёт кэш каталога с указанным TTL и нормой прибыли.
func NewCache(source PriceSource, ttl time.Duration, margin float64) *Cache {
	return &Cache{
		source: source,
		ttl:    ttl,
		margin: margin,
		now:    time.Now,
	}
}

// SellPrice возвращает продажную цену: себестоимость с наценкой, округлённая
// до одного знака. Добавка 1e-9 компенсирует двоичное представление
// на границах вида x.x5.
func (c *Cache) SellPrice(cost float64) float64 {
	return math.Round((cost*(1+c.margin)+1e-9)*10) / 10
}

// Refresh перечитывает каталог у провайдера. Без force вызов — no-op, пока
// существующий непустой снимок моложе TTL.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if !force && c.fresh() {
		return nil
	}

	entries, err := c.source.GetPrices(ctx)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}

	byCountry := make(map[string][]Entry)
	for _, e := range entries {
		if e.Count <= 0 || e.Cost <= 0 {
			continue
		}
		byCountry[e.Country] = append(byCountry[e.Country], Entry{
			Country: e.Country,
			Service: e.Service,
			Count:   e.Count,
			Cost:    e.Cost,
			Sell:    c.SellPrice(e.Cost),
		})
	}

	// Внутри страны: самые доступные услуги выше, при равенстве — дешевле.
	for _, list := range byCountry {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Count != list[j].Count {
				return list[i].Count > list[j].Count
			}
			return list[i].Cost < list[j].Cost
		})
	}

	c.snap.Store(&snapshot{
		fetchedAt: c.now(),
		byCountry: byCountry,
	})

	return nil
}

func (c *Cache) fresh() bool {
	snap := c.snap.Load()
	return snap != nil && len(snap.byCountry) > 0 && c.now().Sub(snap.fetchedAt) < c.ttl
}

func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	// Свежий снимок читается без refreshMu: запросы каталога не должны
	// стоять за идущим обновлением, пока есть что отдать.
	if c.fresh() {
		if snap := c.snap.Load(); snap != nil {
			return snap, nil
		}
	}

	if err := c.Refresh(ctx, false); err != nil {
		return nil, err
	}

	snap := c.snap.Load()
	if snap == nil {
		return &snapshot{byCountry: map[string][]Entry{}}, nil
	}
	return snap, nil
}

// Countries возвращает отсортированный список кодов стран.
func (c *Cache) Countries(ctx context.Context) ([]string, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(snap.byCountry))
	for country := range snap.byCountry {
		out = append(out, country)
	}
	sort.Strings(out)
	return out, nil
}

// SearchCountries возвращает до limit стран, код которых содержит query
// без учёта регистра. Пустой запрос — первые limit стран по алфавиту.
func (c *Cache) SearchCountries(ctx context.Context, query string, limit int) ([]string, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))

	var matches []string
	for country := range snap.byCountry {
		if q == "" || strings.Contains(strings.ToLower(country), q) {
			matches = append(matches, country)
		}
	}
	sort.Strings(matches)

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// TopCountries возвращает до limit стран с наибольшей суммарной доступностью.
func (c *Cache) TopCountries(ctx context.Context, limit int) ([]string, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	type score struct {
		country string
		total   int
	}

	scores := make([]score, 0, len(snap.byCountry))
	for country, list := range snap.byCountry {
		total := 0
		for _, e := range list {
			total += e.Count
		}
		scores = append(scores, score{country: country, total: total})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].total != scores[j].total {
			return scores[i].total > scores[j].total
		}
		return scores[i].country < scores[j].country
	})

	if limit > 0 && len(scores) > limit {
		scores = scores[:limit]
	}

	out := make([]string, 0, len(scores))
	for _, s := range scores {
		out = append(out, s.country)
	}
	return out, nil
}

// SearchServices возвращает до limit услуг страны, код которых содержит query
// без учёта регистра. Порядок — порядок снимка: доступность по убыванию,
// затем цена по возрастанию.
func (c *Cache) SearchServices(ctx context.Context, country, query string, limit int) ([]Entry, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	list, ok := snap.byCountry[strings.TrimSpace(country)]
	if !ok {
		return nil, nil
	}

	q := strings.ToLower(strings.TrimSpace(query))

	var out []Entry
	for _, e := range list {
		if q != "" && !strings.Contains(strings.ToLower(e.Service), q) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ServiceEntry возвращает запись каталога для пары страна+услуга.
func (c *Cache) ServiceEntry(ctx context.Context, country, service string) (*Entry, error) {
	snap, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	list, ok := snap.byCountry[strings.TrimSpace(country)]
	if !ok {
		return nil, nil
	}

	s := strings.TrimSpace(service)
	for _, e := range list {
		if e.Service == s {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}
