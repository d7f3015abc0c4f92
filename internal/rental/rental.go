// Package rental содержит состояние активных аренд номеров.
//
// Хранилище процесс-локальное: одна активная аренда на пользователя,
// в памяти, без репликации и без записи на диск. Перезапуск процесса
// молча теряет все незавершённые аренды — для этого домена это
// принятая потеря, а не дефект.
package rental

import (
	"sync"
	"time"
)

// Reservation — активная заявка пользователя на арендованный номер.
type Reservation struct {
	UserID       int64
	ServiceCode  string
	Country      string
	Operator     string
	Price        float64
	ActivationID string
	Phone        string
	CreatedAt    time.Time
}

// Store хранит активные аренды по идентификатору пользователя.
type Store struct {
	mu     sync.Mutex
	active map[int64]Reservation
	now    func() time.Time
}

// NewStore создаёт пустое хранилище аренд.
func NewStore() *Store {
	return &Store{
		active: make(map[int64]Reservation),
		now:    time.Now,
	}
}

// Start регистрирует новую аренду. Возвращает false, если у пользователя
// уже есть активная аренда: вторая заявка не перетирает первую.
func (s *Store) Start(r Reservation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[r.UserID]; exists {
		return false
	}

	r.CreatedAt = s.now()
	s.active[r.UserID] = r
	return true
}

// Get возвращает активную аренду пользователя.
func (s *Store) Get(userID int64) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.active[userID]
	return r, ok
}

// Has сообщает, есть ли у пользователя активная аренда.
func (s *Store) Has(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.active[userID]
	return ok
}

// SetActivationInfo дописывает в аренду идентификатор активации и номер,
// выделенные провайдером. Если аренды нет (гонка с отменой) — no-op.
func (s *Store) SetActivationInfo(userID int64, activationID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.active[userID]
	if !ok {
		return
	}

	r.ActivationID = activationID
	if phone != "" {
		r.Phone = phone
	}
	s.active[userID] = r
}

// Clear удаляет активную аренду пользователя.
func (s *Store) Clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, userID)
}

// Take атомарно изымает активную аренду пользователя. Используется в точке
// списания: повторный вызов для того же пользователя получит false,
// поэтому оплатить одну аренду дважды нельзя.
func (s *Store) Take(userID int64) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.active[userID]
	if ok {
		delete(s.active, userID)
	}
	return r, ok
}

// IsExpired сообщает, истёк ли срок аренды. Срок проверяется лениво,
// при очередном обращении; фонового таймера нет, поэтому просроченная
// аренда может лежать в хранилище до следующего взаимодействия.
func (s *Store) IsExpired(userID int64, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.active[userID]
	if !ok {
		return false
	}
	return s.now().Sub(r.CreatedAt) >= timeout
}
