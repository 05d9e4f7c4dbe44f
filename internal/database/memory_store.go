package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

// MemoryStore is a single-node Store guarded by one mutex.
// A transaction holds the mutex from start to finish, so transactions are
// trivially serializable. Writes are staged and only applied when fn succeeds.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*models.Schedule
	bookings  map[uuid.UUID]*models.Booking
	details   map[uuid.UUID]*models.PaymentDetail

	// pending commit failures, used to exercise retry paths
	injectedConflicts int
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[uuid.UUID]*models.Schedule),
		bookings:  make(map[uuid.UUID]*models.Booking),
		details:   make(map[uuid.UUID]*models.PaymentDetail),
	}
}

// PutSchedule seeds or replaces a schedule. Schedule management lives outside this service.
func (s *MemoryStore) PutSchedule(schedule *models.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneSchedule(schedule)
	if c.BookedSeats == nil {
		c.BookedSeats = models.SeatLabels{}
	}
	c.AvailableSeats = c.Capacity - len(c.BookedSeats)
	s.schedules[c.ID] = c
}

// InjectConflicts makes the next n commits fail with a TransientStorageError
func (s *MemoryStore) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injectedConflicts = n
}

// WithinTx runs fn while holding the store lock
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:     s,
		schedules: make(map[uuid.UUID]*models.Schedule),
		bookings:  make(map[uuid.UUID]*models.Booking),
		details:   make(map[uuid.UUID]*models.PaymentDetail),
	}

	if err := fn(tx); err != nil {
		return err
	}

	if s.injectedConflicts > 0 {
		s.injectedConflicts--
		return &models.TransientStorageError{Err: fmt.Errorf("injected write conflict")}
	}

	for id, schedule := range tx.schedules {
		s.schedules[id] = schedule
	}
	for id, booking := range tx.bookings {
		s.bookings[id] = booking
	}
	for id, detail := range tx.details {
		s.details[id] = detail
	}
	return nil
}

type memoryTx struct {
	store     *MemoryStore
	schedules map[uuid.UUID]*models.Schedule
	bookings  map[uuid.UUID]*models.Booking
	details   map[uuid.UUID]*models.PaymentDetail
}

func (t *memoryTx) currentSchedule(id uuid.UUID) (*models.Schedule, bool) {
	if s, ok := t.schedules[id]; ok {
		return s, true
	}
	s, ok := t.store.schedules[id]
	return s, ok
}

func (t *memoryTx) currentBooking(id uuid.UUID) (*models.Booking, bool) {
	if b, ok := t.bookings[id]; ok {
		return b, true
	}
	b, ok := t.store.bookings[id]
	return b, ok
}

func (t *memoryTx) GetScheduleForUpdate(_ context.Context, id uuid.UUID) (*models.Schedule, error) {
	schedule, ok := t.currentSchedule(id)
	if !ok {
		return nil, models.NewNotFound("schedule", id.String())
	}
	return cloneSchedule(schedule), nil
}

func (t *memoryTx) UpdateScheduleInventory(_ context.Context, schedule *models.Schedule) error {
	current, ok := t.currentSchedule(schedule.ID)
	if !ok {
		return models.NewNotFound("schedule", schedule.ID.String())
	}
	if current.Version != schedule.Version {
		return &models.TransientStorageError{
			Err: fmt.Errorf("schedule %s changed since version %d", schedule.ID, schedule.Version),
		}
	}

	schedule.Version++
	schedule.UpdatedAt = time.Now()

	staged := cloneSchedule(current)
	staged.BookedSeats = append(models.SeatLabels{}, schedule.BookedSeats...)
	staged.AvailableSeats = schedule.AvailableSeats
	staged.Version = schedule.Version
	staged.UpdatedAt = schedule.UpdatedAt
	t.schedules[staged.ID] = staged
	return nil
}

func (t *memoryTx) InsertBooking(ctx context.Context, booking *models.Booking) error {
	if _, exists := t.currentBooking(booking.ID); exists {
		return fmt.Errorf("failed to insert booking: duplicate id %s", booking.ID)
	}
	taken, err := t.ReferenceExists(ctx, booking.Reference)
	if err != nil {
		return fmt.Errorf("failed to check booking reference: %w", err)
	}
	if taken {
		return fmt.Errorf("failed to insert booking: duplicate reference %s", booking.Reference)
	}
	t.bookings[booking.ID] = cloneBooking(booking)
	return nil
}

func (t *memoryTx) ReferenceExists(_ context.Context, reference string) (bool, error) {
	for _, b := range t.bookings {
		if b.Reference == reference {
			return true, nil
		}
	}
	for _, b := range t.store.bookings {
		if b.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) GetBookingForUpdate(_ context.Context, id uuid.UUID) (*models.Booking, error) {
	booking, ok := t.currentBooking(id)
	if !ok {
		return nil, models.NewNotFound("booking", id.String())
	}
	return cloneBooking(booking), nil
}

func (t *memoryTx) UpdateBooking(_ context.Context, booking *models.Booking) error {
	current, ok := t.currentBooking(booking.ID)
	if !ok {
		return models.NewNotFound("booking", booking.ID.String())
	}

	updated := cloneBooking(booking)
	// seats and passengers are immutable after creation
	updated.Seats = append(models.SeatLabels{}, current.Seats...)
	updated.Passengers = append(models.PassengerManifest{}, current.Passengers...)
	if current.PaymentReference != nil {
		ref := *current.PaymentReference
		updated.PaymentReference = &ref
	}
	t.bookings[booking.ID] = updated
	return nil
}

func (t *memoryTx) InsertPaymentDetail(_ context.Context, detail *models.PaymentDetail) (bool, error) {
	if _, ok := t.details[detail.BookingID]; ok {
		return false, nil
	}
	if _, ok := t.store.details[detail.BookingID]; ok {
		return false, nil
	}
	d := *detail
	t.details[detail.BookingID] = &d
	return true, nil
}

// ============================================================================
// READS
// ============================================================================

func (s *MemoryStore) GetSchedule(_ context.Context, id uuid.UUID) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, models.NewNotFound("schedule", id.String())
	}
	return cloneSchedule(schedule), nil
}

func (s *MemoryStore) GetBooking(_ context.Context, id uuid.UUID) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	booking, ok := s.bookings[id]
	if !ok {
		return nil, models.NewNotFound("booking", id.String())
	}
	return cloneBooking(booking), nil
}

func (s *MemoryStore) GetPaymentDetail(_ context.Context, bookingID uuid.UUID) (*models.PaymentDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail, ok := s.details[bookingID]
	if !ok {
		return nil, models.NewNotFound("payment detail", bookingID.String())
	}
	d := *detail
	return &d, nil
}

func (s *MemoryStore) FindBookingByCorrelation(_ context.Context, provider models.PaymentProvider, correlationID string) (*models.Booking, error) {
	return s.findOne(correlationID, func(b *models.Booking) bool {
		return b.CorrelationFor(provider) == correlationID
	})
}

func (s *MemoryStore) FindBookingByPaymentReference(_ context.Context, reference string) (*models.Booking, error) {
	return s.findOne(reference, func(b *models.Booking) bool {
		return b.PaymentReference != nil && *b.PaymentReference == reference
	})
}

func (s *MemoryStore) FindBookingsByIDPrefix(_ context.Context, prefix string) ([]*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix = strings.ToLower(prefix)
	var out []*models.Booking
	for id, b := range s.bookings {
		if strings.HasPrefix(id.String(), prefix) {
			out = append(out, cloneBooking(b))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListStaleBookings(_ context.Context, status models.PaymentStatus, cutoff time.Time, limit int) ([]*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Booking
	for _, b := range s.bookings {
		if b.PaymentStatus != status || b.BookingStatus != models.BookingStatusPending {
			continue
		}
		clock := b.CreatedAt
		if status == models.PaymentStatusProcessing {
			clock = b.UpdatedAt
			if b.PaymentInitiatedAt != nil {
				clock = *b.PaymentInitiatedAt
			}
		}
		if clock.Before(cutoff) {
			out = append(out, cloneBooking(b))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListInconsistentSchedules(_ context.Context) ([]*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Schedule
	for _, schedule := range s.schedules {
		if !schedule.InventoryConsistent() {
			out = append(out, cloneSchedule(schedule))
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) findOne(key string, match func(*models.Booking) bool) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.bookings {
		if match(b) {
			return cloneBooking(b), nil
		}
	}
	return nil, models.NewNotFound("booking", key)
}

func cloneSchedule(s *models.Schedule) *models.Schedule {
	c := *s
	c.BookedSeats = append(models.SeatLabels{}, s.BookedSeats...)
	return &c
}

func cloneBooking(b *models.Booking) *models.Booking {
	c := *b
	c.Seats = append(models.SeatLabels{}, b.Seats...)
	c.Passengers = append(models.PassengerManifest{}, b.Passengers...)
	return &c
}

// MemoryPaymentAuditLog keeps the payment audit trail in process memory
type MemoryPaymentAuditLog struct {
	mu      sync.Mutex
	entries []*models.PaymentAudit
}

// NewMemoryPaymentAuditLog creates an empty in-memory audit trail
func NewMemoryPaymentAuditLog() *MemoryPaymentAuditLog {
	return &MemoryPaymentAuditLog{}
}

func (l *MemoryPaymentAuditLog) Log(_ context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	a := *audit
	l.entries = append(l.entries, &a)
	return nil
}

func (l *MemoryPaymentAuditLog) GetByBookingID(_ context.Context, bookingID uuid.UUID) ([]*models.PaymentAudit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*models.PaymentAudit
	for _, a := range l.entries {
		if a.BookingID != nil && *a.BookingID == bookingID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (l *MemoryPaymentAuditLog) GetAmountMismatches(_ context.Context, limit int) ([]*models.PaymentAudit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*models.PaymentAudit
	for i := len(l.entries) - 1; i >= 0; i-- {
		a := l.entries[i]
		if a.AmountsMatch != nil && !*a.AmountsMatch {
			c := *a
			out = append(out, &c)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (l *MemoryPaymentAuditLog) CleanupOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	var removed int64
	for _, a := range l.entries {
		mismatch := a.AmountsMatch != nil && !*a.AmountsMatch
		if a.CreatedAt.Before(cutoff) && !mismatch {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	l.entries = kept
	return removed, nil
}

// Entries returns a copy of the whole trail in insertion order
func (l *MemoryPaymentAuditLog) Entries() []*models.PaymentAudit {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*models.PaymentAudit, 0, len(l.entries))
	for _, a := range l.entries {
		c := *a
		out = append(out, &c)
	}
	return out
}
