package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/models"
)

const holdKeyPrefix = "holds:"

// Each schedule is one hash: field = seat label, value = "<user id>|<expires at unix ms>".
// Check and set happen in one script so two users can never both hold a seat.
var holdScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local user = ARGV[2]
	local expires_ms = ARGV[3]
	local ttl_ms = tonumber(ARGV[4])

	local conflicts = {}
	for i = 5, #ARGV do
		local v = redis.call('HGET', key, ARGV[i])
		if v then
			local sep = string.find(v, '|', 1, true)
			if sep then
				local owner = string.sub(v, 1, sep - 1)
				local exp = tonumber(string.sub(v, sep + 1)) or 0
				if owner ~= user and exp > now_ms then
					table.insert(conflicts, ARGV[i])
				end
			end
		end
	end
	if #conflicts > 0 then
		return conflicts
	end

	for i = 5, #ARGV do
		redis.call('HSET', key, ARGV[i], user .. '|' .. expires_ms)
	end
	if redis.call('PTTL', key) < ttl_ms then
		redis.call('PEXPIRE', key, ttl_ms)
	end
	return {}
`)

var releaseHoldScript = redis.NewScript(`
	local key = KEYS[1]
	local user = ARGV[1]
	local fields = {}
	if #ARGV > 1 then
		for i = 2, #ARGV do
			fields[#fields + 1] = ARGV[i]
		end
	else
		fields = redis.call('HKEYS', key)
	end

	local removed = 0
	for _, f in ipairs(fields) do
		local v = redis.call('HGET', key, f)
		if v then
			local sep = string.find(v, '|', 1, true)
			if sep and string.sub(v, 1, sep - 1) == user then
				redis.call('HDEL', key, f)
				removed = removed + 1
			end
		end
	end
	return removed
`)

var pruneHoldScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local all = redis.call('HGETALL', key)
	local removed = 0
	for i = 1, #all, 2 do
		local v = all[i + 1]
		local sep = string.find(v, '|', 1, true)
		local exp = 0
		if sep then
			exp = tonumber(string.sub(v, sep + 1)) or 0
		end
		if exp <= now_ms then
			redis.call('HDEL', key, all[i])
			removed = removed + 1
		end
	end
	return removed
`)

// SeatHoldService keeps advisory, TTL-bound seat holds in Redis.
// Holds never touch the schedule's inventory; they narrow the availability view
// and block other users at allocation time until they expire.
type SeatHoldService struct {
	rdb    *redis.Client
	store  database.Store
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewSeatHoldService creates a new seat hold service
func NewSeatHoldService(rdb *redis.Client, store database.Store, ttl time.Duration, logger *logrus.Logger) *SeatHoldService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SeatHoldService{
		rdb:    rdb,
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

func holdKey(scheduleID uuid.UUID) string {
	return holdKeyPrefix + scheduleID.String()
}

// parseHold splits a hash value into owner and expiry
func parseHold(value string) (owner string, expiresAt time.Time, ok bool) {
	sep := strings.IndexByte(value, '|')
	if sep < 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(value[sep+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return value[:sep], time.UnixMilli(ms), true
}

// Hold reserves seats for userID until the TTL elapses. Re-holding own seats extends them.
func (s *SeatHoldService) Hold(ctx context.Context, scheduleID, userID uuid.UUID, seats []string) (*models.SeatHold, error) {
	labels, err := normaliseSeatLabels(seats)
	if err != nil {
		return nil, err
	}

	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if schedule.HasDeparted(now) {
		return nil, &models.ValidationError{Field: "schedule_id", Message: "schedule has already departed"}
	}

	var booked []string
	for _, seat := range labels {
		if schedule.BookedSeats.Contains(seat) {
			booked = append(booked, seat)
		}
	}
	if len(booked) > 0 {
		return nil, &models.ConflictError{ConflictingSeats: booked, Reason: "booked"}
	}

	expiresAt := now.Add(s.ttl)
	args := []interface{}{now.UnixMilli(), userID.String(), expiresAt.UnixMilli(), s.ttl.Milliseconds()}
	for _, seat := range labels {
		args = append(args, seat)
	}

	conflicts, err := holdScript.Run(ctx, s.rdb, []string{holdKey(scheduleID)}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to place seat hold: %w", err)
	}
	if len(conflicts) > 0 {
		return nil, &models.ConflictError{ConflictingSeats: conflicts, Reason: "held"}
	}

	s.logger.WithFields(logrus.Fields{
		"schedule_id": scheduleID,
		"user_id":     userID,
		"seats":       labels,
		"expires_at":  expiresAt,
	}).Debug("Seats held")

	return &models.SeatHold{
		ScheduleID: scheduleID,
		UserID:     userID,
		Seats:      labels,
		ExpiresAt:  expiresAt,
	}, nil
}

// ReleaseHold drops userID's holds on the given seats, or on every seat when seats is empty
func (s *SeatHoldService) ReleaseHold(ctx context.Context, scheduleID, userID uuid.UUID, seats []string) error {
	args := []interface{}{userID.String()}
	for _, seat := range seats {
		args = append(args, strings.TrimSpace(seat))
	}
	if err := releaseHoldScript.Run(ctx, s.rdb, []string{holdKey(scheduleID)}, args...).Err(); err != nil {
		return fmt.Errorf("failed to release seat hold: %w", err)
	}
	return nil
}

// HeldByOthers returns the seats that carry an unexpired hold by a user other than userID
func (s *SeatHoldService) HeldByOthers(ctx context.Context, scheduleID, userID uuid.UUID, seats []string) ([]string, error) {
	if len(seats) == 0 {
		return nil, nil
	}
	values, err := s.rdb.HMGet(ctx, holdKey(scheduleID), seats...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read seat holds: %w", err)
	}

	now := s.now()
	me := userID.String()
	var held []string
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		owner, expiresAt, ok := parseHold(str)
		if ok && owner != me && expiresAt.After(now) {
			held = append(held, seats[i])
		}
	}
	return held, nil
}

// Availability returns the schedule's seat view with other users' unexpired holds removed
func (s *SeatHoldService) Availability(ctx context.Context, scheduleID, userID uuid.UUID) (*models.ScheduleAvailability, error) {
	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	all, err := s.rdb.HGetAll(ctx, holdKey(scheduleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read seat holds: %w", err)
	}

	now := s.now()
	me := userID.String()
	held := []string{}
	for seat, value := range all {
		owner, expiresAt, ok := parseHold(value)
		if !ok || owner == me || !expiresAt.After(now) || schedule.BookedSeats.Contains(seat) {
			continue
		}
		held = append(held, seat)
	}
	sort.Strings(held)

	available := schedule.AvailableSeats - len(held)
	if available < 0 {
		available = 0
	}

	return &models.ScheduleAvailability{
		ScheduleID:     schedule.ID,
		Capacity:       schedule.Capacity,
		BookedSeats:    append([]string{}, schedule.BookedSeats...),
		HeldSeats:      held,
		AvailableSeats: available,
		PricePerSeat:   schedule.PricePerSeat,
		Currency:       schedule.Currency,
		DepartureAt:    schedule.DepartureAt,
	}, nil
}

// PruneExpired deletes expired hold entries across all schedules
func (s *SeatHoldService) PruneExpired(ctx context.Context) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	nowMs := s.now().UnixMilli()

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, holdKeyPrefix+"*", 200).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan seat holds: %w", err)
		}
		for _, key := range keys {
			n, err := pruneHoldScript.Run(ctx, s.rdb, []string{key}, nowMs).Int64()
			if err != nil {
				return removed, fmt.Errorf("failed to prune seat holds in %s: %w", key, err)
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.WithField("count", removed).Info("Pruned expired seat holds")
	}
	return removed, nil
}

// Ping reports whether Redis is reachable
func (s *SeatHoldService) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func normaliseSeatLabels(seats []string) ([]string, error) {
	if len(seats) == 0 {
		return nil, &models.ValidationError{Field: "seats", Message: "at least one seat is required"}
	}
	out := make([]string, 0, len(seats))
	seen := make(map[string]bool, len(seats))
	for _, raw := range seats {
		seat := strings.TrimSpace(raw)
		if seat == "" {
			return nil, &models.ValidationError{Field: "seats", Message: "seat labels cannot be blank"}
		}
		if seen[seat] {
			return nil, &models.ValidationError{Field: "seats", Message: fmt.Sprintf("seat %s requested more than once", seat)}
		}
		seen[seat] = true
		out = append(out, seat)
	}
	return out, nil
}
