package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/smarttransit/seat-booking-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBooking_Success(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/bookings", env.token(t, env.userID), bookingBody(env.schedule.ID, "1A", "1B"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, env.schedule.ID.String(), body["schedule_id"])
	assert.Equal(t, float64(3000), body["total_amount"])
	assert.Equal(t, "LKR", body["currency"])
	assert.Equal(t, string(models.BookingStatusPending), body["booking_status"])
	assert.Equal(t, string(models.PaymentStatusPending), body["payment_status"])
	assert.NotEmpty(t, body["reference"])

	schedule, err := env.store.GetSchedule(context.Background(), env.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, schedule.AvailableSeats)
}

func TestCreateBooking_SeatConflict(t *testing.T) {
	env := newHandlerEnv(t)
	env.createBooking(t, env.userID, "1A")

	w := env.do(t, http.MethodPost, "/api/v1/bookings", env.token(t, env.otherID), bookingBody(env.schedule.ID, "1A", "2A"))
	require.Equal(t, http.StatusConflict, w.Code)

	body := decode(t, w)
	assert.Equal(t, "SEATS_UNAVAILABLE", body["code"])
	assert.Equal(t, []interface{}{"1A"}, body["conflicting_seats"])
	assert.Equal(t, "booked", body["reason"])
}

func TestCreateBooking_Rejections(t *testing.T) {
	env := newHandlerEnv(t)
	token := env.token(t, env.userID)

	tests := []struct {
		name   string
		token  string
		body   interface{}
		status int
	}{
		{"No auth", "", bookingBody(env.schedule.ID, "1A"), http.StatusUnauthorized},
		{"Missing seats", token, map[string]interface{}{"schedule_id": env.schedule.ID}, http.StatusBadRequest},
		{"Passenger count mismatch", token, CreateBookingRequest{
			ScheduleID: env.schedule.ID,
			Seats:      []string{"1A", "1B"},
			Passengers: []models.Passenger{{SeatLabel: "1A", Name: "Only One"}},
		}, http.StatusBadRequest},
		{"Unknown schedule", token, bookingBody(uuid.New(), "1A"), http.StatusNotFound},
		{"Over capacity", token, bookingBody(env.schedule.ID, "1A", "1B", "1C", "1D", "2A"), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/bookings", tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestGetBooking_OwnerOnly(t *testing.T) {
	env := newHandlerEnv(t)
	bookingID := env.createBooking(t, env.userID, "1A")
	path := "/api/v1/bookings/" + bookingID.String()

	w := env.do(t, http.MethodGet, path, env.token(t, env.userID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, bookingID.String(), decode(t, w)["id"])

	w = env.do(t, http.MethodGet, path, env.token(t, env.otherID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/bookings/not-a-uuid", env.token(t, env.userID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelBooking(t *testing.T) {
	env := newHandlerEnv(t)
	bookingID := env.createBooking(t, env.userID, "1A", "1B")
	path := "/api/v1/bookings/" + bookingID.String() + "/cancel"

	w := env.do(t, http.MethodPost, path, env.token(t, env.otherID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, path, env.token(t, env.userID), CancelBookingRequest{Reason: "changed plans"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(models.BookingStatusCancelled), decode(t, w)["booking_status"])

	schedule, err := env.store.GetSchedule(context.Background(), env.schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, schedule.AvailableSeats)
	assert.Empty(t, schedule.BookedSeats)

	// the freed seats can be booked again
	env.createBooking(t, env.otherID, "1A")
}

func TestCancelBooking_PaidIsRejected(t *testing.T) {
	env := newHandlerEnv(t)
	bookingID := env.createBooking(t, env.userID, "1A")
	session := env.initiate(t, bookingID, models.ProviderStripe)

	w := env.webhook(t, models.ProviderStripe, testSignatureValue, fakeWebhookBody{
		Type: "payment", CorrelationID: session.CorrelationID, Status: "paid", Amount: 1500, Currency: "LKR",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/bookings/"+bookingID.String()+"/cancel", env.token(t, env.userID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", decode(t, w)["code"])
}
