package utils

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBookingReference(t *testing.T) {
	now := time.Date(2026, 10, 19, 23, 30, 0, 0, time.UTC)

	ref, err := GenerateBookingReference(now)
	require.NoError(t, err)
	assert.Regexp(t, `^BK-20261019-[0-9A-F]{8}$`, ref)

	other, err := GenerateBookingReference(now)
	require.NoError(t, err)
	assert.NotEqual(t, ref, other)
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	bookingID := uuid.New()

	id, err := GenerateCorrelationID(bookingID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "BK-"+bookingID.String()[:8]+"-"))

	prefix, ok := EmbeddedBookingPrefix(id)
	require.True(t, ok)
	assert.Equal(t, bookingID.String()[:8], prefix)
}

func TestEmbeddedBookingPrefix_Rejects(t *testing.T) {
	for _, id := range []string{"", "cs_test_a1b2c3", "BK-20261019-ABCDEF12X", "BK-xyz-123", "FLW-12345678-aa"} {
		_, ok := EmbeddedBookingPrefix(id)
		assert.False(t, ok, id)
	}

	prefix, ok := EmbeddedBookingPrefix("BK-ABCDEF12-00ff")
	assert.True(t, ok)
	assert.Equal(t, "abcdef12", prefix)
}

func TestGetRealIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"X-Real-IP public", map[string]string{"X-Real-IP": "203.0.113.7"}, "10.0.0.1:1234", "203.0.113.7"},
		{"X-Real-IP private falls through", map[string]string{"X-Real-IP": "10.1.1.1", "X-Forwarded-For": "198.51.100.2"}, "10.0.0.1:1", "198.51.100.2"},
		{"Forwarded first public", map[string]string{"X-Forwarded-For": "10.0.0.5, 198.51.100.9, 203.0.113.1"}, "10.0.0.1:1", "198.51.100.9"},
		{"Forwarded all private", map[string]string{"X-Forwarded-For": "192.168.1.4, 10.0.0.1"}, "10.0.0.1:1", "192.168.1.4"},
		{"Direct", nil, "198.51.100.20:5555", "198.51.100.20"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("POST", "/", nil)
			c.Request.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				c.Request.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetRealIP(c))
		})
	}
}

func TestGetUserAgent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Del("User-Agent")
	assert.Equal(t, "Unknown", GetUserAgent(c))

	c.Request.Header.Set("User-Agent", "Stripe/1.0")
	assert.Equal(t, "Stripe/1.0", GetUserAgent(c))
}

func TestParseUserAgent(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		info := ParseUserAgent("")
		assert.Equal(t, "unknown", info.DeviceType)
		assert.Equal(t, "unknown", info.Platform)
	})

	t.Run("iPhone Safari", func(t *testing.T) {
		info := ParseUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1")
		assert.Equal(t, "mobile", info.DeviceType)
		assert.Equal(t, "ios", info.Platform)
		assert.False(t, info.IsBot)
	})

	t.Run("Windows Chrome", func(t *testing.T) {
		info := ParseUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		assert.Equal(t, "desktop", info.DeviceType)
		assert.Equal(t, "windows", info.Platform)
		assert.Equal(t, "Chrome", info.Browser)
	})

	t.Run("Crawler", func(t *testing.T) {
		info := ParseUserAgent("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
		assert.True(t, info.IsBot)
	})
}
