package sms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatPhoneForDialog(t *testing.T) {
	for _, in := range []string{"0771234567", "94771234567", "+94 77 123 4567"} {
		out, err := FormatPhoneForDialog(in)
		require.NoError(t, err, in)
		assert.Equal(t, "771234567", out)
	}

	_, err := FormatPhoneForDialog("0112345678")
	assert.Error(t, err)

	_, err = FormatPhoneForDialog("+2348031234567")
	assert.Error(t, err)
}

func TestDialogURLGateway_Send(t *testing.T) {
	var gotList, gotKey, gotMask, gotMessage string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotList, gotKey, gotMask, gotMessage = q.Get("list"), q.Get("esmsqk"), q.Get("source_address"), q.Get("message")
		fmt.Fprint(w, "1")
	}))
	defer server.Close()

	g := NewDialogURLGateway(server.URL, "key123", "SmartTrans")
	err := g.Send(context.Background(), "+94771234567", "Booking BK-20261019-ABCD1234 confirmed")
	require.NoError(t, err)

	assert.Equal(t, "771234567", gotList)
	assert.Equal(t, "key123", gotKey)
	assert.Equal(t, "SmartTrans", gotMask)
	assert.Equal(t, "Booking BK-20261019-ABCD1234 confirmed", gotMessage)
}

func TestDialogURLGateway_SendErrorCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "2001")
	}))
	defer server.Close()

	g := NewDialogURLGateway(server.URL, "key", "mask")
	err := g.Send(context.Background(), "0771234567", "hello")
	assert.ErrorContains(t, err, "2001")
}

func TestDialogURLGateway_SendHTTPStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewDialogURLGateway(server.URL, "key", "mask")
	err := g.Send(context.Background(), "0771234567", "hello")
	assert.ErrorContains(t, err, "502")
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(logrus.New())
	assert.NoError(t, s.Send(context.Background(), "0771234567", "hi"))
	assert.Equal(t, "log", s.Name())
	assert.Equal(t, "dialog_url", NewDialogURLGateway("", "", "").Name())
}
