package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportSendsIdentityHeaders(t *testing.T) {
	var gotDevice, gotContentType, gotClock string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice = r.Header.Get("X-Device-ID")
		gotContentType = r.Header.Get("Content-Type")
		gotClock = r.Header.Get("X-Client-Timestamp")
		writeBody(w, UploadResult{})
	}))
	defer srv.Close()

	deviceID := uuid.NewString()
	tr := NewTransport(srv.URL, deviceID, time.Second)
	_, err := tr.Upload(context.Background(), "users", nil)
	require.NoError(t, err)

	assert.Equal(t, deviceID, gotDevice)
	assert.Equal(t, "application/json", gotContentType)
	_, parseErr := time.Parse(time.RFC3339Nano, gotClock)
	assert.NoError(t, parseErr)
}

func TestTransportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, uuid.NewString(), time.Second)
	_, err := tr.Download(context.Background(), "users", "", 10)

	var se *ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Status)
	assert.Equal(t, "nope", se.Message)
}

func TestTransportNetworkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	tr := NewTransport(srv.URL, uuid.NewString(), time.Second)
	err := tr.Health(context.Background())
	assert.ErrorIs(t, err, ErrNetworkUnreachable)
}

func TestTransportTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer func() { close(block); srv.Close() }()

	tr := NewTransport(srv.URL, uuid.NewString(), 50*time.Millisecond)
	err := tr.Health(context.Background())
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestFetchDependenciesDecodes(t *testing.T) {
	partyID := uuid.NewString()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, map[string]any{
			"dependencies": map[string][]map[string]any{
				"parties": {{"id": partyID, "name": "Acme"}},
			},
		})
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, uuid.NewString(), time.Second)
	deps, err := tr.FetchDependencies(context.Background(), "jobs", []string{uuid.NewString()})
	require.NoError(t, err)
	require.Len(t, deps["parties"], 1)
	assert.Equal(t, partyID, deps["parties"][0]["id"])
}
