package keygenclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/robcowart/ibekd/internal/ibe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newAuthority(t *testing.T) (*httptest.Server, *ibe.CSR) {
	t.Helper()
	var received ibe.CSR
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "node-pass" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": "tok-" + body["username"]})
	})
	mux.HandleFunc("GET /system/{name}/number", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "IBE_SERVER" {
			writeJSON(w, http.StatusOK, Response{ResultCode: 1, Message: "no such system"})
			return
		}
		writeJSON(w, http.StatusOK, Response{Payload: json.RawMessage(`7`)})
	})
	mux.HandleFunc("GET /system/all", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"7": "IBE_SERVER", "bogus": "skip"})
	})
	mux.HandleFunc("GET /system/allparam", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]*ibe.PublicParameter{
			"7": {Pairing: []byte("bn256"), ParamG: []byte{1, 2, 3}},
		})
	})
	mux.HandleFunc("POST /singleid", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-node" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization"})
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		payload, _ := json.Marshal([]byte("sealed-capsule"))
		writeJSON(w, http.StatusOK, Response{Message: "ok", Payload: payload})
	})
	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestClient(t *testing.T) {
	srv, received := newAuthority(t)
	ctx := context.Background()
	client := New(srv.URL+"/", time.Second)

	t.Run("Identity request needs a login", func(t *testing.T) {
		_, err := client.RequestIdentity(ctx, &ibe.CSR{IdentityString: "node-1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTransport))

		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
		assert.Equal(t, "missing authorization", te.Message)
	})

	t.Run("Login", func(t *testing.T) {
		err := client.Login(ctx, "node", "wrong")
		assert.ErrorIs(t, err, ErrTransport)

		require.NoError(t, client.Login(ctx, "node", "node-pass"))
	})

	t.Run("System number", func(t *testing.T) {
		id, err := client.SystemNumber(ctx, "IBE_SERVER")
		require.NoError(t, err)
		assert.EqualValues(t, 7, id)

		_, err = client.SystemNumber(ctx, "MISSING")
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 1, te.ResultCode)
		assert.Equal(t, "no such system", te.Message)
	})

	t.Run("Systems and parameters", func(t *testing.T) {
		systems, err := client.AllSystems(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[int64]string{7: "IBE_SERVER"}, systems)

		params, err := client.AllParameters(ctx)
		require.NoError(t, err)
		require.Contains(t, params, int64(7))
		assert.Equal(t, []byte("bn256"), params[7].Pairing)
		assert.Equal(t, []byte{1, 2, 3}, params[7].ParamG)
	})

	t.Run("Identity request", func(t *testing.T) {
		csr := &ibe.CSR{
			IdentityString:  "node-1",
			SystemID:        7,
			ApplicationDate: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			ValidityPeriod:  1000,
			Password:        []byte{0xde, 0xad},
		}
		capsule, err := client.RequestIdentity(ctx, csr)
		require.NoError(t, err)
		assert.Equal(t, []byte("sealed-capsule"), capsule)
		assert.Equal(t, *csr, *received)
	})

	t.Run("Undecodable body", func(t *testing.T) {
		err := client.call(ctx, "broken", http.MethodGet, "/broken", nil, false, nil)
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("Unreachable authority", func(t *testing.T) {
		dead := New("http://127.0.0.1:1", 200*time.Millisecond)
		_, err := dead.AllSystems(ctx)
		assert.ErrorIs(t, err, ErrTransport)
	})
}
