package oracle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nashlabs/lendmarket/internal/crypto"
)

func TestRefreshScoresSignsAndParsesFlatMapping(t *testing.T) {
	var gotPassword, gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPassword = r.Header.Get("Password")
		gotSignature = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"u1":0.42,"u2":"0.91"}`))
	}))
	defer srv.Close()

	c := New(ClientConfig{
		URL:          srv.URL,
		Password:     "receive-pass",
		SharedSecret: "dev-secret",
	})

	scores, err := c.RefreshScores(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)

	assert.Equal(t, "receive-pass", gotPassword)
	assert.True(t, crypto.VerifySignature("dev-secret", gotBody, gotSignature))

	var payload map[string][]string
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, []string{"u1", "u2"}, payload["uuids"])

	assert.Equal(t, map[string]float64{"u1": 0.42, "u2": 0.91}, scores)
}

func TestRefreshScoresParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"mapping":{"u1":0.33}}`))
	}))
	defer srv.Close()

	scores, err := New(ClientConfig{URL: srv.URL}).RefreshScores(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"u1": 0.33}, scores)
}

func TestRefreshScoresErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := New(ClientConfig{URL: srv.URL}).RefreshScores(context.Background(), []string{"u1"})
	assert.Error(t, err)
}

func TestRefreshScoresGarbageBodyYieldsEmptyMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1,2,3]`))
	}))
	defer srv.Close()

	scores, err := New(ClientConfig{URL: srv.URL}).RefreshScores(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.Empty(t, scores)
}
