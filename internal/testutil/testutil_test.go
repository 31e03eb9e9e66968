package testutil

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalRequest(t *testing.T) {
	t.Parallel()

	req := LocalRequest(http.MethodPost, "/debug/autopilot-send-api", strings.NewReader("line=x"))
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/debug/autopilot-send-api", req.URL.Path)
	assert.Equal(t, LoopbackAddr, req.RemoteAddr)
}

func TestServeAndDecode(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"seq":4}`))
	})
	rec := Serve(h, LocalRequest(http.MethodGet, "/api/cycle", nil))
	AssertStatusCode(t, rec, http.StatusOK)

	var got struct {
		Seq int `json:"seq"`
	}
	DecodeJSON(t, rec, &got)
	assert.Equal(t, 4, got.Seq)
}
