package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certmgr/internal/model"
)

func TestWriteOK_MergesPayloadIntoEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteOK(rec, http.StatusCreated, map[string]any{"fingerprint": "abc123"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "abc123", body["fingerprint"])
}

func TestWriteError_KindAndMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, model.E(model.KindNotFound, "no record matches %q", "dead"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Success bool      `json:"success"`
		Error   ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, model.KindNotFound, body.Error.Kind)
	assert.Contains(t, body.Error.Message, "dead")
}

func TestStatusOf(t *testing.T) {
	cases := map[model.ErrorKind]int{
		model.KindNotFound:           http.StatusNotFound,
		model.KindAmbiguous:          http.StatusConflict,
		model.KindConflict:           http.StatusConflict,
		model.KindCancelled:          http.StatusConflict,
		model.KindInvalidDomain:      http.StatusBadRequest,
		model.KindInvalidRequest:     http.StatusBadRequest,
		model.KindPassphraseRequired: http.StatusLocked,
		model.KindAcme:               http.StatusBadGateway,
		model.KindDockerUnavailable:  http.StatusBadGateway,
		model.KindCrypto:             http.StatusInternalServerError,
		model.KindIO:                 http.StatusInternalServerError,
		model.KindCommandFailed:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusOf(kind), "kind %s", kind)
	}
}
