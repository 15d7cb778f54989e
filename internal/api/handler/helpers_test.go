package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certmgr/internal/acmeclient"
	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/store"
	"github.com/edvin/certmgr/internal/vault"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeResponse parses the JSON envelope into a map.
func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// errorKindOf pulls error.kind from a decoded envelope.
func errorKindOf(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	kind, _ := errObj["kind"].(string)
	return kind
}

// fakeIssuer satisfies engine.Issuer without talking to an ACME server.
type fakeIssuer struct {
	specs []acmeclient.OrderSpec
	err   error
}

func (f *fakeIssuer) Issue(_ context.Context, spec acmeclient.OrderSpec) (store.Material, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return store.Material{}, f.err
	}
	certPEM, keyPEM, err := pki.CreateSelfSigned(pki.CertParams{
		CommonName:   spec.Domains[0],
		CertType:     model.CertTypeStandard,
		Domains:      spec.Domains,
		ValidityDays: 90,
		Key:          pki.DefaultKeySpec(),
	}, nil)
	if err != nil {
		return store.Material{}, err
	}
	return store.Material{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

type fixture struct {
	store  *store.Store
	vault  *vault.Vault
	engine *engine.Engine
	bus    *events.Bus
	issuer *fakeIssuer
}

// newFixture wires a real store, vault, and engine onto a temp directory.
// The engine is not started; queued renewals stay queued, which is enough
// for route-level assertions.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	v, err := vault.Open(t.TempDir(), "test-master-secret")
	require.NoError(t, err)
	bus := events.NewBus()
	t.Cleanup(bus.Shutdown)

	issuer := &fakeIssuer{}
	eng := engine.New(logger, st, v, issuer, nil, bus)

	return &fixture{store: st, vault: v, engine: eng, bus: bus, issuer: issuer}
}

func (f *fixture) certificateHandler() *Certificate {
	return NewCertificate(zerolog.Nop(), f.store, f.vault, f.engine, f.issuer, f.bus, "")
}

func (f *fixture) passphraseHandler() *Passphrase {
	return NewPassphrase(zerolog.Nop(), f.store, f.vault, f.engine)
}

// putSelfSigned stores a freshly generated record and returns it.
func (f *fixture) putSelfSigned(t *testing.T, name string, certType model.CertType, domains []string, passphrase string) *model.Certificate {
	t.Helper()
	certPEM, keyPEM, err := pki.CreateSelfSigned(pki.CertParams{
		CommonName:   name,
		CertType:     certType,
		Domains:      domains,
		ValidityDays: 365,
		Key:          pki.DefaultKeySpec(),
	}, passphraseBytes(passphrase))
	require.NoError(t, err)

	rec, err := f.store.PutNew(store.Material{CertPEM: certPEM, KeyPEM: keyPEM}, store.NewRecordMeta{
		Name:       name,
		Config:     model.CertConfig{ChallengeType: model.ChallengeNone},
		Passphrase: passphraseBytes(passphrase),
	})
	require.NoError(t, err)
	return rec
}
