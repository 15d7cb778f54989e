package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/api/request"
	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/store"
	"github.com/edvin/certmgr/internal/vault"
)

// Passphrase serves the CA passphrase routes. Passphrases only ever flow
// from client to vault; no route returns one.
type Passphrase struct {
	store  *store.Store
	vault  *vault.Vault
	engine *engine.Engine
	logger zerolog.Logger
}

func NewPassphrase(logger zerolog.Logger, st *store.Store, v *vault.Vault, eng *engine.Engine) *Passphrase {
	return &Passphrase{store: st, vault: v, engine: eng, logger: logger}
}

// Check reports whether the record needs a passphrase and whether one is
// available.
func (h *Passphrase) Check(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	rec, err := h.store.Get(id)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteOK(w, http.StatusOK, map[string]any{
		"needsPassphrase": rec.NeedsPassphrase,
		"hasPassphrase":   h.vault.Has(rec.Fingerprint),
	})
}

// Set verifies and stores a CA passphrase, resuming any renewal paused in
// WaitingForPassphrase.
func (h *Passphrase) Set(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	var req request.SetPassphrase
	if err := request.Decode(r, &req); err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}

	rec, err := h.store.Get(id)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	if !rec.CertType.IsCA() {
		response.WriteError(w, model.E(model.KindConflict, "%s is not a CA record", rec.Name))
		return
	}
	if !rec.NeedsPassphrase {
		response.WriteError(w, model.E(model.KindConflict, "the key of %s is not encrypted", rec.Name))
		return
	}

	// Reject a wrong passphrase up front rather than at the next renewal,
	// and make sure the unlocked key actually signs the live certificate.
	signer, err := pki.LoadPrivateKeyFile(rec.KeyPath, []byte(req.Passphrase))
	if err != nil {
		response.WriteError(w, model.E(model.KindCrypto, "passphrase does not unlock the key of %s", rec.Name))
		return
	}
	cert, err := pki.ParseCertificateFile(rec.CertPath)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	if !pki.KeyMatches(cert, signer) {
		response.WriteError(w, model.E(model.KindCrypto, "the key of %s does not pair with its certificate", rec.Name))
		return
	}

	if err := h.vault.Set(rec.Fingerprint, []byte(req.Passphrase), req.Persist); err != nil {
		response.WriteError(w, err)
		return
	}
	h.engine.NotifyPassphrase(rec.Fingerprint)
	h.logger.Info().Str("name", rec.Name).Bool("persist", req.Persist).Msg("CA passphrase stored")
	response.WriteOK(w, http.StatusOK, nil)
}

// Clear removes a stored passphrase.
func (h *Passphrase) Clear(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	rec, err := h.store.Get(id)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	if err := h.vault.Delete(rec.Fingerprint); err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteOK(w, http.StatusOK, nil)
}
