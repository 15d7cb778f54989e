package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/acmeclient"
	"github.com/edvin/certmgr/internal/api/request"
	"github.com/edvin/certmgr/internal/api/response"
	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/platform"
	"github.com/edvin/certmgr/internal/store"
	"github.com/edvin/certmgr/internal/vault"
)

// Certificate serves the record CRUD, renewal, and backup routes.
type Certificate struct {
	store         *store.Store
	vault         *vault.Vault
	engine        *engine.Engine
	issuer        engine.Issuer
	bus           *events.Bus
	logger        zerolog.Logger
	acmeDirectory string
}

func NewCertificate(logger zerolog.Logger, st *store.Store, v *vault.Vault, eng *engine.Engine, issuer engine.Issuer, bus *events.Bus, acmeDirectory string) *Certificate {
	return &Certificate{
		store:         st,
		vault:         v,
		engine:        eng,
		issuer:        issuer,
		bus:           bus,
		logger:        logger,
		acmeDirectory: acmeDirectory,
	}
}

// List returns every record, each annotated with its renewal state.
func (h *Certificate) List(w http.ResponseWriter, r *http.Request) {
	records := h.store.List()
	states := make(map[string]engine.Status, len(records))
	for _, rec := range records {
		states[rec.Fingerprint] = h.engine.Status(rec.Fingerprint)
	}
	response.WriteOK(w, http.StatusOK, map[string]any{
		"certificates":  records,
		"renewalStates": states,
	})
}

// Get resolves a record by fingerprint, prefix, or name. A fingerprint that
// was renewed away within the grace period resolves to its successor, with
// the new fingerprint called out so clients can migrate.
func (h *Certificate) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}

	rec, err := h.store.Get(id)
	if err == nil {
		response.WriteOK(w, http.StatusOK, map[string]any{
			"certificate":  rec,
			"renewalState": h.engine.Status(rec.Fingerprint),
		})
		return
	}
	if !model.IsKind(err, model.KindNotFound) {
		response.WriteError(w, err)
		return
	}

	if newFP, ok := h.engine.RemappedFingerprint(platform.NormalizeFingerprint(id)); ok {
		if rec, rerr := h.store.Get(newFP); rerr == nil {
			response.WriteOK(w, http.StatusOK, map[string]any{
				"certificate":    rec,
				"newFingerprint": newFP,
				"renewalState":   h.engine.Status(newFP),
			})
			return
		}
	}
	response.WriteError(w, err)
}

// Create issues a new certificate: CA-signed, via ACME, or self-signed.
func (h *Certificate) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateCertificate
	if err := request.Decode(r, &req); err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}

	if req.Name == "" {
		if len(req.Domains) == 0 {
			response.WriteBadRequest(w, "a name or at least one domain is required")
			return
		}
		req.Name = req.Domains[0]
	}

	settings := h.store.Settings()
	certType := model.CertType(req.CertType)
	if certType == "" {
		certType = model.CertTypeStandard
	}
	challenge := model.ChallengeType(req.ChallengeType)
	if challenge == "" {
		challenge = model.ChallengeNone
	}
	if certType == model.CertTypeRootCA && req.SignWithCA {
		response.WriteBadRequest(w, "a root CA cannot be signed by another CA")
		return
	}
	if certType.IsCA() && challenge != model.ChallengeNone {
		response.WriteBadRequest(w, "CA records do not support ACME challenges")
		return
	}

	autoRenew := settings.AutoRenewByDefault
	if req.AutoRenew != nil {
		autoRenew = *req.AutoRenew
	}
	cfg := model.CertConfig{
		AutoRenew:             autoRenew,
		RenewDaysBeforeExpiry: req.RenewDaysBeforeExpiry,
		SignWithCA:            req.SignWithCA,
		CAFingerprint:         req.CAFingerprint,
		ChallengeType:         challenge,
	}
	validity := req.ValidityDays
	if validity == 0 {
		validity = settings.CAValidityPeriod.Days(certType)
	}
	params := pki.CertParams{
		CommonName:   req.Name,
		CertType:     certType,
		Domains:      req.Domains,
		IPs:          req.IPs,
		ValidityDays: validity,
		Key:          keySpecFromRequest(req),
	}

	var (
		material store.Material
		issuerFP string
		err      error
	)
	switch {
	case req.SignWithCA:
		material, issuerFP, err = h.issueSigned(r, params, req)
	case challenge != model.ChallengeNone:
		material, err = h.issueACME(r, params, challenge, settings)
	default:
		material.CertPEM, material.KeyPEM, err = pki.CreateSelfSigned(params, passphraseBytes(req.Passphrase))
	}
	if err != nil {
		response.WriteError(w, err)
		return
	}

	rec, err := h.store.PutNew(material, store.NewRecordMeta{
		Name:              req.Name,
		Config:            cfg,
		IssuerFingerprint: issuerFP,
		Passphrase:        passphraseBytes(req.Passphrase),
	})
	if err != nil {
		response.WriteError(w, err)
		return
	}

	// Keep a CA passphrase at hand so the first renewal does not pause.
	if rec.NeedsPassphrase && req.Passphrase != "" {
		if err := h.vault.Set(rec.Fingerprint, []byte(req.Passphrase), false); err != nil {
			h.logger.Warn().Err(err).Str("name", rec.Name).Msg("cache passphrase for new record")
		}
	}

	h.bus.Publish(model.TopicCertificateUpdated, model.CertificateUpdatedEvent{Fingerprint: rec.Fingerprint})
	response.WriteOK(w, http.StatusCreated, map[string]any{"certificate": rec})
}

func (h *Certificate) issueSigned(r *http.Request, params pki.CertParams, req request.CreateCertificate) (store.Material, string, error) {
	if req.CAFingerprint == "" {
		return store.Material{}, "", model.E(model.KindInvalidRequest, "signWithCA requires caFingerprint")
	}
	caRec, err := h.store.Get(req.CAFingerprint)
	if err != nil {
		return store.Material{}, "", err
	}
	if !caRec.CertType.IsCA() {
		return store.Material{}, "", model.E(model.KindConflict, "%s is not a CA", caRec.Name)
	}

	var caPass []byte
	if caRec.NeedsPassphrase {
		caPass, err = h.vault.Get(caRec.Fingerprint)
		if err != nil {
			h.bus.Publish(model.TopicCAPassphraseRequired, model.CAPassphraseRequiredEvent{
				Fingerprint: caRec.Fingerprint,
				Name:        caRec.Name,
			})
			return store.Material{}, "", model.E(model.KindPassphraseRequired, "CA %s requires a passphrase", caRec.Name)
		}
	}
	caKey, err := pki.LoadPrivateKeyFile(caRec.KeyPath, caPass)
	if err != nil {
		return store.Material{}, "", err
	}
	caCert, err := pki.ParseCertificateFile(caRec.CertPath)
	if err != nil {
		return store.Material{}, "", err
	}

	leafKey, err := pki.GenerateKey(params.Key)
	if err != nil {
		return store.Material{}, "", err
	}
	csrPEM, err := pki.CreateCSR(params, leafKey)
	if err != nil {
		return store.Material{}, "", err
	}
	certPEM, err := pki.SignCSR(csrPEM, caCert, caKey, params.ValidityDays, params.CertType)
	if err != nil {
		return store.Material{}, "", err
	}
	keyPEM, err := pki.EncodeKeyPEM(leafKey, passphraseBytes(req.Passphrase))
	if err != nil {
		return store.Material{}, "", err
	}

	caMaterial, err := h.store.ReadMaterial(caRec.Fingerprint)
	if err != nil {
		return store.Material{}, "", err
	}
	chain := append(append([]byte(nil), caMaterial.CertPEM...), caMaterial.ChainPEM...)
	return store.Material{CertPEM: certPEM, KeyPEM: keyPEM, ChainPEM: chain}, caRec.Fingerprint, nil
}

func (h *Certificate) issueACME(r *http.Request, params pki.CertParams, challenge model.ChallengeType, settings model.Settings) (store.Material, error) {
	if len(settings.ACMEServers) == 0 {
		return store.Material{}, model.E(model.KindAcme, "no ACME servers configured")
	}
	server := settings.ACMEServers[0]
	directory := server.DirectoryURL
	if h.acmeDirectory != "" {
		directory = h.acmeDirectory
	}
	return h.issuer.Issue(r.Context(), acmeclient.OrderSpec{
		Domains:       params.Domains,
		Email:         server.Email,
		ChallengeType: challenge,
		DirectoryURL:  directory,
		Key:           params.Key,
	})
}

// Upload imports existing PEM material as a new record.
func (h *Certificate) Upload(w http.ResponseWriter, r *http.Request) {
	var req request.UploadCertificate
	if err := request.Decode(r, &req); err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}

	settings := h.store.Settings()
	rec, err := h.store.PutNew(store.Material{
		CertPEM:  []byte(req.CertPEM),
		KeyPEM:   []byte(req.KeyPEM),
		ChainPEM: []byte(req.ChainPEM),
	}, store.NewRecordMeta{
		Name: req.Name,
		Config: model.CertConfig{
			AutoRenew:     settings.AutoRenewByDefault,
			ChallengeType: model.ChallengeNone,
		},
		Passphrase: passphraseBytes(req.Passphrase),
	})
	if err != nil {
		response.WriteError(w, err)
		return
	}

	h.bus.Publish(model.TopicCertificateUpdated, model.CertificateUpdatedEvent{Fingerprint: rec.Fingerprint})
	response.WriteOK(w, http.StatusCreated, map[string]any{"certificate": rec})
}

// Delete removes a record, its backups, and any vault entry.
func (h *Certificate) Delete(w http.ResponseWriter, r *http.Request) {
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
	if err := h.store.Delete(rec.Fingerprint); err != nil {
		response.WriteError(w, err)
		return
	}
	h.vault.Delete(rec.Fingerprint)

	h.bus.Publish(model.TopicCertificateDeleted, model.CertificateDeletedEvent{Fingerprint: rec.Fingerprint})
	response.WriteOK(w, http.StatusOK, map[string]any{"fingerprint": rec.Fingerprint})
}

// Renew queues a manual renewal.
func (h *Certificate) Renew(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	fp, err := h.engine.Enqueue(id, engine.TriggerManual)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteOK(w, http.StatusAccepted, map[string]any{
		"fingerprint": fp,
		"state":       h.engine.Status(fp).State,
	})
}

// CancelRenew delivers a cancel signal to an in-flight renewal.
func (h *Certificate) CancelRenew(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	if err := h.engine.Cancel(id); err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteOK(w, http.StatusOK, nil)
}

// SetConfig replaces the renewal and deployment configuration.
func (h *Certificate) SetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	var req request.UpdateConfig
	if err := request.Decode(r, &req); err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	rec, err := h.store.UpdateConfig(id, req.Config())
	if err != nil {
		response.WriteError(w, err)
		return
	}
	h.bus.Publish(model.TopicCertificateUpdated, model.CertificateUpdatedEvent{Fingerprint: rec.Fingerprint})
	response.WriteOK(w, http.StatusOK, map[string]any{"certificate": rec})
}

// UpdateDomains stages SAN changes and renews immediately, returning the new
// fingerprint.
func (h *Certificate) UpdateDomains(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	var req request.UpdateDomains
	if err := request.Decode(r, &req); err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	newFP, err := h.engine.UpdateDomains(r.Context(), id, req.Add, req.Remove)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteOK(w, http.StatusOK, map[string]any{"newFingerprint": newFP})
}

// Backups lists a record's previous versions.
func (h *Certificate) Backups(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	backups, err := h.store.Backups(id)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	response.WriteOK(w, http.StatusOK, map[string]any{"backups": backups})
}

// Restore reverts a record to one of its backups. The restored version goes
// through the same commit path as a renewal, so the current live version
// rolls into the backup chain.
func (h *Certificate) Restore(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}
	var req request.RestoreBackup
	if err := request.Decode(r, &req); err != nil {
		response.WriteBadRequest(w, err.Error())
		return
	}

	oldRec, err := h.store.Get(id)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	rec, err := h.store.Restore(r.Context(), id, req.Fingerprint)
	if err != nil {
		response.WriteError(w, err)
		return
	}
	if h.vault.Has(oldRec.Fingerprint) {
		if err := h.vault.Rekey(oldRec.Fingerprint, rec.Fingerprint); err != nil {
			h.logger.Warn().Err(err).Str("name", rec.Name).Msg("vault rebind after restore failed")
		}
	}

	h.bus.Publish(model.TopicCertificateRenewed, model.CertificateRenewedEvent{
		OldFingerprint: oldRec.Fingerprint,
		NewFingerprint: rec.Fingerprint,
		Name:           rec.Name,
		Domains:        rec.SANs.Domains,
	})
	response.WriteOK(w, http.StatusOK, map[string]any{"certificate": rec})
}

func keySpecFromRequest(req request.CreateCertificate) pki.KeySpec {
	switch model.KeyAlgorithm(req.KeyType) {
	case model.KeyAlgorithmRSA:
		bits := req.KeySize
		if bits != 2048 && bits != 3072 && bits != 4096 {
			bits = 2048
		}
		return pki.KeySpec{Algorithm: model.KeyAlgorithmRSA, Bits: bits}
	case model.KeyAlgorithmECDSA:
		curve := "P-256"
		switch req.KeySize {
		case 384:
			curve = "P-384"
		case 521:
			curve = "P-521"
		}
		return pki.KeySpec{Algorithm: model.KeyAlgorithmECDSA, Curve: curve}
	default:
		return pki.DefaultKeySpec()
	}
}

func passphraseBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
