package engine

import (
	"context"
	"crypto"
	"strings"
	"time"

	"github.com/edvin/certmgr/internal/acmeclient"
	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/platform"
	"github.com/edvin/certmgr/internal/store"
)

// renew builds new material for the record, commits it, and runs the deploy
// pipeline. Deploy failures are reported per action and do not fail the
// renewal itself.
func (e *Engine) renew(ctx context.Context, fp string, trigger Trigger) (*model.Certificate, error) {
	rec, err := e.store.Get(fp)
	if err != nil {
		return nil, err
	}
	if rec.IsErrorRecord() {
		return nil, model.E(model.KindConflict, "record %s is unreadable", rec.Name)
	}

	domains, ips := e.targetSANs(rec)
	settings := e.store.Settings()

	var material store.Material
	switch {
	case rec.Config.SignWithCA:
		material, err = e.renewWithCA(ctx, rec, domains, ips, settings)
	case rec.Config.ChallengeType != "" && rec.Config.ChallengeType != model.ChallengeNone:
		material, err = e.renewACME(ctx, rec, domains, settings)
	default:
		material, err = e.renewSelfSigned(ctx, rec, domains, ips, settings)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, model.Wrap(model.KindCancelled, err, "renewal cancelled before commit")
	}

	newRec, _, err := e.store.ReplaceLive(ctx, rec.Fingerprint, material, time.Now())
	if err != nil {
		return nil, err
	}

	if e.vault.Has(rec.Fingerprint) {
		if err := e.vault.Rekey(rec.Fingerprint, newRec.Fingerprint); err != nil {
			e.logger.Warn().Err(err).Str("name", rec.Name).Msg("vault rebind after renewal failed")
		}
	}

	e.mu.Lock()
	delete(e.staged, rec.Fingerprint)
	e.mu.Unlock()
	e.remap.record(rec.Fingerprint, newRec.Fingerprint)

	if len(newRec.Config.DeployActions) > 0 {
		result := e.deployer.Run(ctx, newRec, newRec.Config.DeployActions)
		if !result.OK {
			e.logger.Warn().Str("name", newRec.Name).Msg("one or more deploy actions failed")
		}
	}

	e.bus.Publish(model.TopicCertificateRenewed, model.CertificateRenewedEvent{
		OldFingerprint: rec.Fingerprint,
		NewFingerprint: newRec.Fingerprint,
		Name:           newRec.Name,
		Domains:        newRec.SANs.Domains,
	})
	e.logger.Info().
		Str("name", newRec.Name).
		Str("oldFingerprint", rec.Fingerprint).
		Str("newFingerprint", newRec.Fingerprint).
		Str("trigger", string(trigger)).
		Msg("certificate renewed")
	return newRec, nil
}

// targetSANs merges staged domain changes into the record's current SAN set.
func (e *Engine) targetSANs(rec *model.Certificate) (domains, ips []string) {
	e.mu.Lock()
	stage, staged := e.staged[rec.Fingerprint]
	e.mu.Unlock()

	domains = append([]string(nil), rec.SANs.Domains...)
	ips = append([]string(nil), rec.SANs.IPs...)
	if !staged {
		return domains, ips
	}

	removed := make(map[string]bool, len(stage.remove))
	for _, d := range stage.remove {
		removed[strings.ToLower(d)] = true
	}
	kept := domains[:0]
	for _, d := range domains {
		if !removed[strings.ToLower(d)] {
			kept = append(kept, d)
		}
	}
	domains = kept

	present := make(map[string]bool, len(domains))
	for _, d := range domains {
		present[strings.ToLower(d)] = true
	}
	for _, d := range stage.add {
		if platform.ValidateIP(d) {
			ips = append(ips, d)
			continue
		}
		if !present[strings.ToLower(d)] {
			domains = append(domains, d)
			present[strings.ToLower(d)] = true
		}
	}
	return domains, ips
}

func (e *Engine) renewWithCA(ctx context.Context, rec *model.Certificate, domains, ips []string, settings model.Settings) (store.Material, error) {
	if rec.Config.CAFingerprint == "" {
		return store.Material{}, model.E(model.KindConflict, "record %s has no signing CA configured", rec.Name)
	}
	caRec, err := e.store.Get(rec.Config.CAFingerprint)
	if err != nil {
		return store.Material{}, model.Wrap(model.KindOf(err), err, "resolve signing CA")
	}
	if !caRec.CertType.IsCA() {
		return store.Material{}, model.E(model.KindConflict, "%s is not a CA", caRec.Name)
	}

	caKey, _, err := e.loadRecordKey(ctx, caRec)
	if err != nil {
		return store.Material{}, err
	}
	if caKey == nil {
		return store.Material{}, model.E(model.KindCrypto, "CA %s has no private key", caRec.Name)
	}
	caCert, err := pki.ParseCertificateFile(caRec.CertPath)
	if err != nil {
		return store.Material{}, err
	}

	leafKey, leafPass, err := e.loadRecordKey(ctx, rec)
	if err != nil {
		return store.Material{}, err
	}
	if leafKey == nil {
		leafKey, err = pki.GenerateKey(keySpecOf(rec))
		if err != nil {
			return store.Material{}, err
		}
	}

	csrPEM, err := pki.CreateCSR(pki.CertParams{
		CommonName: commonNameOf(rec),
		Domains:    domains,
		IPs:        ips,
	}, leafKey)
	if err != nil {
		return store.Material{}, err
	}

	validity := settings.CAValidityPeriod.Days(rec.CertType)
	certPEM, err := pki.SignCSR(csrPEM, caCert, caKey, validity, rec.CertType)
	if err != nil {
		return store.Material{}, err
	}
	keyPEM, err := pki.EncodeKeyPEM(leafKey, leafPass)
	if err != nil {
		return store.Material{}, err
	}

	chain, err := caChain(e.store, caRec)
	if err != nil {
		return store.Material{}, err
	}
	return store.Material{CertPEM: certPEM, KeyPEM: keyPEM, ChainPEM: chain}, nil
}

func (e *Engine) renewACME(ctx context.Context, rec *model.Certificate, domains []string, settings model.Settings) (store.Material, error) {
	server, err := pickACMEServer(settings)
	if err != nil {
		return store.Material{}, err
	}
	directory := server.DirectoryURL
	if e.acmeDirectory != "" {
		directory = e.acmeDirectory
	}
	return e.issuer.Issue(ctx, acmeclient.OrderSpec{
		Domains:       domains,
		Email:         server.Email,
		ChallengeType: rec.Config.ChallengeType,
		DirectoryURL:  directory,
		Key:           keySpecOf(rec),
	})
}

func (e *Engine) renewSelfSigned(ctx context.Context, rec *model.Certificate, domains, ips []string, settings model.Settings) (store.Material, error) {
	signer, passphrase, err := e.loadRecordKey(ctx, rec)
	if err != nil {
		return store.Material{}, err
	}
	if signer == nil {
		signer, err = pki.GenerateKey(keySpecOf(rec))
		if err != nil {
			return store.Material{}, err
		}
	}

	certPEM, err := pki.SelfSignWithKey(pki.CertParams{
		CommonName:   commonNameOf(rec),
		CertType:     rec.CertType,
		Domains:      domains,
		IPs:          ips,
		ValidityDays: settings.CAValidityPeriod.Days(rec.CertType),
	}, signer)
	if err != nil {
		return store.Material{}, err
	}
	keyPEM, err := pki.EncodeKeyPEM(signer, passphrase)
	if err != nil {
		return store.Material{}, err
	}
	return store.Material{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// loadRecordKey loads the record's private key. Encrypted CA keys go through
// the vault, pausing in WaitingForPassphrase when no passphrase is stored.
// Encrypted non-CA keys cannot be unlocked; a nil signer tells the caller to
// generate a fresh key. The returned passphrase re-encrypts the key on commit.
func (e *Engine) loadRecordKey(ctx context.Context, rec *model.Certificate) (crypto.Signer, []byte, error) {
	if rec.KeyPath == "" {
		return nil, nil, nil
	}
	if !rec.NeedsPassphrase {
		signer, err := pki.LoadPrivateKeyFile(rec.KeyPath, nil)
		if err != nil {
			return nil, nil, err
		}
		return signer, nil, nil
	}
	if !rec.CertType.IsCA() {
		return nil, nil, nil
	}
	passphrase, err := e.awaitPassphrase(ctx, rec)
	if err != nil {
		return nil, nil, err
	}
	signer, err := pki.LoadPrivateKeyFile(rec.KeyPath, passphrase)
	if err != nil {
		return nil, nil, err
	}
	return signer, passphrase, nil
}

// awaitPassphrase fetches the CA passphrase from the vault, pausing the
// renewal and publishing ca-passphrase-required when none is stored yet.
func (e *Engine) awaitPassphrase(ctx context.Context, rec *model.Certificate) ([]byte, error) {
	if secret, err := e.vault.Get(rec.Fingerprint); err == nil {
		return secret, nil
	}

	ch := make(chan struct{})
	e.mu.Lock()
	e.passWaiters[rec.Fingerprint] = append(e.passWaiters[rec.Fingerprint], ch)
	e.setStatusLocked(rec.Fingerprint, Status{State: StateWaitingForPassphrase, Since: time.Now()})
	e.mu.Unlock()

	e.bus.Publish(model.TopicCAPassphraseRequired, model.CAPassphraseRequiredEvent{
		Fingerprint: rec.Fingerprint,
		Name:        rec.Name,
	})
	e.logger.Info().Str("name", rec.Name).Msg("renewal paused waiting for CA passphrase")

	timer := time.NewTimer(e.passphraseTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-ch:
	case <-timer.C:
		err = model.E(model.KindPassphraseRequired, "no passphrase provided for %s", rec.Name)
	case <-ctx.Done():
		err = model.Wrap(model.KindCancelled, ctx.Err(), "passphrase wait cancelled")
	}

	e.mu.Lock()
	e.removeWaiterLocked(rec.Fingerprint, ch)
	if err == nil {
		e.setStatusLocked(rec.Fingerprint, Status{State: StateRunning, Since: time.Now()})
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.vault.Get(rec.Fingerprint)
}

func (e *Engine) removeWaiterLocked(fp string, ch chan struct{}) {
	waiters := e.passWaiters[fp]
	for i, w := range waiters {
		if w == ch {
			e.passWaiters[fp] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(e.passWaiters[fp]) == 0 {
		delete(e.passWaiters, fp)
	}
}

// caChain concatenates the CA's own certificate with its chain, producing
// the chain material of a freshly signed leaf.
func caChain(st *store.Store, caRec *model.Certificate) ([]byte, error) {
	material, err := st.ReadMaterial(caRec.Fingerprint)
	if err != nil {
		return nil, err
	}
	chain := append([]byte(nil), material.CertPEM...)
	chain = append(chain, material.ChainPEM...)
	return chain, nil
}

func pickACMEServer(settings model.Settings) (model.ACMEServer, error) {
	if len(settings.ACMEServers) == 0 {
		return model.ACMEServer{}, model.E(model.KindAcme, "no ACME servers configured")
	}
	return settings.ACMEServers[0], nil
}

// keySpecOf mirrors the record's current key parameters so renewal keeps the
// key family stable.
func keySpecOf(rec *model.Certificate) pki.KeySpec {
	switch rec.KeyAlgorithm {
	case model.KeyAlgorithmRSA:
		bits := rec.KeyLength
		if bits != 2048 && bits != 3072 && bits != 4096 {
			bits = 2048
		}
		return pki.KeySpec{Algorithm: model.KeyAlgorithmRSA, Bits: bits}
	case model.KeyAlgorithmECDSA:
		curve := "P-256"
		switch rec.KeyLength {
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

// commonNameOf extracts the CN from the stored subject line, falling back to
// the record name.
func commonNameOf(rec *model.Certificate) string {
	for _, part := range strings.Split(rec.Subject, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "CN=") {
			return strings.TrimPrefix(part, "CN=")
		}
	}
	return rec.Name
}

func validDomainOrIP(s string) bool {
	return platform.ValidateDomain(s) || platform.ValidateIP(s)
}
