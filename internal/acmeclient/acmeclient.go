// Package acmeclient obtains certificates from an ACME directory. The rest
// of the service only sees Issue; challenge side effects (webroot files,
// DNS TXT records, the standalone port-80 listener) stay inside this package.
package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"

	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/pki"
	"github.com/edvin/certmgr/internal/store"
)

// DefaultIssueTimeout bounds one complete order, from registration through
// finalization.
const DefaultIssueTimeout = 10 * time.Minute

// OrderSpec describes one certificate order.
type OrderSpec struct {
	Domains       []string
	Email         string
	ChallengeType model.ChallengeType
	DirectoryURL  string
	// Key selects the leaf key algorithm; zero value means ECDSA P-256.
	Key pki.KeySpec
	// CSR, when set, is a DER-encoded request whose key the caller holds;
	// the returned material then carries no key PEM.
	CSR []byte
}

// Client issues certificates via ACME.
type Client struct {
	logger         zerolog.Logger
	webroot        string
	dnsHookCommand string
	standaloneAddr string
	issueTimeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithWebroot sets the directory serving /.well-known/acme-challenge for
// http-01 orders.
func WithWebroot(dir string) Option {
	return func(c *Client) { c.webroot = dir }
}

// WithDNSHook sets the external command that publishes and removes dns-01
// TXT records.
func WithDNSHook(command string) Option {
	return func(c *Client) { c.dnsHookCommand = command }
}

// WithStandaloneAddr overrides the listen address for standalone orders.
func WithStandaloneAddr(addr string) Option {
	return func(c *Client) { c.standaloneAddr = addr }
}

// WithIssueTimeout overrides the overall order timeout.
func WithIssueTimeout(d time.Duration) Option {
	return func(c *Client) { c.issueTimeout = d }
}

// New creates an ACME client.
func New(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		logger:         logger.With().Str("component", "acme").Logger(),
		standaloneAddr: ":80",
		issueTimeout:   DefaultIssueTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue runs a complete order: account registration, authorizations via the
// configured challenge solver, finalization, and chain splitting.
func (c *Client) Issue(ctx context.Context, spec OrderSpec) (store.Material, error) {
	if err := validateSpec(spec); err != nil {
		return store.Material{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.issueTimeout)
	defer cancel()

	solver, err := c.solverFor(spec.ChallengeType)
	if err != nil {
		return store.Material{}, err
	}

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return store.Material{}, model.Wrap(model.KindCrypto, err, "generate account key")
	}
	client := &acme.Client{Key: accountKey, DirectoryURL: spec.DirectoryURL}

	acct := &acme.Account{}
	if spec.Email != "" {
		acct.Contact = []string{"mailto:" + spec.Email}
	}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil && err != acme.ErrAccountAlreadyExists {
		return store.Material{}, model.Wrap(model.KindAcme, err, "register account")
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(spec.Domains...))
	if err != nil {
		return store.Material{}, model.Wrap(model.KindAcme, err, "authorize order")
	}
	c.logger.Info().
		Strs("domains", spec.Domains).
		Str("challenge", string(spec.ChallengeType)).
		Msg("order created")

	for _, authzURL := range order.AuthzURLs {
		if err := c.solveAuthorization(ctx, client, solver, authzURL); err != nil {
			return store.Material{}, err
		}
	}

	return c.finalize(ctx, client, order, spec)
}

func (c *Client) solveAuthorization(ctx context.Context, client *acme.Client, solver solver, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return model.Wrap(model.KindAcme, err, "get authorization")
	}
	if authz.Status == acme.StatusValid {
		return nil
	}
	domain := authz.Identifier.Value

	var challenge *acme.Challenge
	for _, ch := range authz.Challenges {
		if ch.Type == solver.challengeType() {
			challenge = ch
			break
		}
	}
	if challenge == nil {
		return model.E(model.KindAcme, "authorization for %s offers no %s challenge", domain, solver.challengeType())
	}

	if err := solver.present(ctx, client, domain, challenge); err != nil {
		return err
	}
	defer solver.cleanup(ctx, client, domain, challenge)

	if _, err := client.Accept(ctx, challenge); err != nil {
		return model.Wrap(model.KindAcme, err, "accept challenge for %s", domain)
	}
	if _, err := client.WaitAuthorization(ctx, authzURL); err != nil {
		return model.Wrap(model.KindAcme, err, "validate %s", domain)
	}
	c.logger.Debug().Str("domain", domain).Msg("authorization validated")
	return nil
}

func (c *Client) finalize(ctx context.Context, client *acme.Client, order *acme.Order, spec OrderSpec) (store.Material, error) {
	order, err := client.WaitOrder(ctx, order.URI)
	if err != nil {
		return store.Material{}, model.Wrap(model.KindAcme, err, "wait order")
	}

	csrDER := spec.CSR
	var keyPEM []byte
	if csrDER == nil {
		keySpec := spec.Key
		if keySpec.Algorithm == "" {
			keySpec = pki.DefaultKeySpec()
		}
		certKey, err := pki.GenerateKey(keySpec)
		if err != nil {
			return store.Material{}, err
		}
		csrDER, err = newCSR(spec.Domains, certKey)
		if err != nil {
			return store.Material{}, err
		}
		keyPEM, err = pki.EncodeKeyPEM(certKey, nil)
		if err != nil {
			return store.Material{}, err
		}
	}

	chainDER, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csrDER, true)
	if err != nil {
		return store.Material{}, model.Wrap(model.KindAcme, err, "finalize order")
	}
	if len(chainDER) == 0 {
		return store.Material{}, model.E(model.KindAcme, "finalize returned an empty chain")
	}

	material := store.Material{KeyPEM: keyPEM}
	for i, der := range chainDER {
		block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		if i == 0 {
			material.CertPEM = block
		} else {
			material.ChainPEM = append(material.ChainPEM, block...)
		}
	}

	leaf, err := x509.ParseCertificate(chainDER[0])
	if err != nil {
		return store.Material{}, model.Wrap(model.KindAcme, err, "parse issued certificate")
	}
	c.logger.Info().
		Strs("domains", spec.Domains).
		Time("notAfter", leaf.NotAfter).
		Msg("certificate issued")
	return material, nil
}

func newCSR(domains []string, key crypto.Signer) ([]byte, error) {
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: domains,
	}, key)
	if err != nil {
		return nil, model.Wrap(model.KindCrypto, err, "create request")
	}
	return der, nil
}

func validateSpec(spec OrderSpec) error {
	if len(spec.Domains) == 0 {
		return model.E(model.KindInvalidDomain, "order has no domains")
	}
	if spec.DirectoryURL == "" {
		return model.E(model.KindAcme, "no directory URL configured")
	}
	switch spec.ChallengeType {
	case model.ChallengeHTTP, model.ChallengeDNS, model.ChallengeStandalone:
		return nil
	default:
		return model.E(model.KindAcme, "challenge type %q cannot be ordered", spec.ChallengeType)
	}
}

func (c *Client) solverFor(ct model.ChallengeType) (solver, error) {
	switch ct {
	case model.ChallengeHTTP:
		if c.webroot == "" {
			return nil, model.E(model.KindAcme, "http challenge requires a webroot directory")
		}
		return &webrootSolver{root: c.webroot}, nil
	case model.ChallengeDNS:
		if c.dnsHookCommand == "" {
			return nil, model.E(model.KindAcme, "dns challenge requires a hook command")
		}
		return &dnsHookSolver{command: c.dnsHookCommand, logger: c.logger}, nil
	case model.ChallengeStandalone:
		return &standaloneSolver{addr: c.standaloneAddr, logger: c.logger}, nil
	default:
		return nil, model.E(model.KindAcme, "challenge type %q cannot be ordered", ct)
	}
}
