package acmeclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"

	"github.com/edvin/certmgr/internal/model"
)

// solver places and removes the validation response for one challenge type.
type solver interface {
	challengeType() string
	present(ctx context.Context, client *acme.Client, domain string, ch *acme.Challenge) error
	cleanup(ctx context.Context, client *acme.Client, domain string, ch *acme.Challenge)
}

// ---------- http-01 webroot ----------

const wellKnownPath = ".well-known/acme-challenge"

type webrootSolver struct {
	root string
}

func (s *webrootSolver) challengeType() string { return "http-01" }

func (s *webrootSolver) present(_ context.Context, client *acme.Client, domain string, ch *acme.Challenge) error {
	keyAuth, err := client.HTTP01ChallengeResponse(ch.Token)
	if err != nil {
		return model.Wrap(model.KindAcme, err, "compute key authorization for %s", domain)
	}
	dir := filepath.Join(s.root, filepath.FromSlash(wellKnownPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Wrap(model.KindIO, err, "create challenge directory")
	}
	path := filepath.Join(dir, ch.Token)
	if err := os.WriteFile(path, []byte(keyAuth), 0o644); err != nil {
		return model.Wrap(model.KindIO, err, "write challenge file")
	}
	return nil
}

func (s *webrootSolver) cleanup(_ context.Context, _ *acme.Client, _ string, ch *acme.Challenge) {
	os.Remove(filepath.Join(s.root, filepath.FromSlash(wellKnownPath), ch.Token))
}

// ---------- dns-01 hook ----------

const dnsHookTimeout = 60 * time.Second

// dnsHookSolver shells out to an operator-provided command. The command is
// invoked as `<command> present|cleanup <record-name> <txt-value>` where the
// record name is _acme-challenge.<domain>.
type dnsHookSolver struct {
	command string
	logger  zerolog.Logger
}

func (s *dnsHookSolver) challengeType() string { return "dns-01" }

func (s *dnsHookSolver) present(ctx context.Context, client *acme.Client, domain string, ch *acme.Challenge) error {
	value, err := client.DNS01ChallengeRecord(ch.Token)
	if err != nil {
		return model.Wrap(model.KindAcme, err, "compute TXT value for %s", domain)
	}
	if err := s.run(ctx, "present", domain, value); err != nil {
		return err
	}
	return nil
}

func (s *dnsHookSolver) cleanup(ctx context.Context, client *acme.Client, domain string, ch *acme.Challenge) {
	value, err := client.DNS01ChallengeRecord(ch.Token)
	if err != nil {
		return
	}
	if err := s.run(ctx, "cleanup", domain, value); err != nil {
		s.logger.Warn().Err(err).Str("domain", domain).Msg("dns hook cleanup failed")
	}
}

func (s *dnsHookSolver) run(ctx context.Context, action, domain, value string) error {
	cctx, cancel := context.WithTimeout(ctx, dnsHookTimeout)
	defer cancel()

	record := "_acme-challenge." + domain
	line := strings.Join([]string{s.command, action, record, value}, " ")
	cmd := exec.CommandContext(cctx, "sh", "-c", line)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return model.E(model.KindAcme, "dns hook %s for %s failed: %s", action, domain, firstLine(string(out)))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ---------- standalone ----------

// standaloneSolver binds the HTTP challenge port itself for the duration of
// the validation. Only one listener runs at a time.
type standaloneSolver struct {
	addr   string
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

func (s *standaloneSolver) challengeType() string { return "http-01" }

func (s *standaloneSolver) present(_ context.Context, client *acme.Client, domain string, ch *acme.Challenge) error {
	keyAuth, err := client.HTTP01ChallengeResponse(ch.Token)
	if err != nil {
		return model.Wrap(model.KindAcme, err, "compute key authorization for %s", domain)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return model.Wrap(model.KindAcme, err, "bind %s for standalone challenge", s.addr)
	}

	path := "/" + wellKnownPath + "/" + ch.Token
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(keyAuth))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn().Err(err).Msg("standalone challenge listener stopped")
		}
	}()
	return nil
}

func (s *standaloneSolver) cleanup(ctx context.Context, _ *acme.Client, _ string, _ *acme.Challenge) {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	srv.Shutdown(sctx)
}
