package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme"

	"github.com/edvin/certmgr/internal/model"
)

func testACMEClient(t *testing.T) *acme.Client {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &acme.Client{Key: key}
}

// ---------- Spec validation ----------

func TestValidateSpec(t *testing.T) {
	base := OrderSpec{
		Domains:       []string{"example.test"},
		DirectoryURL:  "https://acme.test/directory",
		ChallengeType: model.ChallengeHTTP,
	}

	assert.NoError(t, validateSpec(base))

	noDomains := base
	noDomains.Domains = nil
	assert.True(t, model.IsKind(validateSpec(noDomains), model.KindInvalidDomain))

	noDirectory := base
	noDirectory.DirectoryURL = ""
	assert.True(t, model.IsKind(validateSpec(noDirectory), model.KindAcme))

	noChallenge := base
	noChallenge.ChallengeType = model.ChallengeNone
	assert.True(t, model.IsKind(validateSpec(noChallenge), model.KindAcme))
}

// ---------- Solver selection ----------

func TestSolverFor(t *testing.T) {
	c := New(zerolog.Nop(), WithWebroot("/srv/www"), WithDNSHook("/usr/local/bin/dns-hook"))

	s, err := c.solverFor(model.ChallengeHTTP)
	require.NoError(t, err)
	assert.Equal(t, "http-01", s.challengeType())
	assert.IsType(t, &webrootSolver{}, s)

	s, err = c.solverFor(model.ChallengeDNS)
	require.NoError(t, err)
	assert.Equal(t, "dns-01", s.challengeType())

	s, err = c.solverFor(model.ChallengeStandalone)
	require.NoError(t, err)
	assert.Equal(t, "http-01", s.challengeType())
	assert.IsType(t, &standaloneSolver{}, s)

	_, err = c.solverFor(model.ChallengeNone)
	assert.True(t, model.IsKind(err, model.KindAcme))
}

func TestSolverFor_MissingConfiguration(t *testing.T) {
	c := New(zerolog.Nop())

	_, err := c.solverFor(model.ChallengeHTTP)
	assert.True(t, model.IsKind(err, model.KindAcme))

	_, err = c.solverFor(model.ChallengeDNS)
	assert.True(t, model.IsKind(err, model.KindAcme))
}

// ---------- Webroot solver ----------

func TestWebrootSolver_PresentAndCleanup(t *testing.T) {
	root := t.TempDir()
	s := &webrootSolver{root: root}
	client := testACMEClient(t)
	ch := &acme.Challenge{Type: "http-01", Token: "tok123"}

	require.NoError(t, s.present(context.Background(), client, "example.test", ch))

	path := filepath.Join(root, ".well-known", "acme-challenge", "tok123")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want, err := client.HTTP01ChallengeResponse("tok123")
	require.NoError(t, err)
	assert.Equal(t, want, string(data))

	s.cleanup(context.Background(), client, "example.test", ch)
	assert.NoFileExists(t, path)
}

// ---------- DNS hook solver ----------

func TestDNSHookSolver_InvokesHook(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "calls.log")
	script := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$1 $2 $3\" >> "+logFile+"\n"), 0o755))
	s := &dnsHookSolver{command: script, logger: zerolog.Nop()}

	client := testACMEClient(t)
	ch := &acme.Challenge{Type: "dns-01", Token: "tok456"}

	require.NoError(t, s.present(context.Background(), client, "example.test", ch))
	s.cleanup(context.Background(), client, "example.test", ch)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	value, err := client.DNS01ChallengeRecord("tok456")
	require.NoError(t, err)
	assert.Equal(t, "present _acme-challenge.example.test "+value, lines[0])
	assert.Equal(t, "cleanup _acme-challenge.example.test "+value, lines[1])
}

func TestDNSHookSolver_HookFailure(t *testing.T) {
	s := &dnsHookSolver{command: "false", logger: zerolog.Nop()}
	client := testACMEClient(t)
	ch := &acme.Challenge{Type: "dns-01", Token: "tok"}

	err := s.present(context.Background(), client, "example.test", ch)
	assert.True(t, model.IsKind(err, model.KindAcme))
}

// ---------- Standalone solver ----------

func TestStandaloneSolver_ServesKeyAuth(t *testing.T) {
	s := &standaloneSolver{addr: "127.0.0.1:0", logger: zerolog.Nop()}
	client := testACMEClient(t)
	ch := &acme.Challenge{Type: "http-01", Token: "tok789"}

	// Bind a fixed port so the test can reach the listener.
	s.addr = "127.0.0.1:48184"
	require.NoError(t, s.present(context.Background(), client, "example.test", ch))
	defer s.cleanup(context.Background(), client, "example.test", ch)

	resp, err := http.Get("http://127.0.0.1:48184/.well-known/acme-challenge/tok789")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	want, err := client.HTTP01ChallengeResponse("tok789")
	require.NoError(t, err)
	assert.Equal(t, want, string(body))
}

func TestStandaloneSolver_PortBusy(t *testing.T) {
	first := &standaloneSolver{addr: "127.0.0.1:48185", logger: zerolog.Nop()}
	client := testACMEClient(t)
	ch := &acme.Challenge{Type: "http-01", Token: "a"}
	require.NoError(t, first.present(context.Background(), client, "x.test", ch))
	defer first.cleanup(context.Background(), client, "x.test", ch)

	second := &standaloneSolver{addr: "127.0.0.1:48185", logger: zerolog.Nop()}
	err := second.present(context.Background(), client, "y.test", ch)
	assert.True(t, model.IsKind(err, model.KindAcme))
}

// ---------- Issue input handling ----------

func TestIssue_RejectsInvalidSpec(t *testing.T) {
	c := New(zerolog.Nop())
	_, err := c.Issue(context.Background(), OrderSpec{})
	assert.True(t, model.IsKind(err, model.KindInvalidDomain))
}

func TestIssue_RejectsUnsolvableChallenge(t *testing.T) {
	c := New(zerolog.Nop())
	_, err := c.Issue(context.Background(), OrderSpec{
		Domains:       []string{"example.test"},
		DirectoryURL:  "https://acme.test/directory",
		ChallengeType: model.ChallengeHTTP,
	})
	assert.True(t, model.IsKind(err, model.KindAcme))
}
