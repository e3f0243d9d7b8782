package token

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestService(t *testing.T, secret string) *Service {
	t.Helper()
	svc, err := NewService(secret, 10*time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	svc := newTestService(t, "unit-test-secret")

	tok, err := svc.Issue("art_abc123", time.Minute)
	require.NoError(t, err)

	id, err := svc.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "art_abc123", id)
}

func TestZeroTTLRejectedImmediately(t *testing.T) {
	svc := newTestService(t, "unit-test-secret")

	tok, err := svc.Issue("art_abc123", 0)
	require.NoError(t, err)

	_, err = svc.Verify(tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTokenExpired))
}

func TestTokenBoundToArtifact(t *testing.T) {
	svc := newTestService(t, "unit-test-secret")

	tok, err := svc.Issue("art_a", time.Minute)
	require.NoError(t, err)

	id, err := svc.Verify(tok)
	require.NoError(t, err)
	// A token for artifact A must never authorize artifact B; the caller
	// compares the verified subject against the requested id.
	assert.NotEqual(t, "art_b", id)
	assert.Equal(t, "art_a", id)
}

func TestMalformedToken(t *testing.T) {
	svc := newTestService(t, "unit-test-secret")

	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := svc.Verify(tok)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTokenInvalid))
	}
}

func TestWrongSecretRejected(t *testing.T) {
	issuer := newTestService(t, "secret-one")
	verifier := newTestService(t, "secret-two")

	tok, err := issuer.Issue("art_abc", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTokenInvalid))
}

func TestGeneratedSecretIsStable(t *testing.T) {
	svc := newTestService(t, "")

	tok, err := svc.IssueDefault("art_x")
	require.NoError(t, err)

	id, err := svc.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "art_x", id)
}

func TestDownloadURL(t *testing.T) {
	svc := newTestService(t, "unit-test-secret")

	u, err := svc.DownloadURL("http://localhost:8081/", "art_xyz")
	require.NoError(t, err)
	assert.Contains(t, u, "http://localhost:8081/artifacts/art_xyz?token=")
}
