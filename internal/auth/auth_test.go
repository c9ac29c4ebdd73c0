package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmachain/pharmachain/internal/auth"
	"github.com/pharmachain/pharmachain/internal/models"
)

// ── Sensor keys ───────────────────────────────────────────────────────────────

func TestGenerateSensorKey_Format(t *testing.T) {
	plaintext, hash, prefix, err := auth.GenerateSensorKey()
	require.NoError(t, err)

	assert.True(t, len(plaintext) > 8, "plaintext must be non-trivial length")
	assert.NotEmpty(t, hash)
	assert.True(t, auth.IsSensorKey(plaintext), "key must carry pc_ prefix")
	assert.Len(t, prefix, 8, "lookup prefix must be 8 chars")
}

func TestGenerateSensorKey_Unique(t *testing.T) {
	k1, _, _, err := auth.GenerateSensorKey()
	require.NoError(t, err)
	k2, _, _, err := auth.GenerateSensorKey()
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2, "generated keys must be unique")
}

func TestValidateSensorKey(t *testing.T) {
	plaintext, hash, _, err := auth.GenerateSensorKey()
	require.NoError(t, err)

	assert.True(t, auth.ValidateSensorKey(plaintext, hash))
	assert.False(t, auth.ValidateSensorKey("pc_wrongkey", hash))
}

func TestPrefixOf(t *testing.T) {
	plaintext, _, expectedPrefix, err := auth.GenerateSensorKey()
	require.NoError(t, err)

	prefix, err := auth.PrefixOf(plaintext)
	require.NoError(t, err)
	assert.Equal(t, expectedPrefix, prefix)

	_, err = auth.PrefixOf("not-a-pc-key")
	require.Error(t, err)
	_, err = auth.PrefixOf("pc_short")
	require.Error(t, err)
}

// ── JWT ───────────────────────────────────────────────────────────────────────

const secret = "super-secret-test-key-at-least-32-chars"

func TestJWT_IssueAndVerify(t *testing.T) {
	token, err := auth.IssueJWT(secret, "", "fda@x.com", models.RoleFDA, time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := auth.VerifyJWT(secret, "", token)
	require.NoError(t, err)
	assert.Equal(t, "fda@x.com", claims.Email)
	assert.Equal(t, models.RoleFDA, claims.Role)
}

func TestJWT_WrongSecret(t *testing.T) {
	token, err := auth.IssueJWT(secret, "", "m@x.com", models.RoleManufacturer, time.Hour)
	require.NoError(t, err)

	_, err = auth.VerifyJWT("wrong-secret-key-that-is-long-enough!!", "", token)
	require.Error(t, err, "verification with wrong secret must fail")
}

func TestJWT_Expired(t *testing.T) {
	token, err := auth.IssueJWT(secret, "", "m@x.com", models.RoleManufacturer, -time.Second)
	require.NoError(t, err)

	_, err = auth.VerifyJWT(secret, "", token)
	require.Error(t, err, "expired token must fail verification")
}

func TestJWT_Tampered(t *testing.T) {
	token, err := auth.IssueJWT(secret, "", "m@x.com", models.RoleManufacturer, time.Hour)
	require.NoError(t, err)

	_, err = auth.VerifyJWT(secret, "", token+"tampered")
	require.Error(t, err, "tampered token must fail verification")
}

func TestJWT_Issuer(t *testing.T) {
	token, err := auth.IssueJWT(secret, "https://auth.example", "d@x.com", models.RoleDistributor, time.Hour)
	require.NoError(t, err)

	_, err = auth.VerifyJWT(secret, "https://auth.example", token)
	require.NoError(t, err)
	_, err = auth.VerifyJWT(secret, "https://other.example", token)
	require.Error(t, err)
}

func TestJWT_RejectsUnknownOrSystemRole(t *testing.T) {
	for _, role := range []models.Role{"Admin", models.RoleSystem, ""} {
		token, err := auth.IssueJWT(secret, "", "x@x.com", role, time.Hour)
		require.NoError(t, err)
		_, err = auth.VerifyJWT(secret, "", token)
		assert.ErrorIs(t, err, auth.ErrInvalidRole, "role %q", role)
	}
}
