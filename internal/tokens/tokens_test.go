package tokens

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, accessTTL, refreshTTL time.Duration) *Codec {
	t.Helper()
	codec, err := NewCodec([]byte("access-secret"), []byte("refresh-secret"), accessTTL, refreshTTL)
	require.NoError(t, err)
	return codec
}

func TestNewCodecRequiresSecrets(t *testing.T) {
	_, err := NewCodec(nil, []byte("r"), time.Minute, time.Hour)
	require.Error(t, err)

	_, err = NewCodec([]byte("a"), nil, time.Minute, time.Hour)
	require.Error(t, err)
}

func TestAccessRoundtrip(t *testing.T) {
	codec := newTestCodec(t, 15*time.Minute, 7*24*time.Hour)
	userID := uuid.New()

	token, exp, err := codec.MintAccess(userID, "farmer", "a@x.com")
	require.NoError(t, err)
	require.True(t, exp.After(time.Now()))

	claims, err := codec.VerifyAccess(token)
	require.NoError(t, err)
	require.Equal(t, userID.String(), claims.Subject)
	require.Equal(t, "farmer", claims.Role)
	require.Equal(t, "a@x.com", claims.Email)
}

func TestRefreshRoundtrip(t *testing.T) {
	codec := newTestCodec(t, 15*time.Minute, 7*24*time.Hour)
	userID := uuid.New()

	token, _, err := codec.MintRefresh(userID)
	require.NoError(t, err)

	claims, err := codec.VerifyRefresh(token)
	require.NoError(t, err)
	require.Equal(t, userID.String(), claims.Subject)
	require.NotEmpty(t, claims.ID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	codec := newTestCodec(t, 15*time.Minute, time.Hour)
	other, err := NewCodec([]byte("different"), []byte("different"), 15*time.Minute, time.Hour)
	require.NoError(t, err)

	token, _, err := codec.MintAccess(uuid.New(), "buyer", "b@x.com")
	require.NoError(t, err)

	_, err = other.VerifyAccess(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	codec := newTestCodec(t, 15*time.Minute, time.Hour)

	_, err := codec.VerifyAccess("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = codec.VerifyRefresh("")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsKindConfusion(t *testing.T) {
	codec := newTestCodec(t, 15*time.Minute, time.Hour)

	refresh, _, err := codec.MintRefresh(uuid.New())
	require.NoError(t, err)

	// A refresh token presented as an access token fails: the kinds are
	// signed with independent secrets.
	_, err = codec.VerifyAccess(refresh)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	codec := newTestCodec(t, -time.Second, -time.Second)

	access, _, err := codec.MintAccess(uuid.New(), "farmer", "a@x.com")
	require.NoError(t, err)
	_, err = codec.VerifyAccess(access)
	require.ErrorIs(t, err, ErrInvalidToken)

	refresh, _, err := codec.MintRefresh(uuid.New())
	require.NoError(t, err)
	_, err = codec.VerifyRefresh(refresh)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLocalExpiredBoundaryIsExclusive(t *testing.T) {
	codec := newTestCodec(t, time.Hour, time.Hour)

	token, exp, err := codec.MintAccess(uuid.New(), "farmer", "a@x.com")
	require.NoError(t, err)

	require.False(t, LocalExpired(token, exp.Add(-time.Second)))
	// The expiry instant itself counts as expired.
	require.True(t, LocalExpired(token, exp))
	require.True(t, LocalExpired(token, exp.Add(time.Second)))
}

func TestLocalExpiredOnGarbage(t *testing.T) {
	require.True(t, LocalExpired("garbage", time.Now()))
}

func TestFingerprintIsStable(t *testing.T) {
	require.Equal(t, Fingerprint("abc"), Fingerprint("abc"))
	require.NotEqual(t, Fingerprint("abc"), Fingerprint("abd"))
	require.Len(t, Fingerprint("abc"), 64)
}
