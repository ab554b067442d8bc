package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTokens() TokenSet {
	return TokenSet{
		AccessToken:  "ya29.A",
		RefreshToken: "1//R",
		Expiry:       time.Now().Add(time.Hour).UTC(),
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	master := []byte("correct horse battery staple")
	tokens := testTokens()

	env, err := EncryptEnvelope(master, tokens)
	require.NoError(t, err)

	got, err := DecryptEnvelope(master, env)
	require.NoError(t, err)
	assert.Equal(t, tokens.AccessToken, got.AccessToken)
	assert.Equal(t, tokens.RefreshToken, got.RefreshToken)
	assert.WithinDuration(t, tokens.Expiry, got.Expiry, time.Second)
}

func TestEncryptIsRandomized(t *testing.T) {
	master := []byte("correct horse battery staple")
	tokens := testTokens()

	env1, err := EncryptEnvelope(master, tokens)
	require.NoError(t, err)
	env2, err := EncryptEnvelope(master, tokens)
	require.NoError(t, err)

	assert.NotEqual(t, env1.IV, env2.IV)
	assert.NotEqual(t, env1.Ciphertext, env2.Ciphertext)
	assert.NotEqual(t, env1.EncryptedDek, env2.EncryptedDek)
}

func TestDecryptWrongMasterFails(t *testing.T) {
	env, err := EncryptEnvelope([]byte("master-one"), testTokens())
	require.NoError(t, err)

	_, err = DecryptEnvelope([]byte("master-two"), env)
	require.ErrorIs(t, err, ErrCryptoFailure)
}

func TestDecryptBitTamperFails(t *testing.T) {
	master := []byte("correct horse battery staple")
	env, err := EncryptEnvelope(master, testTokens())
	require.NoError(t, err)

	cases := map[string]*Envelope{
		"ciphertext": {IV: env.IV, Ciphertext: flipLastByte(t, env.Ciphertext), EncryptedDek: env.EncryptedDek, DekIv: env.DekIv},
		"iv":         {IV: flipLastByte(t, env.IV), Ciphertext: env.Ciphertext, EncryptedDek: env.EncryptedDek, DekIv: env.DekIv},
		"dek":        {IV: env.IV, Ciphertext: env.Ciphertext, EncryptedDek: flipLastByte(t, env.EncryptedDek), DekIv: env.DekIv},
		"dekIv":      {IV: env.IV, Ciphertext: env.Ciphertext, EncryptedDek: env.EncryptedDek, DekIv: flipLastByte(t, env.DekIv)},
	}
	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecryptEnvelope(master, tampered)
			require.ErrorIs(t, err, ErrCryptoFailure)
		})
	}
}

func flipLastByte(t *testing.T, encoded string) string {
	t.Helper()
	raw, err := unb64(encoded)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	return b64(raw)
}

func TestReEncryptDekPreservesTokenCiphertext(t *testing.T) {
	oldMaster := []byte("old-master-key-value")
	newMaster := []byte("new-master-key-value")

	env, err := EncryptEnvelope(oldMaster, testTokens())
	require.NoError(t, err)

	rotated, err := ReEncryptDek(oldMaster, newMaster, env)
	require.NoError(t, err)

	assert.Equal(t, env.IV, rotated.IV)
	assert.Equal(t, env.Ciphertext, rotated.Ciphertext)
	assert.NotEqual(t, env.EncryptedDek, rotated.EncryptedDek)
	assert.NotEqual(t, env.DekIv, rotated.DekIv)

	got, err := DecryptEnvelope(newMaster, rotated)
	require.NoError(t, err)
	assert.Equal(t, "ya29.A", got.AccessToken)

	_, err = DecryptEnvelope(oldMaster, rotated)
	require.ErrorIs(t, err, ErrCryptoFailure)
}

func TestDekBackupRestoreRoundTrip(t *testing.T) {
	master := []byte("backup-master-key")
	env, err := EncryptEnvelope(master, testTokens())
	require.NoError(t, err)

	backup := ExtractDekBackup("acc_123", env)
	assert.Equal(t, "acc_123", backup.AccountID)
	assert.Equal(t, env.EncryptedDek, backup.EncryptedDek)
	assert.Equal(t, env.DekIv, backup.DekIv)

	// Corrupt the live envelope's DEK fields, then restore from backup.
	corrupted := &Envelope{
		IV:           env.IV,
		Ciphertext:   env.Ciphertext,
		EncryptedDek: "////",
		DekIv:        "////",
	}
	restored := RestoreDekFromBackup(corrupted, backup)
	assert.Equal(t, env.IV, restored.IV)
	assert.Equal(t, env.Ciphertext, restored.Ciphertext)

	got, err := DecryptEnvelope(master, restored)
	require.NoError(t, err)
	assert.Equal(t, "ya29.A", got.AccessToken)
}

func TestNormalizeMasterKeyAcceptsRaw32Bytes(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	assert.Equal(t, raw, normalizeMasterKey(raw))
}
