// crypto.go
package federation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	dekSize   = 32
	nonceSize = 12
)

// Envelope is the persisted, two-level AEAD encrypted token structure
// (spec.md §4.1 / §6 "Persisted envelope format"). All four fields are
// base64-standard-encoded binary blobs.
type Envelope struct {
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
	EncryptedDek string `json:"encryptedDek"`
	DekIv        string `json:"dekIv"`
}

// TokenSet is the plaintext sealed inside an Envelope's ciphertext.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// DekBackup is the exported-for-backup shape of an account's wrapped DEK. It
// never carries the token iv/ciphertext (spec.md §4.1 extractDekBackup).
type DekBackup struct {
	AccountID    string    `json:"account_id"`
	EncryptedDek string    `json:"encryptedDek"`
	DekIv        string    `json:"dekIv"`
	BackedUpAt   time.Time `json:"backed_up_at"`
}

// normalizeMasterKey detects the shape of the configured master key: a raw
// 32-byte key is used as-is; any other length (typically an operator-chosen
// secret string) is stretched to 32 bytes via HKDF-SHA256, matching spec.md
// §4.1's "the format is detected by shape".
func normalizeMasterKey(raw []byte) []byte {
	if len(raw) == dekSize {
		return raw
	}
	kdf := hkdf.New(sha256.New, raw, nil, []byte("calendar-federation/master-key/v1"))
	out := make([]byte, dekSize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		// HKDF over a fixed-size SHA-256 output stream cannot fail for a
		// 32-byte request; this path exists only to satisfy io.ReadFull's
		// signature.
		panic(fmt.Sprintf("hkdf derive master key: %v", err))
	}
	return out
}

func sealAEAD(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

func openAEAD(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	if len(iv) != gcm.NonceSize() {
		return nil, ErrCryptoFailure
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return b, nil
}

// EncryptEnvelope seals tokens under a freshly generated DEK, then seals
// that DEK under masterKey. IVs are fresh random per call (spec.md invariant
// 1: identical inputs yield differing ciphertexts).
func EncryptEnvelope(masterKeyRaw []byte, tokens TokenSet) (*Envelope, error) {
	masterKey := normalizeMasterKey(masterKeyRaw)

	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return nil, err
	}

	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}

	iv, ciphertext, err := sealAEAD(dek, plaintext)
	if err != nil {
		return nil, err
	}
	dekIv, encryptedDek, err := sealAEAD(masterKey, dek)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		IV:           b64(iv),
		Ciphertext:   b64(ciphertext),
		EncryptedDek: b64(encryptedDek),
		DekIv:        b64(dekIv),
	}, nil
}

// DecryptEnvelope reverses EncryptEnvelope. Any bit tamper, wrong master key,
// or wrong DEK surfaces as ErrCryptoFailure — never a partial result.
func DecryptEnvelope(masterKeyRaw []byte, env *Envelope) (*TokenSet, error) {
	masterKey := normalizeMasterKey(masterKeyRaw)

	dekIv, err := unb64(env.DekIv)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	encryptedDek, err := unb64(env.EncryptedDek)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	dek, err := openAEAD(masterKey, dekIv, encryptedDek)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	iv, err := unb64(env.IV)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	ciphertext, err := unb64(env.Ciphertext)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	plaintext, err := openAEAD(dek, iv, ciphertext)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	var tokens TokenSet
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, ErrCryptoFailure
	}
	return &tokens, nil
}

// ReEncryptDek decrypts the DEK under oldMaster and re-seals it under
// newMaster with a fresh IV. The token iv/ciphertext pair is preserved
// byte-for-byte (spec.md invariant 2).
func ReEncryptDek(oldMasterRaw, newMasterRaw []byte, env *Envelope) (*Envelope, error) {
	oldMaster := normalizeMasterKey(oldMasterRaw)
	newMaster := normalizeMasterKey(newMasterRaw)

	dekIv, err := unb64(env.DekIv)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	encryptedDek, err := unb64(env.EncryptedDek)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	dek, err := openAEAD(oldMaster, dekIv, encryptedDek)
	if err != nil {
		return nil, ErrCryptoFailure
	}

	newDekIv, newEncryptedDek, err := sealAEAD(newMaster, dek)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		IV:           env.IV,
		Ciphertext:   env.Ciphertext,
		EncryptedDek: b64(newEncryptedDek),
		DekIv:        b64(newDekIv),
	}, nil
}

// ExtractDekBackup returns the wrapped-DEK portion of an envelope, suitable
// for off-actor storage. It never includes iv/ciphertext (spec.md §4.1).
func ExtractDekBackup(accountID string, env *Envelope) *DekBackup {
	return &DekBackup{
		AccountID:    accountID,
		EncryptedDek: env.EncryptedDek,
		DekIv:        env.DekIv,
		BackedUpAt:   time.Now().UTC(),
	}
}

// RestoreDekFromBackup overwrites only encryptedDek/dekIv on env; iv and
// ciphertext are preserved untouched.
func RestoreDekFromBackup(env *Envelope, backup *DekBackup) *Envelope {
	return &Envelope{
		IV:           env.IV,
		Ciphertext:   env.Ciphertext,
		EncryptedDek: backup.EncryptedDek,
		DekIv:        backup.DekIv,
	}
}
