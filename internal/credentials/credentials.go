// Package credentials implements Kiln's at-rest encrypted secret store
// (API keys, vendor tokens), generalized from the teacher's
// infrastructure/secrets Manager — a repo-backed AEAD box keyed off a
// process master key — extended with the legacy-format migration and
// master-key rotation spec §4.13 requires.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/logging"
	"github.com/kilnfleet/kiln/internal/storage"
)

const (
	pbkdf2Iterations = 100_000
	keyLenBytes      = 32
	saltLenBytes     = 16
	nonceLenBytes    = 12
	v2Prefix         = "v2:"

	autoKeyDir  = ".kiln"
	autoKeyFile = "master.key"
)

// Credential is the plaintext-free view returned to callers — the Go
// analogue of the teacher's to_dict(), which never serializes
// ciphertext or salt (spec §4.13, §8 universal invariant).
type Credential struct {
	CredentialID string
	Type         string
	Label        string
}

// Store is the thread-safe, durably-backed credential store. All
// mutation is guarded by a single lock; master-key rotation holds it
// for the entire decrypt-all/re-encrypt-all/write sequence so no
// concurrent Store/Get interleaves with a rotation in flight.
type Store struct {
	mu        sync.Mutex
	masterKey []byte
	repo      storage.CredentialRepository
	log       *logging.Logger
}

// ResolveMasterKey implements spec §4.13's resolution order: explicit
// argument, then environment variable, then an autogenerated key
// persisted to a 0600 file inside a 0700 directory under baseDir, with
// a logged warning (development convenience only — production should
// always supply one explicitly).
func ResolveMasterKey(explicit, envValue, baseDir string, log *logging.Logger) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if envValue != "" {
		return envValue, nil
	}

	dir := filepath.Join(baseDir, autoKeyDir)
	path := filepath.Join(dir, autoKeyFile)

	if b, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(b)), nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("credentials: create master key directory: %w", err)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("credentials: generate master key: %w", err)
	}
	key := base64.RawURLEncoding.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("credentials: persist master key: %w", err)
	}
	if log != nil {
		log.Named("credentials").Warnf("no KILN_MASTER_KEY supplied; autogenerated one at %s — set KILN_MASTER_KEY in production", path)
	}
	return key, nil
}

// New constructs a Store bound to masterKey and repo.
func New(masterKey string, repo storage.CredentialRepository, log *logging.Logger) *Store {
	return &Store{masterKey: []byte(masterKey), repo: repo, log: log}
}

// deriveKey runs PBKDF2-HMAC-SHA256 over master key + salt for the
// configured iteration count, yielding the 256-bit AES-GCM key (spec §4.13).
func deriveKey(masterKey, salt []byte) []byte {
	return pbkdf2.Key(masterKey, salt, pbkdf2Iterations, keyLenBytes, sha256.New)
}

func encryptV2(masterKey []byte, plaintext string) (ciphertext, salt []byte, err error) {
	salt = make([]byte, saltLenBytes)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, err
	}
	key := deriveKey(masterKey, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, nonceLenBytes)
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	packed := append(nonce, sealed...)
	encoded := v2Prefix + base64.StdEncoding.EncodeToString(packed)
	return []byte(encoded), salt, nil
}

func decryptAny(masterKey []byte, ciphertext, salt []byte) (plaintext string, wasLegacy bool, err error) {
	raw := string(ciphertext)
	if strings.HasPrefix(raw, v2Prefix) {
		packed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, v2Prefix))
		if err != nil {
			return "", false, fmt.Errorf("%w: malformed v2 ciphertext: %v", kerrors.New(kerrors.KindInternal, "credential decode failed"), err)
		}
		if len(packed) < nonceLenBytes {
			return "", false, kerrors.New(kerrors.KindInternal, "credential ciphertext too short")
		}
		nonce, sealed := packed[:nonceLenBytes], packed[nonceLenBytes:]
		key := deriveKey(masterKey, salt)
		block, err := aes.NewCipher(key)
		if err != nil {
			return "", false, err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", false, err
		}
		plain, err := gcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", kerrors.New(kerrors.KindInternal, "credential decryption failed"), err)
		}
		return string(plain), false, nil
	}

	// Legacy (pre-v2) rows: PBKDF2-derived keystream XORed with the
	// plaintext, unauthenticated. Decrypt for backward compatibility
	// only — every successful legacy read is re-encrypted to v2 by
	// the caller (spec §4.13, §9 open question on the migration race).
	key := deriveKey(masterKey, salt)
	out := make([]byte, len(ciphertext))
	for i := range ciphertext {
		out[i] = ciphertext[i] ^ key[i%len(key)]
	}
	return string(out), true, nil
}

// Store encrypts plaintext under the current master key and persists
// it as a new row, returning the generated credential id.
func (s *Store) Store(ctx context.Context, credentialType, label, plaintext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ciphertext, salt, err := encryptV2(s.masterKey, plaintext)
	if err != nil {
		return "", err
	}
	row := &storage.EncryptedCredential{
		CredentialID: generateID(),
		Type:         credentialType,
		Ciphertext:   ciphertext,
		Salt:         salt,
		Label:        label,
	}
	if err := s.repo.PutCredential(ctx, row); err != nil {
		return "", err
	}
	return row.CredentialID, nil
}

// Retrieve decrypts and returns the plaintext for id under the current
// master key, transparently handling legacy rows and re-encrypting
// them to v2 in place on success (spec §4.13).
func (s *Store) Retrieve(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.repo.GetCredential(ctx, id)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", kerrors.New(kerrors.KindNotFound, "credential not found").WithDetail("credential_id", id)
	}

	plaintext, wasLegacy, err := decryptAny(s.masterKey, row.Ciphertext, row.Salt)
	if err != nil {
		return "", err
	}

	if wasLegacy {
		ciphertext, salt, encErr := encryptV2(s.masterKey, plaintext)
		if encErr == nil {
			row.Ciphertext = ciphertext
			row.Salt = salt
			if putErr := s.repo.PutCredential(ctx, row); putErr != nil && s.log != nil {
				s.log.Named("credentials").WithError(putErr).Warn("legacy credential migration write failed; will retry on next read")
			}
		} else if s.log != nil {
			s.log.Named("credentials").WithError(encErr).Warn("legacy credential re-encryption failed; serving plaintext without migrating")
		}
	}

	return plaintext, nil
}

// List returns metadata only for every stored credential — never
// ciphertext or salt (spec §4.13, §8 universal invariant).
func (s *Store) List(ctx context.Context) ([]Credential, error) {
	rows, err := s.repo.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Credential, 0, len(rows))
	for _, r := range rows {
		out = append(out, Credential{CredentialID: r.CredentialID, Type: r.Type, Label: r.Label})
	}
	return out, nil
}

// Delete removes a credential row by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.DeleteCredential(ctx, id)
}

// RotateMasterKey decrypts every row under the current key, re-encrypts
// each in memory under newKey, and only then issues one atomic
// replace-all write. Any decryption failure mid-rotation aborts without
// mutating anything — the store, and the master key, stay as they were
// (spec §4.13).
func (s *Store) RotateMasterKey(ctx context.Context, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.repo.ListCredentials(ctx)
	if err != nil {
		return err
	}

	rotated := make([]*storage.EncryptedCredential, 0, len(rows))
	for _, row := range rows {
		full, err := s.repo.GetCredential(ctx, row.CredentialID)
		if err != nil {
			return fmt.Errorf("credentials: rotation aborted reading %s: %w", row.CredentialID, err)
		}
		plaintext, _, err := decryptAny(s.masterKey, full.Ciphertext, full.Salt)
		if err != nil {
			return fmt.Errorf("credentials: rotation aborted decrypting %s: %w", row.CredentialID, err)
		}
		ciphertext, salt, err := encryptV2([]byte(newKey), plaintext)
		if err != nil {
			return fmt.Errorf("credentials: rotation aborted re-encrypting %s: %w", row.CredentialID, err)
		}
		rotated = append(rotated, &storage.EncryptedCredential{
			CredentialID: full.CredentialID,
			Type:         full.Type,
			Ciphertext:   ciphertext,
			Salt:         salt,
			Label:        full.Label,
			CreatedAt:    full.CreatedAt,
		})
	}

	if err := s.repo.ReplaceAll(ctx, rotated); err != nil {
		return fmt.Errorf("credentials: rotation write failed, master key unchanged: %w", err)
	}

	s.masterKey = []byte(newKey)
	return nil
}

func generateID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "cred_" + base64.RawURLEncoding.EncodeToString(buf)
}
