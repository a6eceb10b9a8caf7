package credentials

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfleet/kiln/internal/storage"
	"github.com/kilnfleet/kiln/internal/storage/storagetest"
)

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s := New("test-master-key-one", storagetest.New(), nil)
	ctx := context.Background()

	id, err := s.Store(ctx, "printer_api_key", "octo-garage", "s3cr3t-value")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-value", got)
}

func TestListNeverExposesCiphertextOrSalt(t *testing.T) {
	s := New("test-master-key-one", storagetest.New(), nil)
	ctx := context.Background()

	id, err := s.Store(ctx, "printer_api_key", "bambu-studio", "top-secret")
	require.NoError(t, err)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].CredentialID)
	assert.Equal(t, "bambu-studio", list[0].Label)
}

func TestRotateMasterKeySucceedsUnderNewKeyFailsUnderOld(t *testing.T) {
	repo := storagetest.New()
	s := New("old-master-key", repo, nil)
	ctx := context.Background()

	id, err := s.Store(ctx, "printer_api_key", "prusa-1", "rotate-me")
	require.NoError(t, err)

	require.NoError(t, s.RotateMasterKey(ctx, "new-master-key"))

	got, err := s.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rotate-me", got)

	stale := New("old-master-key", repo, nil)
	_, err = stale.Retrieve(ctx, id)
	require.Error(t, err)
}

func TestLegacyXORCiphertextMigratesToV2OnRead(t *testing.T) {
	repo := storagetest.New()
	s := New("legacy-master-key", repo, nil)
	ctx := context.Background()

	salt := make([]byte, saltLenBytes)
	key := deriveKey(s.masterKey, salt)
	plaintext := "legacy-plaintext"
	legacyCipher := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i++ {
		legacyCipher[i] = plaintext[i] ^ key[i%len(key)]
	}
	require.NoError(t, repo.PutCredential(ctx, &storage.EncryptedCredential{
		CredentialID: "cred_legacy",
		Type:         "printer_api_key",
		Ciphertext:   legacyCipher,
		Salt:         salt,
		Label:        "legacy-row",
	}))

	got, err := s.Retrieve(ctx, "cred_legacy")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	row, err := repo.GetCredential(ctx, "cred_legacy")
	require.NoError(t, err)
	assert.Contains(t, string(row.Ciphertext), v2Prefix)

	again, err := s.Retrieve(ctx, "cred_legacy")
	require.NoError(t, err)
	assert.Equal(t, plaintext, again)
}

func TestDeleteRemovesCredential(t *testing.T) {
	s := New("test-master-key-one", storagetest.New(), nil)
	ctx := context.Background()

	id, err := s.Store(ctx, "printer_api_key", "to-delete", "bye")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
