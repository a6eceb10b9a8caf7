package postgres

import (
	"context"

	"github.com/kilnfleet/kiln/internal/storage"
)

var _ storage.CredentialRepository = (*Store)(nil)

func (s *Store) PutCredential(ctx context.Context, c *storage.EncryptedCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (credential_id, type, ciphertext, salt, created_at, label)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (credential_id) DO UPDATE SET type=EXCLUDED.type, ciphertext=EXCLUDED.ciphertext,
			salt=EXCLUDED.salt, label=EXCLUDED.label`,
		c.CredentialID, c.Type, c.Ciphertext, c.Salt, c.CreatedAt, c.Label)
	return err
}

func (s *Store) GetCredential(ctx context.Context, id string) (*storage.EncryptedCredential, error) {
	var c storage.EncryptedCredential
	err := s.db.GetContext(ctx, &c, `SELECT credential_id, type, ciphertext, salt, created_at, label FROM credentials WHERE credential_id=$1`, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]*storage.EncryptedCredential, error) {
	var rows []storage.EncryptedCredential
	if err := s.db.SelectContext(ctx, &rows, `SELECT credential_id, type, ciphertext, salt, created_at, label FROM credentials ORDER BY created_at`); err != nil {
		return nil, err
	}
	out := make([]*storage.EncryptedCredential, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE credential_id=$1`, id)
	return err
}

// ReplaceAll swaps the entire credentials table in a single transaction,
// the durable side of master-key rotation: either every row lands under
// the new key, or none do.
func (s *Store) ReplaceAll(ctx context.Context, rows []*storage.EncryptedCredential) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return err
	}
	for _, c := range rows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (credential_id, type, ciphertext, salt, created_at, label)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			c.CredentialID, c.Type, c.Ciphertext, c.Salt, c.CreatedAt, c.Label); err != nil {
			return err
		}
	}
	return tx.Commit()
}
