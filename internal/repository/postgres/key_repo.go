package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/inkwell/internal/model"
)

// KeyRepo implements KeyRepository using PostgreSQL.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a key registry repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

const keyCols = `id, owner_id, key_type, group_id, public_key, wrapped_key, wrapped_by, active, updated_at`

func scanKey(row pgx.Row) (model.EncryptionKey, error) {
	var (
		k   model.EncryptionKey
		typ string
		by  *uuid.UUID
	)
	if err := row.Scan(&k.ID, &k.OwnerID, &typ, &k.GroupID, &k.PublicKey, &k.WrappedKey, &by, &k.Active, &k.UpdatedAt); err != nil {
		return model.EncryptionKey{}, err
	}
	k.Type = model.KeyType(typ)
	if by != nil {
		k.WrappedBy = *by
	}
	return k, nil
}

// UpsertPersonal replaces the owner's public key in place and reactivates it.
func (r *KeyRepo) UpsertPersonal(ctx context.Context, ownerID uuid.UUID, publicKey []byte) (model.EncryptionKey, error) {
	const q = `
INSERT INTO encryption_keys (owner_id, key_type, public_key)
VALUES ($1, 'ecdh', $2)
ON CONFLICT (owner_id, key_type, group_id)
DO UPDATE SET public_key = EXCLUDED.public_key, active = true, updated_at = now()
RETURNING ` + keyCols
	k, err := scanKey(r.db.Pool.QueryRow(ctx, q, ownerID, publicKey))
	if err != nil {
		return model.EncryptionKey{}, mapErr("upsert personal key", err)
	}
	return k, nil
}

// GetActivePersonal returns ErrNotFound when the owner never registered a key.
func (r *KeyRepo) GetActivePersonal(ctx context.Context, ownerID uuid.UUID) (model.EncryptionKey, error) {
	const q = `
SELECT ` + keyCols + `
FROM encryption_keys
WHERE owner_id=$1 AND key_type='ecdh' AND active`
	k, err := scanKey(r.db.Pool.QueryRow(ctx, q, ownerID))
	if err != nil {
		return model.EncryptionKey{}, mapErr("get personal key", err)
	}
	return k, nil
}

// UpsertGroupKey stores the member's wrapped copy of the group key. The wrapper's public key at
// wrap time goes into public_key so the copy stays openable after the wrapper re-registers.
func (r *KeyRepo) UpsertGroupKey(ctx context.Context, ownerID, groupID uuid.UUID, wrapped []byte, wrappedBy uuid.UUID, wrapperPub []byte) (model.EncryptionKey, error) {
	const q = `
INSERT INTO encryption_keys (owner_id, key_type, group_id, wrapped_key, wrapped_by, public_key)
VALUES ($1, 'group', $2, $3, $4, $5)
ON CONFLICT (owner_id, key_type, group_id)
DO UPDATE SET wrapped_key = EXCLUDED.wrapped_key, wrapped_by = EXCLUDED.wrapped_by,
	public_key = EXCLUDED.public_key, active = true, updated_at = now()
RETURNING ` + keyCols
	k, err := scanKey(r.db.Pool.QueryRow(ctx, q, ownerID, groupID, wrapped, wrappedBy, wrapperPub))
	if err != nil {
		return model.EncryptionKey{}, mapErr("upsert group key", err)
	}
	return k, nil
}

// GetActiveGroupKey returns ErrNotFound when the member holds no key for the group.
func (r *KeyRepo) GetActiveGroupKey(ctx context.Context, ownerID, groupID uuid.UUID) (model.EncryptionKey, error) {
	const q = `
SELECT ` + keyCols + `
FROM encryption_keys
WHERE owner_id=$1 AND key_type='group' AND group_id=$2 AND active`
	k, err := scanKey(r.db.Pool.QueryRow(ctx, q, ownerID, groupID))
	if err != nil {
		return model.EncryptionKey{}, mapErr("get group key", err)
	}
	return k, nil
}
