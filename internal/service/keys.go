package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	pkgcrypto "github.com/and161185/inkwell/internal/crypto"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/repository"
)

// KeyService is the personal public key registry.
type KeyService struct {
	keys repository.KeyRepository
}

// NewKeyService constructs KeyService.
func NewKeyService(keys repository.KeyRepository) *KeyService {
	return &KeyService{keys: keys}
}

// Register stores (or rotates in place) the owner's public key. Only public halves are accepted.
func (s *KeyService) Register(ctx context.Context, ownerID uuid.UUID, publicKey []byte) (model.EncryptionKey, error) {
	if ownerID == uuid.Nil {
		return model.EncryptionKey{}, fmt.Errorf("%w: empty owner", errs.ErrValidation)
	}
	if err := pkgcrypto.ValidatePublicKey(publicKey); err != nil {
		return model.EncryptionKey{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	return s.keys.UpsertPersonal(ctx, ownerID, publicKey)
}

// Get returns the owner's active public key.
func (s *KeyService) Get(ctx context.Context, ownerID uuid.UUID) (model.EncryptionKey, error) {
	return s.keys.GetActivePersonal(ctx, ownerID)
}
