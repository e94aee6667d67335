package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/repository"
)

const mediaScheme = "media:"

// MediaResolver turns a client-supplied media reference into a public URL.
// Absolute http(s) URLs pass through; media:<key> is looked up among the sender's uploads.
type MediaResolver struct {
	repo repository.MediaRepository
}

// NewMediaResolver constructs a resolver. A nil repo only accepts absolute URLs.
func NewMediaResolver(repo repository.MediaRepository) *MediaResolver {
	return &MediaResolver{repo: repo}
}

// Resolve returns the URL to store for ref. An empty ref stays empty.
func (r *MediaResolver) Resolve(ctx context.Context, ownerID uuid.UUID, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if key, ok := strings.CutPrefix(ref, mediaScheme); ok {
		if key == "" || r.repo == nil {
			return "", fmt.Errorf("%w: unknown media %q", errs.ErrValidation, ref)
		}
		u, err := r.repo.GetURL(ctx, ownerID, key)
		if err != nil {
			return "", fmt.Errorf("resolve media: %w", err)
		}
		return u, nil
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: mediaUrl must be an absolute http(s) URL", errs.ErrValidation)
	}
	return ref, nil
}
