// Package service implements the messaging use cases on top of the repositories and the delivery gateway.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/event"
	"github.com/and161185/inkwell/internal/gateway"
	"github.com/and161185/inkwell/internal/model"
)

// Broadcaster is the slice of the delivery gateway the services publish through.
// *gateway.Hub implements it.
type Broadcaster interface {
	// Publish fans an event out to every connection in room on every process.
	Publish(ctx context.Context, room gateway.Room, kind event.ServerKind, payload any) error
	// Evict removes every connection of userID from room.
	Evict(ctx context.Context, userID uuid.UUID, room gateway.Room) error
}

var _ Broadcaster = (*gateway.Hub)(nil)

const defaultPageSize = 20

// Paging bounds page/limit query parameters. Zero values select defaults; limit is capped at max.
func Paging(page, limit, max int) (model.Pagination, error) {
	if page < 0 || limit < 0 {
		return model.Pagination{}, fmt.Errorf("%w: page and limit must be positive", errs.ErrValidation)
	}
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if max > 0 && limit > max {
		limit = max
	}
	return model.Pagination{Page: page, Limit: limit}, nil
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", errs.ErrValidation, err)
}

// reusedRef reports a client temp id that already names a message in another conversation.
func reusedRef(tempID model.TempID) error {
	return fmt.Errorf("%w: tempId %s was already used for another conversation", errs.ErrAlreadyExists, tempID)
}

func forbidden(msg string) error {
	return fmt.Errorf("%w: %s", errs.ErrForbidden, msg)
}

// PublicMessage returns the text shown to a client for err. Internal failures are not leaked.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, errs.ErrValidation),
		errors.Is(err, errs.ErrForbidden),
		errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrAlreadyExists),
		errors.Is(err, errs.ErrUnauthorized),
		errors.Is(err, errs.ErrRateLimited):
		return err.Error()
	default:
		return "internal error"
	}
}
