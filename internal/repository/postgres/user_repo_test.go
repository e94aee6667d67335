package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/inkwell/internal/errs"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func TestUserRepo_GetByID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	mock.ExpectQuery(`SELECT id, display_name, created_at\s+FROM users WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "display_name", "created_at"}).
			AddRow(id, "Ada", time.Now()))
	u, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, u.ID)
	require.Equal(t, "Ada", u.DisplayName)

	mock.ExpectQuery(`FROM users WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_GetByIDs(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	a, b := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())

	out, err := r.GetByIDs(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, out)

	mock.ExpectQuery(`FROM users WHERE id = ANY\(\$1\)`).
		WithArgs([]uuid.UUID{a, b}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "display_name", "created_at"}).
			AddRow(a, "A", time.Now()))
	out, err = r.GetByIDs(ctx, []uuid.UUID{a, b})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, a, out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
