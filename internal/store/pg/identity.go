package pg

import (
	"context"
	"database/sql"
	"errors"

	"fintrail.org/internal/authz"
	"fintrail.org/internal/identity"
	"fintrail.org/internal/ids"
)

var _ identity.Store = (*Store)(nil)

const userColumns = `id, username, email, password_hash, role, coalesce(client_id,''), created_at, updated_at`

func scanUser(row rowScanner) (*identity.User, error) {
	var u identity.User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.ClientID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = authz.Role(role)
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *identity.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash, role, client_id)
		values ($1,$2,$3,$4,$5,nullif($6,''))
		returning created_at, updated_at
	`, u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.ClientID).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return identity.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*identity.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	return u, err
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	return u, err
}

func (s *Store) FindByClient(ctx context.Context, clientID string) (*identity.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where role=$1 and client_id=$2`, string(authz.RoleClient), clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]*identity.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, id string, upd identity.UserUpdate) (*identity.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := scanUser(tx.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.Password != nil {
		u.PasswordHash = *upd.Password
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.ClientID != nil {
		u.ClientID = *upd.ClientID
	}

	err = tx.QueryRowContext(ctx, `
		update users
		set username=$2, email=$3, password_hash=$4, role=$5, client_id=nullif($6,''), updated_at=now()
		where id=$1
		returning updated_at
	`, id, u.Username, u.Email, u.PasswordHash, string(u.Role), u.ClientID).Scan(&u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return nil, identity.ErrAlreadyExists
			case pgErrCheckViolation:
				return nil, identity.ErrInvalidInput
			}
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}
