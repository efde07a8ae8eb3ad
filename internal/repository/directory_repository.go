package repository

import (
	"context"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/pkg/database"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
)

// ownerOrgType is the org node type whose owners acknowledge fee performance.
const ownerOrgType = "GROUP_GM"

// DirectoryRepository answers identity and ownership questions from the
// users, org_structure, fee_definitions and customers tables. The core only
// reads from them.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetUser returns a user and their role.
func (r *DirectoryRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query := `
		SELECT user_id, username, full_name, role_code, status
		FROM users
		WHERE user_id::text = $1
	`

	u := &domain.User{}
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.Status)
	if database.IsNoRows(err) {
		return nil, errors.NotFound("user", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// UsersWithRoles returns every active user holding one of roles.
func (r *DirectoryRepository) UsersWithRoles(ctx context.Context, roles ...domain.Role) ([]*domain.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	codes := make([]string, len(roles))
	for i, role := range roles {
		codes[i] = string(role)
	}

	query := `
		SELECT user_id, username, full_name, role_code, status
		FROM users
		WHERE role_code = ANY($1) AND status = 'active'
		ORDER BY username ASC
	`

	rows, err := r.db.Query(ctx, query, codes)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	defer rows.Close()

	var out []*domain.User
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.FullName, &u.Role, &u.Status); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users by role")
	}
	return out, nil
}

// FeeOwners returns the distinct owners of GROUP_GM org nodes attached to the
// fee, either through the fee definition itself or a current ownership row.
func (r *DirectoryRepository) FeeOwners(ctx context.Context, feeID string) ([]string, error) {
	query := `
		SELECT DISTINCT os.owner_user_id::text
		FROM org_structure os
		WHERE os.org_type = $2
		  AND os.owner_user_id IS NOT NULL
		  AND os.org_id IN (
		      SELECT fd.org_id FROM fee_definitions fd
		      WHERE fd.fee_id = $1 AND fd.org_id IS NOT NULL
		      UNION
		      SELECT fo.org_id FROM fee_ownership fo
		      WHERE fo.fee_id = $1
		        AND fo.effective_from <= CURRENT_DATE
		        AND (fo.effective_to IS NULL OR fo.effective_to >= CURRENT_DATE)
		  )
		ORDER BY 1
	`

	rows, err := r.db.Query(ctx, query, feeID, ownerOrgType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get fee owners")
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan fee owner")
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get fee owners")
	}
	return owners, nil
}

// GetFee returns a fee definition.
func (r *DirectoryRepository) GetFee(ctx context.Context, id string) (*domain.Fee, error) {
	query := `
		SELECT fee_id, fee_code, fee_name, status, org_id
		FROM fee_definitions
		WHERE fee_id::text = $1
	`

	f := &domain.Fee{}
	err := r.db.QueryRow(ctx, query, id).Scan(&f.ID, &f.Code, &f.Name, &f.Status, &f.OrgID)
	if database.IsNoRows(err) {
		return nil, errors.NotFound("fee", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get fee")
	}
	return f, nil
}

// CustomerExists reports whether the customer is on file.
func (r *DirectoryRepository) CustomerExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE customer_id::text = $1)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check customer")
	}
	return exists, nil
}
