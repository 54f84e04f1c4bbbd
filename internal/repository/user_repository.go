package repository

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"metachat/chatroom-service/internal/models"
)

// userRepository reads the identity subsystem's users table. It never
// selects anything beyond the public profile columns.
type userRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) UserRepository {
	return &userRepository{
		db: db,
	}
}

func (r *userRepository) GetProfiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	profiles := make(map[string]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, username, email, avatar FROM users WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p models.UserProfile
		if err := rows.Scan(&p.ID, &p.Username, &p.Email, &p.Avatar); err != nil {
			return nil, err
		}
		profiles[p.ID] = p
	}

	return profiles, rows.Err()
}

func (r *userRepository) SearchProfiles(ctx context.Context, excludeID, query string, limit int) ([]models.UserProfile, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, username, email, avatar
	FROM users
	WHERE id <> $1 AND ($2 = '' OR username ILIKE '%' || $2 || '%' OR email ILIKE '%' || $2 || '%')
	ORDER BY username
	LIMIT $3
	`, excludeID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []models.UserProfile
	for rows.Next() {
		var p models.UserProfile
		if err := rows.Scan(&p.ID, &p.Username, &p.Email, &p.Avatar); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}
