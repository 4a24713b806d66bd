package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peerlink/signalhub/internal/models"
)

// ConnectionRepository reads the contact graph. Requests are sent and
// accepted through the external user-graph service.
type ConnectionRepository struct {
	pool *pgxpool.Pool
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(pool *pgxpool.Pool) *ConnectionRepository {
	return &ConnectionRepository{pool: pool}
}

// ListAcceptedContacts returns the accepted edges pointing at the user,
// joined to both parties' emails.
func (r *ConnectionRepository) ListAcceptedContacts(ctx context.Context, userID uuid.UUID) ([]models.Connection, error) {
	query := `
		SELECT u1.email AS from_email,
		       u2.email AS to_email,
		       uc.is_accepted
		FROM user_connection uc
		JOIN users u1 ON uc.from_id = u1.id
		JOIN users u2 ON uc.to_id = u2.id
		WHERE uc.to_id = $1 AND uc.is_accepted = true
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connections []models.Connection
	for rows.Next() {
		var c models.Connection
		if err := rows.Scan(&c.FromEmail, &c.ToEmail, &c.IsAccepted); err != nil {
			return nil, err
		}
		connections = append(connections, c)
	}

	return connections, rows.Err()
}
