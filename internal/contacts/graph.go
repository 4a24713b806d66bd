package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/peerlink/signalhub/internal/models"
	"github.com/peerlink/signalhub/internal/repository/postgres"
)

// ErrUnknownCaller means the caller handle resolved to no account.
var ErrUnknownCaller = errors.New("contacts: unknown caller")

const cacheSize = 4096

// UserFinder resolves an email to an account.
type UserFinder interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

// ConnectionLister reads accepted contact-graph edges.
type ConnectionLister interface {
	ListAcceptedContacts(ctx context.Context, userID uuid.UUID) ([]models.Connection, error)
}

// Graph answers "whose presence may this user see": the accepted contacts of
// an account, cached briefly since the check event is polled.
type Graph struct {
	users       UserFinder
	connections ConnectionLister
	cache       *expirable.LRU[string, []string]
}

// NewGraph creates the contact graph adapter with a TTL-bounded cache.
func NewGraph(users UserFinder, connections ConnectionLister, cacheTTL time.Duration) *Graph {
	return &Graph{
		users:       users,
		connections: connections,
		cache:       expirable.NewLRU[string, []string](cacheSize, nil, cacheTTL),
	}
}

// AcceptedContactsOf returns the emails of the caller's accepted contacts.
// The caller handle is normally an email, but a user UUID is tolerated for
// older clients that send the account id instead.
func (g *Graph) AcceptedContactsOf(ctx context.Context, caller string) ([]string, error) {
	if cached, ok := g.cache.Get(caller); ok {
		return cached, nil
	}

	userID, err := g.resolveCaller(ctx, caller)
	if err != nil {
		return nil, err
	}

	connections, err := g.connections.ListAcceptedContacts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("contacts: list accepted: %w", err)
	}

	emails := make([]string, 0, len(connections))
	for _, c := range connections {
		emails = append(emails, c.FromEmail)
	}

	g.cache.Add(caller, emails)
	return emails, nil
}

func (g *Graph) resolveCaller(ctx context.Context, caller string) (uuid.UUID, error) {
	if id, err := uuid.Parse(caller); err == nil {
		return id, nil
	}

	user, err := g.users.FindByEmail(ctx, caller)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return uuid.Nil, ErrUnknownCaller
		}
		return uuid.Nil, fmt.Errorf("contacts: resolve caller: %w", err)
	}
	return user.ID, nil
}
