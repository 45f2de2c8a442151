package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMembershipStore keeps user->teams in Redis sets (key: teammem:{userID}).
// It is a drop-in for the membership part of the directory when team rosters
// are shared across processes.
type RedisMembershipStore struct {
	client *redis.Client
	keyFmt string // format string, e.g. "teammem:%s"
}

func NewRedisMembershipStore(client *redis.Client) *RedisMembershipStore {
	return &RedisMembershipStore{client: client, keyFmt: "teammem:%s"}
}

func (r *RedisMembershipStore) key(userID string) string {
	return fmt.Sprintf(r.keyFmt, userID)
}

func (r *RedisMembershipStore) AddMember(ctx context.Context, userID, teamID string) error {
	return r.client.SAdd(ctx, r.key(userID), teamID).Err()
}

func (r *RedisMembershipStore) RemoveMember(ctx context.Context, userID, teamID string) error {
	return r.client.SRem(ctx, r.key(userID), teamID).Err()
}

func (r *RedisMembershipStore) UserTeamIDs(ctx context.Context, userID string) ([]string, error) {
	res, err := r.client.SMembers(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}
