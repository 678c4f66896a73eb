package authz

import "context"

// AgentLookup resolves a hashed token to the Agent Record it belongs to.
// internal/store's repository satisfies this against admin_token_hash /
// share_token_hash columns.
type AgentLookup interface {
	FindAgentByAdminHash(ctx context.Context, hash string) (agentID string, ok bool, err error)
	FindAgentByShareHash(ctx context.Context, hash string) (agentID string, ok bool, err error)
}

// Classification is the result of classifying a presented token (§4.4).
type Classification struct {
	Role    Role
	AgentID string // empty for SuperAdmin unless a working agent is later selected
}

// Classify implements the §4.4 classification order: SuperAdmin by
// constant-time compare first, then Admin/Share by hash lookup. ok is false
// when the token matches nothing or is too short to hash, which the caller
// should record as an auth-failure Audit Entry. err is non-nil only for a
// genuine lookup failure (store unreachable, etc), distinct from a token
// simply not matching anything.
func Classify(ctx context.Context, lookup AgentLookup, secret Secret, superAdminToken, presented string, minLength int) (Classification, bool, error) {
	if IsSuperAdminToken(presented, superAdminToken) {
		return Classification{Role: RoleSuperAdmin}, true, nil
	}

	if len(presented) < minLength {
		return Classification{}, false, nil
	}

	hash := HashToken(secret, presented)

	if agentID, ok, err := lookup.FindAgentByAdminHash(ctx, hash); err != nil {
		return Classification{}, false, err
	} else if ok {
		return Classification{Role: RoleAdmin, AgentID: agentID}, true, nil
	}

	if agentID, ok, err := lookup.FindAgentByShareHash(ctx, hash); err != nil {
		return Classification{}, false, err
	} else if ok {
		return Classification{Role: RoleShare, AgentID: agentID}, true, nil
	}

	return Classification{}, false, nil
}
