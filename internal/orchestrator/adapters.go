package orchestrator

import (
	"strconv"

	"killfeed/internal/entity"
	"killfeed/internal/format"
)

// NewNameResolver adapts an entity.Resolver into the format.NameResolver
// the formatter consumes, for callers calling format.Render outside of
// New (e.g. the operator CLI's send-test path).
func NewNameResolver(r *entity.Resolver) format.NameResolver {
	return newEntityNames(r)
}

// entityNames adapts entity.Resolver to format.NameResolver: both the
// system-name and generic entity-name lookups the formatter needs resolve
// through the same read-through cache; the formatter renders "?" on either
// kind of miss.
type entityNames struct {
	entities *entity.Resolver
}

func newEntityNames(r *entity.Resolver) entityNames {
	return entityNames{entities: r}
}

func (n entityNames) SystemName(id int64) (string, bool) {
	info, ok := n.entities.Resolve(id)
	if !ok {
		return "", false
	}
	return info.Name, true
}

func (n entityNames) EntityName(id int64) (string, bool) {
	info, ok := n.entities.Resolve(id)
	if !ok {
		return "", false
	}
	return info.Name, true
}

// identityGroupToRole is the default GroupToRole: it renders a chat-group
// ID directly as the role ID. A deployment with a real group->role mapping
// store supplies its own format.GroupToRole instead of this default.
func identityGroupToRole(groupID int64) (string, bool) {
	if groupID <= 0 {
		return "", false
	}
	return strconv.FormatInt(groupID, 10), true
}
