package service

import "github.com/noah-isme/sma-class-chat/internal/models"

// Capability names an action guarded by the permission resolver.
type Capability string

const (
	CapabilityView              Capability = "view"
	CapabilityManageClass       Capability = "manage_class"
	CapabilityManageFinance     Capability = "manage_finance"
	CapabilityManageTasks       Capability = "manage_tasks"
	CapabilityManageGallery     Capability = "manage_gallery"
	CapabilityManageClassGroups Capability = "manage_class_groups"
)

// PermissionPolicy holds the configurable points of the resolver.
type PermissionPolicy struct {
	VicePresidentRequiresApproval bool
}

// PermissionResolver answers role, class and visibility questions. It performs no I/O.
type PermissionResolver struct {
	policy PermissionPolicy
}

// NewPermissionResolver constructs a resolver with the given policy.
func NewPermissionResolver(policy PermissionPolicy) *PermissionResolver {
	return &PermissionResolver{policy: policy}
}

// CanAccess reports whether actor may exercise capability on a resource owned by classID.
func (p *PermissionResolver) CanAccess(actor *models.User, classID string, capability Capability, visibility models.Visibility) bool {
	if actor == nil || !actor.Role.Valid() {
		return false
	}
	if hasAdminAccess(actor.Role) {
		return true
	}

	own := actor.InClass(classID)
	role := actor.Role
	switch capability {
	case CapabilityView:
		if visibility == models.VisibilitySchool || visibility == models.VisibilityPublic {
			return true
		}
		return own || role == models.RoleTeacher
	case CapabilityManageClass:
		return role == models.RoleClassTeacher && own
	case CapabilityManageFinance:
		return own && (role == models.RoleClassTeacher || role == models.RoleTreasurer)
	case CapabilityManageTasks:
		return role == models.RoleTeacher || (own && (role == models.RoleClassTeacher || role == models.RoleSecretary))
	case CapabilityManageGallery:
		if !own {
			return false
		}
		return role == models.RoleClassTeacher || role == models.RoleClassPresident ||
			role == models.RoleVicePresident || role == models.RoleSecretary
	case CapabilityManageClassGroups:
		if role == models.RoleTeacher {
			return true
		}
		if !own {
			return false
		}
		return role == models.RoleClassTeacher || role == models.RoleClassPresident || role == models.RoleVicePresident
	}
	return false
}

// HasRank reports whether the actor ranks at or above required.
func (p *PermissionResolver) HasRank(actor *models.User, required models.UserRole) bool {
	return actor != nil && actor.Role.AtLeast(required)
}

// IsGroupAdmin reports whether the actor holds an admin record on the conversation.
func (p *PermissionResolver) IsGroupAdmin(actor *models.User, conv models.Conversation) bool {
	return actor != nil && conv != nil && conv.IsAdmin(actor.ID)
}

// CanModerateGroup reports whether the actor may change membership roles or metadata.
func (p *PermissionResolver) CanModerateGroup(actor *models.User, conv models.Conversation) bool {
	if actor == nil {
		return false
	}
	return hasAdminAccess(actor.Role) || p.IsGroupAdmin(actor, conv)
}

// CanAddGroupMembers reports whether the actor may add participants to a group
// bound to groupClassID. Vice presidents are refused when approval is required.
func (p *PermissionResolver) CanAddGroupMembers(actor *models.User, groupClassID *string, isGroupAdmin bool) bool {
	if actor == nil {
		return false
	}
	if hasAdminAccess(actor.Role) || isGroupAdmin {
		return true
	}
	if groupClassID == nil || !actor.InClass(*groupClassID) {
		return false
	}
	switch actor.Role {
	case models.RoleClassPresident:
		return true
	case models.RoleVicePresident:
		return !p.policy.VicePresidentRequiresApproval
	}
	return false
}

func hasAdminAccess(role models.UserRole) bool {
	return role == models.RoleSuperAdmin || role == models.RoleAdmin
}
