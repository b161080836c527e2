package rbac

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"

	"github.com/flowdeploy-go/pkg/database"
	"github.com/flowdeploy-go/pkg/logger"
)

// Roles are granted per organization: g(user, role, organization).
const modelText = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub, r.dom) && (r.dom == p.dom || p.dom == "*") && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// Objects guarded by policies
const (
	ObjectDeployments   = "deployments"
	ObjectOrganizations = "organizations"
	ObjectMembers       = "members"
	ObjectRoles         = "roles"
	ObjectCredentials   = "credentials"
)

const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAll    = "*"
)

// defaultPolicies: admins may do anything in their organization, users may
// look around.
var defaultPolicies = [][]string{
	{"admin", "*", "*", ActionAll},
	{"user", "*", ObjectDeployments, ActionRead},
	{"user", "*", ObjectOrganizations, ActionRead},
	{"user", "*", ObjectMembers, ActionRead},
	{"user", "*", ObjectRoles, ActionRead},
}

// Enforcer wraps a casbin enforcer whose policies live in the service
// database.
type Enforcer struct {
	enforcer *casbin.Enforcer
	logger   logger.Logger
}

func NewEnforcer(db *database.DB, log logger.Logger) (*Enforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rbac model: %w", err)
	}

	e, err := casbin.NewEnforcer(m, adapter)
	if err != nil {
		return nil, fmt.Errorf("failed to create enforcer: %w", err)
	}
	e.EnableAutoSave(true)
	e.EnableLog(false)

	for _, p := range defaultPolicies {
		if _, err := e.AddPolicy(p[0], p[1], p[2], p[3]); err != nil {
			return nil, fmt.Errorf("failed to seed policy %v: %w", p, err)
		}
	}

	return &Enforcer{
		enforcer: e,
		logger:   log,
	}, nil
}

// Enforce reports whether userID may perform action on object inside
// organizationID.
func (e *Enforcer) Enforce(userID, organizationID, object, action string) (bool, error) {
	allowed, err := e.enforcer.Enforce(userID, organizationID, object, action)
	if err != nil {
		e.logger.Error("Failed to check permission", "error", err, "user", userID, "organization", organizationID, "object", object, "action", action)
		return false, err
	}

	e.logger.Debug("Permission check", "user", userID, "organization", organizationID, "object", object, "action", action, "allowed", allowed)
	return allowed, nil
}

func (e *Enforcer) AddRole(userID, role, organizationID string) error {
	added, err := e.enforcer.AddRoleForUserInDomain(userID, role, organizationID)
	if err != nil {
		return fmt.Errorf("failed to add role: %w", err)
	}
	if !added {
		e.logger.Debug("Role already assigned", "user", userID, "role", role, "organization", organizationID)
		return nil
	}

	e.logger.Info("Role assigned", "user", userID, "role", role, "organization", organizationID)
	return nil
}

func (e *Enforcer) RemoveRole(userID, role, organizationID string) error {
	removed, err := e.enforcer.DeleteRoleForUserInDomain(userID, role, organizationID)
	if err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}
	if !removed {
		e.logger.Warn("Role not found for user", "user", userID, "role", role, "organization", organizationID)
		return nil
	}

	e.logger.Info("Role removed", "user", userID, "role", role, "organization", organizationID)
	return nil
}

func (e *Enforcer) RolesFor(userID, organizationID string) []string {
	return e.enforcer.GetRolesForUserInDomain(userID, organizationID)
}

func (e *Enforcer) UsersForRole(role, organizationID string) []string {
	return e.enforcer.GetUsersForRoleInDomain(role, organizationID)
}
