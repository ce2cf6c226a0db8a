package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleManager    = "manager"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
	RoleSupport    = "support" // hidden role
)

// Campaign route role sets.
var (
	CampaignWriters = []string{RoleOwner, RoleManager}
	CampaignReaders = []string{RoleOwner, RoleManager, RoleAnalyst}
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }
