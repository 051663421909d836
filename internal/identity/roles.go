package identity

import "strings"

// Target roles.
const (
	RoleAdmin         = "admin"
	RoleAvocat        = "avocat"
	RoleCollaborateur = "collaborateur"
)

var roleSynonyms = map[string]string{
	"admin":          RoleAdmin,
	"administrator":  RoleAdmin,
	"administrateur": RoleAdmin,
	"superadmin":     RoleAdmin,
	"super_admin":    RoleAdmin,
	"owner":          RoleAdmin,

	"avocat":   RoleAvocat,
	"lawyer":   RoleAvocat,
	"attorney": RoleAvocat,
	"associe":  RoleAvocat,
	"partner":  RoleAvocat,
	"counsel":  RoleAvocat,

	"collaborateur": RoleCollaborateur,
	"collaborator":  RoleCollaborateur,
	"employee":      RoleCollaborateur,
	"staff":         RoleCollaborateur,
	"assistant":     RoleCollaborateur,
	"secretaire":    RoleCollaborateur,
	"secretary":     RoleCollaborateur,
	"member":        RoleCollaborateur,
	"user":          RoleCollaborateur,
}

// MapRole returns the target role for a legacy role name.
func MapRole(name string) (string, bool) {
	role, ok := roleSynonyms[strings.ToLower(strings.TrimSpace(name))]
	return role, ok
}
