package models

// Scope is the (user, tenant, departments) triple that gates every
// retrieval and write. A scope with neither a user nor a tenant is empty,
// and every store operation called with an empty scope returns no rows.
type Scope struct {
	UserID             *string  `json:"user_id,omitempty"`
	TenantID           *string  `json:"tenant_id,omitempty"`
	AllowedDepartments []string `json:"departments,omitempty"`
	Role               string   `json:"role,omitempty"`
}

// IsEmpty reports whether the scope grants access to nothing.
func (s Scope) IsEmpty() bool {
	return s.UserID == nil && s.TenantID == nil
}

// WithDivision returns a copy of the scope narrowed to a single department.
// An unknown division yields an empty department list, which fails secure
// at the document store.
func (s Scope) WithDivision(division string) Scope {
	out := s
	if division == "" {
		return out
	}
	for _, d := range s.AllowedDepartments {
		if d == division {
			out.AllowedDepartments = []string{division}
			return out
		}
	}
	out.AllowedDepartments = nil
	return out
}

// User returns the user id or "" when unset.
func (s Scope) User() string {
	if s.UserID == nil {
		return ""
	}
	return *s.UserID
}

// Tenant returns the tenant id or "" when unset.
func (s Scope) Tenant() string {
	if s.TenantID == nil {
		return ""
	}
	return *s.TenantID
}
