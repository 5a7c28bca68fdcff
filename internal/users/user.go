package users

import (
	"strings"
	"time"
)

// Role is an authorization tag carried by a user.
type Role string

const (
	RoleParent       Role = "PARENT"
	RoleHealthWorker Role = "HEALTH_WORKER"
	RoleAdmin        Role = "ADMIN"
)

// DefaultRole is assigned to any user that has no roles.
const DefaultRole = RoleParent

// AuthProvider records how a user originally authenticated.
type AuthProvider string

const (
	AuthProviderLocal  AuthProvider = "LOCAL"
	AuthProviderGoogle AuthProvider = "GOOGLE"
)

// User is the persisted account record. Username is the unique lookup key.
type User struct {
	ID           string       `gorm:"column:id;primaryKey;size:36"`
	Username     string       `gorm:"column:username;size:320;not null;uniqueIndex"`
	Email        string       `gorm:"column:email;size:320"`
	Name         string       `gorm:"column:name;size:320"`
	AuthProvider AuthProvider `gorm:"column:auth_provider;size:32;not null"`
	Roles        []UserRole   `gorm:"foreignKey:UserID;references:ID;constraint:OnDelete:CASCADE"`
	CreatedAt    time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// UserRole is one member of a user's role set.
type UserRole struct {
	UserID string `gorm:"column:user_id;primaryKey;size:36"`
	Role   Role   `gorm:"column:role;primaryKey;size:32"`
}

// TableName exposes the table backing user roles.
func (UserRole) TableName() string {
	return "user_roles"
}

// RoleSet returns the distinct roles held by the user in insertion order.
func (u *User) RoleSet() []Role {
	if u == nil {
		return nil
	}
	roles := make([]Role, 0, len(u.Roles))
	for _, entry := range u.Roles {
		roles = append(roles, entry.Role)
	}
	return distinctRoles(roles)
}

// HasRoles reports whether the user carries at least one role.
func (u *User) HasRoles() bool {
	return len(u.RoleSet()) > 0
}

// SetRoles replaces the user's role set. Blank and repeated roles are dropped.
func (u *User) SetRoles(roles ...Role) {
	distinct := distinctRoles(roles)
	entries := make([]UserRole, 0, len(distinct))
	for _, role := range distinct {
		entries = append(entries, UserRole{UserID: u.ID, Role: role})
	}
	u.Roles = entries
}

func distinctRoles(roles []Role) []Role {
	seen := make(map[Role]struct{}, len(roles))
	distinct := make([]Role, 0, len(roles))
	for _, role := range roles {
		role = Role(strings.TrimSpace(string(role)))
		if role == "" {
			continue
		}
		if _, duplicate := seen[role]; duplicate {
			continue
		}
		seen[role] = struct{}{}
		distinct = append(distinct, role)
	}
	return distinct
}
