// Package identity turns validated caller claims into a typed identity and
// the hub groups that identity belongs to.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingClaim means a mandatory claim was absent. Connections carrying
// such an identity are refused outright.
var ErrMissingClaim = errors.New("missing mandatory identity claim")

// AllConnectionsGroup receives system-wide broadcasts.
const AllConnectionsGroup = "AllConnections"

// Administrative roles allowed to read connection statistics.
const (
	RoleAdmin      = "Admin"
	RoleSuperAdmin = "SuperAdmin"
)

// Identity is the caller as established by the authentication layer.
// UserID and EmployeeID are mandatory; the rest are optional.
type Identity struct {
	UserID         string `json:"user_id"`
	EmployeeID     string `json:"employee_id"`
	BranchID       string `json:"branch_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Role           string `json:"role,omitempty"`
}

// Validate reports which mandatory claim is missing, if any.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return fmt.Errorf("%w: user id", ErrMissingClaim)
	}
	if strings.TrimSpace(id.EmployeeID) == "" {
		return fmt.Errorf("%w: employee id", ErrMissingClaim)
	}
	return nil
}

// IsAdmin reports whether the identity carries an administrative role.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin || id.Role == RoleSuperAdmin
}

// Groups computes the hub groups a connection with this identity joins at
// connect time. It fails with ErrMissingClaim when a mandatory claim is absent.
func (id Identity) Groups() ([]string, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	groups := []string{UserGroup(id.UserID), AllConnectionsGroup}
	if id.BranchID != "" {
		groups = append(groups, BranchGroup(id.BranchID))
	}
	if id.OrganizationID != "" {
		groups = append(groups, OrganizationGroup(id.OrganizationID))
	}
	if id.Role != "" {
		groups = append(groups, RoleGroup(id.Role))
	}
	return groups, nil
}

func UserGroup(userID string) string {
	return "User_" + userID
}

func BranchGroup(branchID string) string {
	return "Branch_" + branchID
}

func OrganizationGroup(orgID string) string {
	return "Organization_" + orgID
}

func RoleGroup(role string) string {
	return "Role_" + role
}
