// Package policy decides whether a user known to the IdP may use this
// application.
package policy

import (
	"fmt"
	"slices"

	"github.com/al-bashkir/fusionauth-webapp-auth/internal/idp"
)

// DefaultDeactivatedRole is the registration role that marks a user as
// administratively deactivated for the application.
const DefaultDeactivatedRole = "deactivated"

// Denial reasons.
const (
	ReasonNoRegistrations = "no_registrations"
	ReasonNotRegistered   = "not_registered"
	ReasonDeactivated     = "deactivated"
)

// DeniedError reports a user who authenticated but is not entitled to the
// application.
type DeniedError struct {
	ApplicationID string
	Reason        string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("registration denied for application %s: %s", e.ApplicationID, e.Reason)
}

// Description is the end-user explanation of the denial.
func (e *DeniedError) Description() string {
	switch e.Reason {
	case ReasonDeactivated:
		return "Your access to this application has been deactivated."
	default:
		return "You are signed in but not registered for this application."
	}
}

// Policy checks registrations against one application.
type Policy struct {
	applicationID   string
	deactivatedRole string
}

// New creates a policy. An empty deactivatedRole selects DefaultDeactivatedRole.
func New(applicationID, deactivatedRole string) *Policy {
	if deactivatedRole == "" {
		deactivatedRole = DefaultDeactivatedRole
	}
	return &Policy{
		applicationID:   applicationID,
		deactivatedRole: deactivatedRole,
	}
}

// IsRegistered reports whether regs contain a registration for the
// application that does not carry the deactivation role.
func (p *Policy) IsRegistered(regs []idp.Registration) bool {
	return p.Check(regs) == nil
}

// Check is IsRegistered with the reason for a denial.
func (p *Policy) Check(regs []idp.Registration) error {
	if len(regs) == 0 {
		return &DeniedError{ApplicationID: p.applicationID, Reason: ReasonNoRegistrations}
	}

	deactivated := false
	for _, reg := range regs {
		if reg.ApplicationID != p.applicationID {
			continue
		}
		if !slices.Contains(reg.Roles, p.deactivatedRole) {
			return nil
		}
		deactivated = true
	}

	if deactivated {
		return &DeniedError{ApplicationID: p.applicationID, Reason: ReasonDeactivated}
	}
	return &DeniedError{ApplicationID: p.applicationID, Reason: ReasonNotRegistered}
}
