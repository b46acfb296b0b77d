// Package roles defines the closed set of approval roles and their
// capabilities.
package roles

import "fmt"

// Role identifies an approval role in the requisition chain.
type Role string

const (
	Requester        Role = "REQUESTER"
	BranchManager    Role = "BRANCH_MANAGER"
	RegionalManager  Role = "REGIONAL_MANAGER"
	FinanceOfficer   Role = "FINANCE_OFFICER"
	TreasuryOfficer  Role = "TREASURY_OFFICER"
	InternalAuditor  Role = "INTERNAL_AUDITOR"
	CFO              Role = "CFO"
	ManagingDirector Role = "MANAGING_DIRECTOR"
)

// All lists every valid role in severity order.
func All() []Role {
	return []Role{
		Requester,
		BranchManager,
		RegionalManager,
		FinanceOfficer,
		TreasuryOfficer,
		InternalAuditor,
		CFO,
		ManagingDirector,
	}
}

// Parse converts raw input into a Role.
func Parse(raw string) (Role, error) {
	r := Role(raw)
	if !r.Valid() {
		return "", fmt.Errorf("roles: unknown role %q", raw)
	}
	return r, nil
}

// Valid reports whether the role belongs to the closed set.
func (r Role) Valid() bool {
	switch r {
	case Requester, BranchManager, RegionalManager, FinanceOfficer,
		TreasuryOfficer, InternalAuditor, CFO, ManagingDirector:
		return true
	}
	return false
}

// CanApprove reports whether the role may act as a chain approver.
// Requester is a no-op tier and never approves.
func (r Role) CanApprove() bool {
	switch r {
	case Requester:
		return false
	case BranchManager, RegionalManager, FinanceOfficer, TreasuryOfficer,
		InternalAuditor, CFO, ManagingDirector:
		return true
	}
	return false
}

// Centralized reports whether candidates for the role are looked up without
// organisational scoping.
func (r Role) Centralized() bool {
	switch r {
	case TreasuryOfficer, InternalAuditor, CFO, ManagingDirector:
		return true
	case Requester, BranchManager, RegionalManager, FinanceOfficer:
		return false
	}
	return false
}

// FundCustodian reports whether the role holds custody of treasury funds.
// A requisition raised by a custodian routes through the substitute chain.
func (r Role) FundCustodian() bool {
	return r == TreasuryOfficer
}

func (r Role) String() string {
	return string(r)
}
