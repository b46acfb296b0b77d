package shared

import "fmt"

// OriginType classifies where a requisition was raised.
type OriginType string

const (
	// OriginBranch marks requests raised at a branch office.
	OriginBranch OriginType = "BRANCH"
	// OriginHQ marks requests raised at headquarters.
	OriginHQ OriginType = "HQ"
	// OriginField marks requests raised by field operations.
	OriginField OriginType = "FIELD"
	// OriginAny is only valid on threshold rules and matches every origin.
	OriginAny OriginType = "ANY"
)

// ParseOriginType validates a requisition origin. OriginAny is rejected
// because it is a rule-side wildcard, not a real origin.
func ParseOriginType(raw string) (OriginType, error) {
	switch OriginType(raw) {
	case OriginBranch, OriginHQ, OriginField:
		return OriginType(raw), nil
	}
	return "", fmt.Errorf("shared: invalid origin type %q", raw)
}

// OrgScope locates a requisition inside the organisation tree.
type OrgScope struct {
	CompanyID    int64
	RegionID     int64
	BranchID     int64
	DepartmentID int64
}
