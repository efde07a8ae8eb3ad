package domain

import (
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Role is a user's role code in the identity directory.
type Role string

const (
	RoleCEO          Role = "CEO"
	RoleGMRetail     Role = "GM_RETAIL"
	RoleGMCorporate  Role = "GM_CORPORATE"
	RoleGMFinance    Role = "GM_FINANCE"
	RoleGMOperations Role = "GM_OPERATIONS"
	RoleGMRisk       Role = "GM_RISK"
	RoleGMCompliance Role = "GM_COMPLIANCE"
	RoleGMIT         Role = "GM_IT"
	RoleRM           Role = "RM"
	RoleBranchMgr    Role = "BRANCH_MGR"
	RoleAdminMaker   Role = "ADMIN_MAKER"
	RoleAdminChecker Role = "ADMIN_CHECKER"
)

// Operation is a governed action a caller may attempt.
type Operation string

const (
	OpAcknowledgePerformance Operation = "ACKNOWLEDGE_PERFORMANCE"
	OpCeoDecision            Operation = "CEO_DECISION"
	OpUpdateMeasurement      Operation = "UPDATE_MEASUREMENT"
	OpRecommendExemption     Operation = "RECOMMEND_EXEMPTION"
	OpDecideExemption        Operation = "DECIDE_EXEMPTION"
	OpProposeLimit           Operation = "PROPOSE_EXEMPTION_LIMIT"
	OpCheckLimit             Operation = "CHECK_EXEMPTION_LIMIT"
	OpSetGlobalThreshold     Operation = "SET_GLOBAL_THRESHOLD"
	OpRequestException       Operation = "REQUEST_THRESHOLD_EXCEPTION"
	OpFinanceReviewException Operation = "FINANCE_REVIEW_EXCEPTION"
	OpRiskReviewException    Operation = "RISK_REVIEW_EXCEPTION"
	OpDecideException        Operation = "DECIDE_THRESHOLD_EXCEPTION"
)

var (
	gmRoles = []Role{
		RoleGMRetail, RoleGMCorporate, RoleGMFinance, RoleGMOperations,
		RoleGMRisk, RoleGMCompliance, RoleGMIT,
	}
	// Business-line GMs that own fees and sign off exemptions.
	groupGMRoles = []Role{RoleGMRetail, RoleGMCorporate, RoleGMFinance, RoleGMOperations}
)

var permissions = map[Operation]mapset.Set[Role]{
	OpAcknowledgePerformance: mapset.NewSet(gmRoles...),
	OpCeoDecision:            mapset.NewSet(RoleCEO),
	OpUpdateMeasurement:      mapset.NewSet(RoleGMFinance),
	OpRecommendExemption:     mapset.NewSet(RoleRM, RoleBranchMgr),
	OpDecideExemption:        mapset.NewSet(groupGMRoles...),
	OpProposeLimit:           mapset.NewSet(RoleAdminMaker),
	OpCheckLimit:             mapset.NewSet(RoleAdminChecker),
	OpSetGlobalThreshold:     mapset.NewSet(RoleCEO),
	OpRequestException:       mapset.NewSet(groupGMRoles...),
	OpFinanceReviewException: mapset.NewSet(RoleGMFinance),
	OpRiskReviewException:    mapset.NewSet(RoleGMRisk),
	OpDecideException:        mapset.NewSet(RoleCEO),
}

// CanPerform reports whether the role is allowed to perform op.
func (r Role) CanPerform(op Operation) bool {
	allowed, ok := permissions[op]
	return ok && allowed.Contains(r)
}

// IsGM reports whether the role is one of the general manager roles.
func (r Role) IsGM() bool {
	return strings.HasPrefix(string(r), "GM_") && r.Valid()
}

// Valid reports whether r is a known role code.
func (r Role) Valid() bool {
	switch r {
	case RoleCEO, RoleGMRetail, RoleGMCorporate, RoleGMFinance, RoleGMOperations,
		RoleGMRisk, RoleGMCompliance, RoleGMIT, RoleRM, RoleBranchMgr,
		RoleAdminMaker, RoleAdminChecker:
		return true
	}
	return false
}

// GMRoles returns every general manager role.
func GMRoles() []Role {
	return append([]Role(nil), gmRoles...)
}

// RolesFor returns the roles permitted to perform op, sorted for stable output.
func RolesFor(op Operation) []Role {
	allowed, ok := permissions[op]
	if !ok {
		return nil
	}
	out := allowed.ToSlice()
	slices.Sort(out)
	return out
}
