package domain

// SubjectType differentiates human operators from machine integrations.
type SubjectType string

const (
	SubjectTypeOperator    SubjectType = "OPERATOR"
	SubjectTypeIntegration SubjectType = "INTEGRATION"
)

// OperatorRole enumerates what an authenticated caller may do.
type OperatorRole string

const (
	RoleAgent      OperatorRole = "AGENT"
	RoleSupervisor OperatorRole = "SUPERVISOR"
	RoleIngest     OperatorRole = "INGEST"
)
