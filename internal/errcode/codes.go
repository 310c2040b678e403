// Package errcode defines the stable error catalogue and the JSON response
// envelopes shared by every tool exposed on the gateway.
package errcode

// Code is a stable integer error code. Codes are grouped by family and must
// never be renumbered; clients key on them.
type Code int

const (
	// 1000-1099: generic
	UnknownError         Code = 1000
	InvalidParams        Code = 1001
	MissingRequiredParam Code = 1002
	TimeoutError         Code = 1003

	// 2000-2099: auth
	AuthFailed       Code = 2000
	TokenExpired     Code = 2001
	PermissionDenied Code = 2002

	// 3000-3099: database
	DBConnectionError Code = 3000
	DBQueryError      Code = 3001
	DBTimeout         Code = 3002
	DBConfigError     Code = 3003
	DBEngineError     Code = 3004

	// 4000-4099: SQL safety
	SQLInjectionDetected Code = 4000
	SQLInvalidStatement  Code = 4001
	SQLValidationError   Code = 4002
	SQLStructureError    Code = 4003

	// 5000-5099: configuration
	MissingDBConfig Code = 5000
	InvalidDBConfig Code = 5001

	// 6000-6099: controller
	AgentError         Code = 6000
	LLMError           Code = 6001
	ToolExecutionError Code = 6002
)

var codeNames = map[Code]string{
	UnknownError:         "UNKNOWN_ERROR",
	InvalidParams:        "INVALID_PARAMS",
	MissingRequiredParam: "MISSING_REQUIRED_PARAM",
	TimeoutError:         "TIMEOUT_ERROR",
	AuthFailed:           "AUTH_FAILED",
	TokenExpired:         "TOKEN_EXPIRED",
	PermissionDenied:     "PERMISSION_DENIED",
	DBConnectionError:    "DB_CONNECTION_ERROR",
	DBQueryError:         "DB_QUERY_ERROR",
	DBTimeout:            "DB_TIMEOUT",
	DBConfigError:        "DB_CONFIG_ERROR",
	DBEngineError:        "DB_ENGINE_ERROR",
	SQLInjectionDetected: "SQL_INJECTION_DETECTED",
	SQLInvalidStatement:  "SQL_INVALID_STATEMENT",
	SQLValidationError:   "SQL_VALIDATION_ERROR",
	SQLStructureError:    "SQL_STRUCTURE_ERROR",
	MissingDBConfig:      "MISSING_DB_CONFIG",
	InvalidDBConfig:      "INVALID_DB_CONFIG",
	AgentError:           "AGENT_ERROR",
	LLMError:             "LLM_ERROR",
	ToolExecutionError:   "TOOL_EXECUTION_ERROR",
}

// Name returns the symbolic name for the code, or "UNKNOWN_ERROR" when the
// code is not in the catalogue.
func (c Code) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN_ERROR"
}

// Controller event names recorded on telemetry rows. These ride on the
// 6000-family codes and identify which phase of the deliberation failed.
const (
	EventPlanError       = "PLAN_ERROR"
	EventExecError       = "EXEC_ERROR"
	EventReplanError     = "REPLAN_ERROR"
	EventClientCancelled = "CLIENT_CANCELLED"
	EventRecursionLimit  = "RECURSION_LIMIT"
)
