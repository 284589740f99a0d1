package rbac

// Roles.
const (
	RoleLearner = "learner"
	RoleEditor  = "editor"
	RoleAdmin   = "admin"
)

// Permissions checked by the HTTP layer.
const (
	PermSessionCreate      = "session:create"
	PermSessionAnswer      = "session:answer"
	PermSessionSubmit      = "session:submit"
	PermSessionViewOwn     = "session:view-own"
	PermSessionViewAll     = "session:view-all"
	PermQuestionRegenerate = "question:regenerate"
	PermQuestionGenerate   = "question:generate"
	PermQuestionImport     = "question:import"
	PermStateRW            = "state:rw"
	PermProfileView        = "profile:view"
	PermUsersManage        = "users:manage"
	PermTranscriptsView    = "genai:transcripts"
)

var learnerPerms = []string{
	PermSessionCreate,
	PermSessionAnswer,
	PermSessionSubmit,
	PermSessionViewOwn,
	PermQuestionRegenerate,
	PermStateRW,
	PermProfileView,
}

// RolePermissions is the default policy.
var RolePermissions = map[string][]string{
	RoleLearner: learnerPerms,
	RoleEditor: append(append([]string{}, learnerPerms...),
		PermSessionViewAll,
		"question:*",
	),
	RoleAdmin: {
		"*", // everything
	},
}
