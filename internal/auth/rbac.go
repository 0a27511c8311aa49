package auth

// Role is an authorization role carried by an API key.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleOperator  Role = "operator"
	RoleViewer    Role = "viewer"
)

// Resource is a protected resource class.
type Resource string

const (
	ResourceWorkflow   Resource = "workflow"
	ResourceRobot      Resource = "robot"
	ResourceCredential Resource = "credential"
	ResourceJob        Resource = "job"
	ResourceSchedule   Resource = "schedule"
)

// Action is what a principal wants to do with a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage" // lifecycle control: cancel, retry, rotate
)

// grants maps each role to the actions it may perform per resource.
// Admin is handled separately in Can and allows everything.
var grants = map[Role]map[Resource][]Action{
	RoleDeveloper: {
		ResourceWorkflow: {ActionRead, ActionWrite},
		ResourceJob:      {ActionRead, ActionWrite, ActionManage},
		ResourceSchedule: {ActionRead, ActionWrite},
		ResourceRobot:    {ActionRead},
	},
	RoleOperator: {
		ResourceWorkflow: {ActionRead},
		ResourceJob:      {ActionRead, ActionManage},
		ResourceSchedule: {ActionRead, ActionManage},
		ResourceRobot:    {ActionRead, ActionManage},
	},
	RoleViewer: {
		ResourceWorkflow: {ActionRead},
		ResourceJob:      {ActionRead},
		ResourceSchedule: {ActionRead},
		ResourceRobot:    {ActionRead},
	},
}

// Can reports whether role may perform action on resource.
func Can(role Role, resource Resource, action Action) bool {
	if role == RoleAdmin {
		return true
	}
	for _, a := range grants[role][resource] {
		if a == action {
			return true
		}
	}
	return false
}
