package rbac

type Role string
type Action string

const (
	RoleParticipant Role = "participant"
	RoleAdmin       Role = "admin"
)

const (
	ActionSubmit      Action = "submit"
	ActionComment     Action = "comment"
	ActionReact       Action = "react"
	ActionModerate    Action = "moderate"
	ActionDelete      Action = "delete"
	ActionViewPending Action = "view_pending"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleParticipant:
		return action == ActionSubmit || action == ActionComment || action == ActionReact
	default:
		return false
	}
}

func RoleFor(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleParticipant
}
