package chat

// transition is one legal edge of the conversation state machine.
type transition struct {
	from, to Status
}

// roles allowed to take each edge.
var transitions = map[transition][]Role{
	{StatusWaiting, StatusActive}:    {RoleStaff},
	{StatusActive, StatusWaiting}:    {RoleStaff},
	{StatusWaiting, StatusResolved}:  {RoleStaff},
	{StatusActive, StatusResolved}:   {RoleStaff},
	{StatusResolved, StatusArchived}: {RolePlayer, RoleStaff},
}

// CanTransition reports whether actor may move c to the target status.
// active -> waiting additionally requires that no staff member is assigned.
func CanTransition(c Conversation, to Status, actor Role) bool {
	roles, ok := transitions[transition{c.Status, to}]
	if !ok {
		return false
	}
	if c.Status == StatusActive && to == StatusWaiting && c.CounterpartyID != "" {
		return false
	}
	for _, r := range roles {
		if r == actor {
			return true
		}
	}
	return false
}
