package state

// ActionType enumerates the gated action classes.
type ActionType string

const (
	ActionOpen       ActionType = "open"
	ActionSend       ActionType = "send"
	ActionAmend      ActionType = "amend"
	ActionCancel     ActionType = "cancel"
	ActionReduceOnly ActionType = "reduce_only"
	ActionQuery      ActionType = "query"
)

// AllActions in stable order, used by the permissions endpoint.
var AllActions = []ActionType{
	ActionOpen, ActionSend, ActionAmend, ActionCancel, ActionReduceOnly, ActionQuery,
}

// Permission is the decision for one action class in one mode.
type Permission struct {
	Allowed    bool `json:"allowed"`
	Restricted bool `json:"restricted"`
	Warning    bool `json:"warning"`
	LocalOnly  bool `json:"local_only"`
}

var (
	permit      = Permission{Allowed: true}
	permitWarn  = Permission{Allowed: true, Warning: true}
	permitLocal = Permission{Allowed: true, Restricted: true, LocalOnly: true}
	deny        = Permission{}
)

// permissionMatrix maps mode to per-action decisions. Safe-mode-disconnected
// allows reduce-only from cached decisions; halt permits queries only.
var permissionMatrix = map[Mode]map[ActionType]Permission{
	ModeNormal: {
		ActionOpen: permit, ActionSend: permit, ActionAmend: permit,
		ActionCancel: permit, ActionReduceOnly: permit, ActionQuery: permit,
	},
	ModeRecovering: {
		ActionOpen: permitWarn, ActionSend: permitWarn, ActionAmend: permit,
		ActionCancel: permit, ActionReduceOnly: permit, ActionQuery: permit,
	},
	ModeDegraded: {
		ActionOpen: permitWarn, ActionSend: permitWarn, ActionAmend: permitWarn,
		ActionCancel: permit, ActionReduceOnly: permit, ActionQuery: permit,
	},
	ModeSafe: {
		ActionOpen: deny, ActionSend: deny, ActionAmend: deny,
		ActionCancel: permit, ActionReduceOnly: permit, ActionQuery: permit,
	},
	ModeSafeDisconnected: {
		ActionOpen: deny, ActionSend: deny, ActionAmend: deny,
		ActionCancel: permitWarn, ActionReduceOnly: permitLocal, ActionQuery: permitLocal,
	},
	ModeHalt: {
		ActionOpen: deny, ActionSend: deny, ActionAmend: deny,
		ActionCancel: deny, ActionReduceOnly: deny, ActionQuery: permit,
	},
}

// Permission returns the decision for an action in the current mode.
func (m *ModeManager) Permission(action ActionType) Permission {
	mode := m.Mode()
	perms, ok := permissionMatrix[mode]
	if !ok {
		return deny
	}
	p, ok := perms[action]
	if !ok {
		return deny
	}
	return p
}

// Permissions returns the full decision set for the current mode.
func (m *ModeManager) Permissions() map[ActionType]Permission {
	mode := m.Mode()
	out := make(map[ActionType]Permission, len(AllActions))
	for _, a := range AllActions {
		out[a] = permissionMatrix[mode][a]
	}
	return out
}
