package auth

import "github.com/fleetlink/realtime/src/types"

// AllChannels enumerates every channel the policy covers. The policy tests
// walk this list to guarantee no channel is added without a rule.
var AllChannels = []types.ChannelName{
	types.ChannelDriverLocations,
	types.ChannelDriverStatus,
	types.ChannelAdminCommands,
}

// subscribeRoles maps a channel to the roles allowed to join it. Unknown
// channels get no roles: fail closed.
func subscribeRoles(channel types.ChannelName) []types.UserType {
	switch channel {
	case types.ChannelDriverLocations:
		return []types.UserType{types.UserTypeAdmin, types.UserTypeSuperAdmin, types.UserTypeDriver}
	case types.ChannelDriverStatus:
		return []types.UserType{types.UserTypeAdmin, types.UserTypeSuperAdmin, types.UserTypeDriver}
	case types.ChannelAdminCommands:
		return []types.UserType{types.UserTypeAdmin, types.UserTypeSuperAdmin}
	}
	return nil
}

// broadcastRoles maps a (channel, event) pair to the roles allowed to
// publish it. Raw events come from drivers; ":updated" events are
// server-enriched rebroadcasts issued by admin-side workers.
func broadcastRoles(channel types.ChannelName, event string) []types.UserType {
	switch channel {
	case types.ChannelDriverLocations:
		switch event {
		case types.EventDriverLocation:
			return []types.UserType{types.UserTypeDriver}
		case types.EventDriverLocationUpdated:
			return []types.UserType{types.UserTypeAdmin, types.UserTypeSuperAdmin}
		}
	case types.ChannelDriverStatus:
		switch event {
		case types.EventDriverStatus:
			return []types.UserType{types.UserTypeDriver}
		case types.EventDriverStatusUpdated:
			return []types.UserType{types.UserTypeAdmin, types.UserTypeSuperAdmin}
		}
	case types.ChannelAdminCommands:
		switch event {
		case types.EventAdminMessage:
			return []types.UserType{types.UserTypeAdmin, types.UserTypeSuperAdmin}
		}
	}
	return nil
}

// driverOriginated reports whether the event carries a driver's own payload
// and is therefore subject to the identity consistency rule.
func driverOriginated(event string) bool {
	switch event {
	case types.EventDriverLocation, types.EventDriverStatus:
		return true
	}
	return false
}

func roleAllowed(roles []types.UserType, role types.UserType) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
