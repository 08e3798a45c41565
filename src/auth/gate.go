// Package auth resolves actor identity and evaluates channel policy. Every
// decision fails closed: an unresolvable actor or an unknown channel/event
// pair is a denial, never a default-allow.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/fleetlink/realtime/src/types"
	"github.com/rs/zerolog"
)

// Identity is the authenticated user as reported by the auth collaborator.
type Identity struct {
	ID string
}

// Profile is the role record looked up by user ID.
type Profile struct {
	Type types.UserType
}

// DriverRecord associates a user with a driver entity.
type DriverRecord struct {
	ID string
}

// IdentityProvider is the auth/profile collaborator. CurrentUser returns a
// nil identity when nobody is signed in; the lookups return nil records when
// nothing matches.
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (*Identity, error)
	Profile(ctx context.Context, userID string) (*Profile, error)
	Driver(ctx context.Context, userID string) (*DriverRecord, error)
}

// Gate evaluates subscribe and broadcast policy.
type Gate struct {
	provider IdentityProvider
	logger   zerolog.Logger
}

// NewGate creates a gate backed by the given identity provider.
func NewGate(provider IdentityProvider, logger zerolog.Logger) *Gate {
	return &Gate{
		provider: provider,
		logger:   logger.With().Str("component", "auth-gate").Logger(),
	}
}

// ResolveActor fetches the current identity and its role. For DRIVER roles
// it also resolves the associated driver record; a missing driver record is
// tolerated (driver not yet assigned a vehicle), but a failed or empty
// profile lookup is not.
func (g *Gate) ResolveActor(ctx context.Context) (*types.ActorContext, error) {
	ident, err := g.provider.CurrentUser(ctx)
	if err != nil {
		return nil, &types.ProfileLookupError{Cause: err}
	}
	if ident == nil {
		return nil, &types.ProfileLookupError{Cause: errors.New("no authenticated user")}
	}

	profile, err := g.provider.Profile(ctx, ident.ID)
	if err != nil {
		return nil, &types.ProfileLookupError{Cause: err}
	}
	if profile == nil {
		return nil, &types.ProfileLookupError{Cause: fmt.Errorf("no profile for user %s", ident.ID)}
	}

	actor := &types.ActorContext{
		UserID:   ident.ID,
		UserType: profile.Type,
	}

	if profile.Type == types.UserTypeDriver {
		driver, err := g.provider.Driver(ctx, ident.ID)
		if err != nil || driver == nil {
			// Tolerated: the driver exists but has no vehicle assignment yet.
			g.logger.Debug().Str("user_id", ident.ID).Msg("driver record not found")
		} else {
			actor.DriverID = driver.ID
		}
	}

	return actor, nil
}

// CanSubscribe reports whether the actor's role may join the channel.
func (g *Gate) CanSubscribe(actor *types.ActorContext, channel types.ChannelName) bool {
	if actor == nil {
		return false
	}
	return roleAllowed(subscribeRoles(channel), actor.UserType)
}

// CanBroadcast checks the (channel, event) policy and the identity
// consistency rule for driver-originated events. A nil return means allowed;
// otherwise the error describes the denial.
func (g *Gate) CanBroadcast(actor *types.ActorContext, channel types.ChannelName, event string, payload map[string]any) error {
	if actor == nil {
		return &types.UnauthorizedError{
			Reason: fmt.Sprintf("anonymous caller is not authorized to broadcast %s on %s", event, channel),
		}
	}
	if !roleAllowed(broadcastRoles(channel, event), actor.UserType) {
		return &types.UnauthorizedError{
			Reason: fmt.Sprintf("%s is not authorized to broadcast %s on %s", actor.UserType, event, channel),
		}
	}

	// Identity consistency: a driver may only publish payloads about itself.
	// Checked regardless of role so an impersonating payload never passes.
	if driverOriginated(event) {
		payloadID, _ := payload["driverId"].(string)
		if payloadID != "" && actor.DriverID != "" && payloadID != actor.DriverID {
			return &types.UnauthorizedError{
				Reason: fmt.Sprintf("payload driverId %s does not match actor driver %s", payloadID, actor.DriverID),
			}
		}
	}
	return nil
}
