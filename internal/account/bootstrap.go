package account

import (
	"context"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
)

// SystemActorID is recorded as creator of accounts made by Bootstrap.
const SystemActorID = "system"

// Bootstrap creates an administrator as the system actor and returns the
// temporary secret instead of mailing it. It exists for provisioning the
// first account, when no actor holding account:create can exist yet.
func (s *Service) Bootstrap(ctx context.Context, attrs entity.CreateAttrs) (entity.View, string, error) {
	system := entity.Actor{ID: SystemActorID, Capabilities: entity.AllCapabilities}
	attrs.SkipWelcome = true
	res, secret, err := s.create(ctx, system, attrs)
	if err != nil {
		return entity.View{}, "", err
	}
	return res.Account, secret, nil
}
