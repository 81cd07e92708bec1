package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dripcheck/dripcheck/internal/governance/audit"
	inats "github.com/dripcheck/dripcheck/internal/nats"
)

type Store interface {
	Get(ctx context.Context) (*Settings, error)
	Save(ctx context.Context, s *Settings) error
}

// Auditor records operator actions.
type Auditor interface {
	Record(ctx context.Context, event inats.AuditEvent)
}

type Service struct {
	store   Store
	auditor Auditor
}

func NewService(store Store, auditor Auditor) *Service {
	return &Service{store: store, auditor: auditor}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.store.Get(ctx)
}

// Update applies the allow-listed fields of u on behalf of actor.
func (s *Service) Update(ctx context.Context, u Update, actor string) (*Settings, error) {
	current, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}

	changed := current.Apply(u)
	if len(changed) == 0 {
		return current, nil
	}

	current.UpdatedBy = actor
	if err := s.store.Save(ctx, current); err != nil {
		return nil, err
	}

	if s.auditor != nil {
		details, _ := json.Marshal(map[string]any{"changed": changed})
		s.auditor.Record(ctx, inats.AuditEvent{
			Actor:        actor,
			EventType:    audit.EventSettingsUpdated,
			Severity:     audit.SeverityInfo,
			ResourceType: "admin_settings",
			ResourceID:   "1",
			Details:      string(details),
		})
	}
	return current, nil
}

// Validate rejects combinations that would leave the policy inconsistent.
func (u Update) Validate(current *Settings) error {
	next := *current
	next.Apply(u)
	if next.MaxFreeTokensPerUser > 0 && next.FreeTokensForNewUsers > next.MaxFreeTokensPerUser {
		return fmt.Errorf("freeTokensForNewUsers (%d) exceeds maxFreeTokensPerUser (%d)",
			next.FreeTokensForNewUsers, next.MaxFreeTokensPerUser)
	}
	return nil
}
