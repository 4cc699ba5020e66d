package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"errtally/internal/config"
	"errtally/internal/domain"
	"errtally/internal/repository"
)

// appNamespace scopes App ids derived from API keys
var appNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:errtally:app"))

// AppID derives the stable App id for an API key
func AppID(apiKey string) string {
	return uuid.NewSHA1(appNamespace, []byte(apiKey)).String()
}

// AppService keeps stored Apps in line with configuration
type AppService struct {
	store  repository.Store
	events *EventBus
	logger *zap.Logger
}

// NewAppService creates an AppService
func NewAppService(store repository.Store, events *EventBus, logger *zap.Logger) *AppService {
	return &AppService{
		store:  store,
		events: events,
		logger: logger.Named("apps"),
	}
}

// Sync upserts every configured App with its Watchers. Apps missing from
// apps are left in place so their Problems stay reachable.
func (s *AppService) Sync(ctx context.Context, apps []config.AppConfig) ([]*domain.App, error) {
	const op = "service.SyncApps"

	synced := make([]*domain.App, 0, len(apps))
	for _, ac := range apps {
		key := strings.TrimSpace(ac.APIKey)
		if key == "" || strings.TrimSpace(ac.Name) == "" {
			return nil, domain.Validation(op, fmt.Sprintf("app %q needs a name and an api key", ac.Name))
		}

		app := &domain.App{
			ID:       AppID(key),
			Name:     ac.Name,
			APIKey:   key,
			Watchers: watchers(ac.Watchers),
		}
		if err := s.store.UpsertApp(ctx, app); err != nil {
			return nil, domain.Persistence(op, fmt.Errorf("app %s: %w", ac.Name, err))
		}
		synced = append(synced, app)
	}

	s.logger.Info("apps synced", zap.Int("count", len(synced)))
	s.events.Publish(Event{
		Type:    EventAppsReloaded,
		Payload: map[string]int{"count": len(synced)},
	})
	return synced, nil
}

// List returns every stored App
func (s *AppService) List(ctx context.Context) ([]*domain.App, error) {
	apps, err := s.store.ListApps(ctx)
	if err != nil {
		return nil, domain.Persistence("service.ListApps", err)
	}
	return apps, nil
}

func watchers(emails []string) []domain.Watcher {
	var out []domain.Watcher
	seen := make(map[string]bool, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" || seen[strings.ToLower(e)] {
			continue
		}
		seen[strings.ToLower(e)] = true
		out = append(out, domain.Watcher{Email: e})
	}
	return out
}
