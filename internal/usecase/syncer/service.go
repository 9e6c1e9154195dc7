package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
	"linkops/internal/infra/metrics"
)

// Service зеркалирует проекты WhitePress в локальную таблицу клиентов.
type Service struct {
	marketplace domain.Marketplace
	clients     domain.ClientRepo
	log         zerolog.Logger
}

// Summary — итог одного прогона синхронизации.
type Summary struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// NewService создаёт сервис синхронизации клиентов.
func NewService(marketplace domain.Marketplace, clients domain.ClientRepo, log zerolog.Logger) *Service {
	return &Service{
		marketplace: marketplace,
		clients:     clients,
		log:         log.With().Str("component", "syncer").Logger(),
	}
}

// Sync выгружает все проекты и делает upsert по wp_project_id.
// Ошибка сохранения одного проекта не прерывает остальные.
func (s *Service) Sync(ctx context.Context) (Summary, error) {
	projects, err := s.marketplace.ListProjects(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("загрузка проектов: %w", err)
	}

	var summary Summary
	for _, project := range projects {
		name := project.Title
		if name == "" {
			name = fmt.Sprintf("Проект %d", project.ID)
		}
		_, created, err := s.clients.UpsertClient(domain.Client{
			WPProjectID: project.ID,
			Name:        name,
			Website:     project.URL,
		})
		if err != nil {
			s.log.Error().Err(err).Int64("wp_project_id", project.ID).Msg("не удалось сохранить клиента")
			continue
		}
		summary.Total++
		if created {
			summary.Created++
		} else {
			summary.Updated++
		}
	}

	metrics.SyncedProjects.Set(float64(summary.Total))
	s.log.Info().
		Int("total", summary.Total).
		Int("created", summary.Created).
		Int("updated", summary.Updated).
		Msg("синхронизация клиентов завершена")
	return summary, nil
}
