package publication

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
	"linkops/internal/infra/metrics"
)

// ErrNotReady возвращается при попытке опубликовать позицию без готового контента.
var ErrNotReady = errors.New("контент позиции не готов к публикации")

// Failure — неудавшаяся публикация одной позиции.
type Failure struct {
	ItemID int64  `json:"item_id"`
	Detail string `json:"detail"`
}

// Summary — итог массовой публикации кампании.
type Summary struct {
	CampaignID int64     `json:"campaign_id"`
	Eligible   int       `json:"eligible"`
	Published  int       `json:"published"`
	Failed     []Failure `json:"failed,omitempty"`
}

// Service отправляет готовые позиции в публикацию на маркетплейсе.
type Service struct {
	marketplace domain.Marketplace
	campaigns   domain.CampaignRepo
	clients     domain.ClientRepo
	items       domain.ItemRepo
	log         zerolog.Logger
}

// NewService создаёт сервис публикации.
func NewService(marketplace domain.Marketplace, campaigns domain.CampaignRepo, clients domain.ClientRepo, items domain.ItemRepo, log zerolog.Logger) *Service {
	return &Service{
		marketplace: marketplace,
		campaigns:   campaigns,
		clients:     clients,
		items:       items,
		log:         log.With().Str("component", "publication").Logger(),
	}
}

// projectID достаёт идентификатор проекта WhitePress для кампании позиции.
func (s *Service) projectID(campaignID int64) (int64, error) {
	campaign, err := s.campaigns.GetCampaign(campaignID)
	if err != nil {
		return 0, fmt.Errorf("чтение кампании: %w", err)
	}
	client, err := s.clients.GetClient(campaign.ClientID)
	if err != nil {
		return 0, fmt.Errorf("чтение клиента: %w", err)
	}
	return client.WPProjectID, nil
}

// PublishItem публикует одну позицию. Допускаются только позиции со статусом
// content_ready.
func (s *Service) PublishItem(ctx context.Context, itemID int64) error {
	item, err := s.items.GetItem(itemID)
	if err != nil {
		return fmt.Errorf("чтение позиции: %w", err)
	}
	projectID, err := s.projectID(item.CampaignID)
	if err != nil {
		return err
	}
	return s.publish(ctx, projectID, item)
}

func (s *Service) publish(ctx context.Context, projectID int64, item domain.CampaignItem) error {
	if item.PipelineStatus != domain.PipelineContentReady {
		return fmt.Errorf("%w: статус %s", ErrNotReady, item.PipelineStatus)
	}

	title := item.Topic
	if title == "" {
		title = item.PortalName
	}
	result, err := s.marketplace.PublishArticle(ctx, projectID, item.WPPortalID, title, item.ContentHTML)
	if err != nil {
		metrics.IncPublish("error")
		return fmt.Errorf("отправка в публикацию: %w", err)
	}
	if !result.Success {
		metrics.IncPublish("rejected")
		return fmt.Errorf("публикация отклонена: %s", result.Message)
	}
	if err := s.items.MarkPublished(item.ID); err != nil {
		metrics.IncPublish("error")
		return fmt.Errorf("отметка публикации: %w", err)
	}
	metrics.IncPublish("ok")
	s.log.Info().Int64("item_id", item.ID).Int64("wp_portal_id", item.WPPortalID).Msg("позиция отправлена в публикацию")
	return nil
}

// PublishCampaign публикует все готовые позиции кампании. Ошибка одной позиции
// не мешает остальным: неудачи собираются в итог.
func (s *Service) PublishCampaign(ctx context.Context, campaignID int64) (Summary, error) {
	projectID, err := s.projectID(campaignID)
	if err != nil {
		return Summary{}, err
	}
	items, err := s.items.ListItems(domain.ItemFilter{
		CampaignID:     campaignID,
		PipelineStatus: domain.PipelineContentReady,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("загрузка позиций: %w", err)
	}

	summary := Summary{CampaignID: campaignID, Eligible: len(items)}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := s.publish(ctx, projectID, item); err != nil {
			summary.Failed = append(summary.Failed, Failure{ItemID: item.ID, Detail: err.Error()})
			s.log.Error().Err(err).Int64("item_id", item.ID).Msg("публикация позиции не удалась")
			continue
		}
		summary.Published++
	}
	return summary, nil
}
