package selection

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
	"linkops/internal/infra/metrics"
)

// ErrNoCandidates возвращается когда после фильтрации не осталось ни одного
// кандидата. Пустой подбор — штатный исход, не авария.
var ErrNoCandidates = errors.New("нет кандидатов для подбора")

// Strategy — имя стратегии ранжирования кандидатов.
type Strategy string

const (
	// StrategyRatio — метрика*вес/цена, по убыванию. Вес настраивается.
	StrategyRatio Strategy = "ratio"
	// StrategyMetric — качество по убыванию, цена не учитывается.
	StrategyMetric Strategy = "metric"
	// StrategyPrice — цена по возрастанию.
	StrategyPrice Strategy = "price"
)

// Candidate — портал-кандидат с рассчитанным баллом.
type Candidate struct {
	Portal domain.Portal `json:"portal"`
	Score  float64       `json:"score"`
}

// Result — итог подбора: принятые кандидаты и потраченный бюджет.
type Result struct {
	Strategy  Strategy    `json:"strategy"`
	Budget    float64     `json:"budget"`
	TotalCost float64     `json:"total_cost"`
	Selected  []Candidate `json:"selected"`
	Skipped   int         `json:"skipped"`
}

// Service подбирает порталы под бюджет кампании жадным проходом.
type Service struct {
	marketplace domain.Marketplace
	campaigns   domain.CampaignRepo
	scoreWeight float64
	sampleLimit int
	log         zerolog.Logger
}

// NewService создаёт сервис подбора. scoreWeight — множитель метрики качества
// в стратегии ratio, sampleLimit ограничивает пул топ-N кандидатов (0 — без
// ограничения).
func NewService(marketplace domain.Marketplace, campaigns domain.CampaignRepo, scoreWeight float64, sampleLimit int, log zerolog.Logger) *Service {
	if scoreWeight <= 0 {
		scoreWeight = 2
	}
	return &Service{
		marketplace: marketplace,
		campaigns:   campaigns,
		scoreWeight: scoreWeight,
		sampleLimit: sampleLimit,
		log:         log.With().Str("component", "selection").Logger(),
	}
}

func (s *Service) score(strategy Strategy, portal domain.Portal) float64 {
	switch strategy {
	case StrategyMetric:
		return float64(portal.DomainRating)
	case StrategyPrice:
		// инвертируем чтобы сортировка по убыванию балла дала цену по возрастанию
		return -portal.BestPrice
	default:
		return float64(portal.DomainRating) * s.scoreWeight / portal.BestPrice
	}
}

// rank фильтрует, дедуплицирует и сортирует кандидатов. Сортировка стабильная:
// при равном балле порядок исходного пула сохраняется, прогон детерминирован.
func (s *Service) rank(strategy Strategy, portals []domain.Portal) []Candidate {
	seen := make(map[int64]int)
	candidates := make([]Candidate, 0, len(portals))
	for _, portal := range portals {
		if portal.BestPrice <= 0 {
			continue
		}
		candidate := Candidate{Portal: portal, Score: s.score(strategy, portal)}
		idx, ok := seen[portal.ID]
		if !ok {
			seen[portal.ID] = len(candidates)
			candidates = append(candidates, candidate)
			continue
		}
		// дубль портала: оставляем больший балл, при равенстве — дешевле
		kept := candidates[idx]
		if candidate.Score > kept.Score ||
			(candidate.Score == kept.Score && candidate.Portal.BestPrice < kept.Portal.BestPrice) {
			candidates[idx] = candidate
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if s.sampleLimit > 0 && len(candidates) > s.sampleLimit {
		candidates = candidates[:s.sampleLimit]
	}
	return candidates
}

// pick выполняет один жадный проход: принимает каждого кандидата,
// который ещё помещается в остаток бюджета.
func pick(candidates []Candidate, budget float64) ([]Candidate, float64, int) {
	var (
		selected []Candidate
		total    float64
		skipped  int
	)
	for _, candidate := range candidates {
		if total+candidate.Portal.BestPrice > budget {
			skipped++
			continue
		}
		selected = append(selected, candidate)
		total += candidate.Portal.BestPrice
	}
	return selected, total, skipped
}

// Preview ищет порталы проекта и подбирает набор под бюджет, ничего не сохраняя.
func (s *Service) Preview(ctx context.Context, projectID int64, filters domain.PortalFilters, strategy Strategy, budget float64) (Result, error) {
	portals, err := s.marketplace.SearchPortals(ctx, projectID, filters, true)
	if err != nil {
		metrics.SelectionRunsTotal.WithLabelValues(string(strategy), "error").Inc()
		return Result{}, fmt.Errorf("поиск порталов: %w", err)
	}
	result := s.Select(portals, strategy, budget)
	outcome := "ok"
	if len(result.Selected) == 0 {
		outcome = "empty"
	}
	metrics.SelectionRunsTotal.WithLabelValues(string(strategy), outcome).Inc()
	return result, nil
}

// Select подбирает набор из готового пула. Выделен отдельно от Preview,
// чтобы ранжирование и жадный проход были проверяемы без внешнего API.
func (s *Service) Select(portals []domain.Portal, strategy Strategy, budget float64) Result {
	candidates := s.rank(strategy, portals)
	selected, total, skipped := pick(candidates, budget)
	s.log.Info().
		Str("strategy", string(strategy)).
		Float64("budget", budget).
		Float64("total_cost", total).
		Int("selected", len(selected)).
		Int("skipped", skipped).
		Msg("подбор завершён")
	return Result{
		Strategy:  strategy,
		Budget:    budget,
		TotalCost: total,
		Selected:  selected,
		Skipped:   skipped,
	}
}

// Save сохраняет результат подбора как кампанию с позициями.
func (s *Service) Save(clientID int64, name string, result Result) (domain.Campaign, error) {
	if len(result.Selected) == 0 {
		return domain.Campaign{}, ErrNoCandidates
	}
	items := make([]domain.CampaignItem, 0, len(result.Selected))
	for _, candidate := range result.Selected {
		items = append(items, domain.CampaignItem{
			WPPortalID: candidate.Portal.ID,
			PortalName: candidate.Portal.Name,
			PortalURL:  candidate.Portal.URL,
			Price:      candidate.Portal.BestPrice,
			Metrics: domain.PortalMetrics{
				DomainRating: candidate.Portal.DomainRating,
				TrustFlow:    candidate.Portal.TrustFlow,
				UniqueUsers:  candidate.Portal.UniqueUsers,
			},
			Language: "pl",
		})
	}
	campaign, err := s.campaigns.CreateCampaignWithItems(domain.Campaign{
		ClientID:    clientID,
		Name:        name,
		BudgetLimit: result.Budget,
		Status:      domain.CampaignPlanned,
	}, items)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("сохранение кампании: %w", err)
	}
	s.log.Info().Int64("campaign_id", campaign.ID).Int("items", len(items)).Msg("кампания сохранена")
	return campaign, nil
}
