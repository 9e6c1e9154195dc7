package publication

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
)

type stubMarketplace struct {
	domain.Marketplace
	published []int64
	failOn    int64
}

func (m *stubMarketplace) PublishArticle(_ context.Context, _ int64, portalID int64, _, _ string) (domain.PublishResult, error) {
	if portalID == m.failOn {
		return domain.PublishResult{}, fmt.Errorf("portal %d: api error", portalID)
	}
	m.published = append(m.published, portalID)
	return domain.PublishResult{Success: true, Message: "ok"}, nil
}

type stubStore struct {
	items map[int64]*domain.CampaignItem
}

func (s *stubStore) GetCampaign(id int64) (domain.Campaign, error) {
	return domain.Campaign{ID: id, ClientID: 10}, nil
}

func (s *stubStore) CreateCampaignWithItems(domain.Campaign, []domain.CampaignItem) (domain.Campaign, error) {
	return domain.Campaign{}, errors.New("не используется")
}

func (s *stubStore) ListCampaigns(int) ([]domain.Campaign, error) { return nil, nil }

func (s *stubStore) UpsertClient(domain.Client) (domain.Client, bool, error) {
	return domain.Client{}, false, errors.New("не используется")
}

func (s *stubStore) GetClient(id int64) (domain.Client, error) {
	return domain.Client{ID: id, WPProjectID: 777}, nil
}

func (s *stubStore) ListClients() ([]domain.Client, error) { return nil, nil }

func (s *stubStore) GetItem(id int64) (domain.CampaignItem, error) {
	item, ok := s.items[id]
	if !ok {
		return domain.CampaignItem{}, errors.New("запись не найдена")
	}
	return *item, nil
}

func (s *stubStore) ListItems(filter domain.ItemFilter) ([]domain.CampaignItem, error) {
	var out []domain.CampaignItem
	for id := int64(1); id <= int64(len(s.items)); id++ {
		item, ok := s.items[id]
		if !ok {
			continue
		}
		if filter.PipelineStatus != "" && item.PipelineStatus != filter.PipelineStatus {
			continue
		}
		out = append(out, *item)
	}
	return out, nil
}

func (s *stubStore) UpdateTopic(int64, string, string, string) error { return nil }

func (s *stubStore) SetStageStatus(int64, domain.Stage, domain.StageStatus) error { return nil }

func (s *stubStore) SaveResearch(int64, domain.ResearchArtifacts, domain.PipelineStatus) error {
	return nil
}

func (s *stubStore) SaveStructure(int64, domain.StructureArtifacts, domain.PipelineStatus) error {
	return nil
}

func (s *stubStore) SaveBrief(int64, []domain.BriefSection, domain.PipelineStatus) error { return nil }

func (s *stubStore) SaveContent(int64, string, domain.PipelineStatus) error { return nil }

func (s *stubStore) SaveAutopilot(int64, domain.AutopilotArtifacts, domain.PipelineStatus) error {
	return nil
}

func (s *stubStore) MarkPublished(id int64) error {
	s.items[id].PipelineStatus = domain.PipelinePublished
	return nil
}

func newStubStore(items ...domain.CampaignItem) *stubStore {
	store := &stubStore{items: make(map[int64]*domain.CampaignItem)}
	for i := range items {
		item := items[i]
		store.items[item.ID] = &item
	}
	return store
}

func TestPublishItemRequiresReadyContent(t *testing.T) {
	store := newStubStore(domain.CampaignItem{ID: 1, CampaignID: 5, PipelineStatus: domain.PipelineBriefed})
	market := &stubMarketplace{}
	svc := NewService(market, store, store, store, zerolog.Nop())

	err := svc.PublishItem(context.Background(), 1)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("ожидалась ErrNotReady, получено %v", err)
	}
	if len(market.published) != 0 {
		t.Errorf("маркетплейс не должен вызываться для неготовой позиции")
	}
}

func TestPublishItemMarksPublished(t *testing.T) {
	store := newStubStore(domain.CampaignItem{
		ID: 1, CampaignID: 5, WPPortalID: 42,
		PipelineStatus: domain.PipelineContentReady,
		Topic:          "temat", ContentHTML: "<p>tekst</p>",
	})
	market := &stubMarketplace{}
	svc := NewService(market, store, store, store, zerolog.Nop())

	if err := svc.PublishItem(context.Background(), 1); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if got := store.items[1].PipelineStatus; got != domain.PipelinePublished {
		t.Errorf("ожидался статус published, получено %q", got)
	}
	if len(market.published) != 1 || market.published[0] != 42 {
		t.Errorf("публикация должна уйти на портал 42: %v", market.published)
	}
}

func TestPublishCampaignContinuesOnError(t *testing.T) {
	store := newStubStore(
		domain.CampaignItem{ID: 1, CampaignID: 5, WPPortalID: 11, PipelineStatus: domain.PipelineContentReady},
		domain.CampaignItem{ID: 2, CampaignID: 5, WPPortalID: 22, PipelineStatus: domain.PipelineContentReady},
		domain.CampaignItem{ID: 3, CampaignID: 5, WPPortalID: 33, PipelineStatus: domain.PipelineContentReady},
		domain.CampaignItem{ID: 4, CampaignID: 5, WPPortalID: 44, PipelineStatus: domain.PipelinePlanned},
	)
	market := &stubMarketplace{failOn: 22}
	svc := NewService(market, store, store, store, zerolog.Nop())

	summary, err := svc.PublishCampaign(context.Background(), 5)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if summary.Eligible != 3 {
		t.Errorf("позиция planned не должна попадать в выборку: eligible=%d", summary.Eligible)
	}
	if summary.Published != 2 || len(summary.Failed) != 1 || summary.Failed[0].ItemID != 2 {
		t.Fatalf("ошибка позиции 2 не должна мешать остальным: %+v", summary)
	}
	if got := store.items[2].PipelineStatus; got != domain.PipelineContentReady {
		t.Errorf("упавшая позиция должна остаться content_ready, получено %q", got)
	}
	if store.items[1].PipelineStatus != domain.PipelinePublished || store.items[3].PipelineStatus != domain.PipelinePublished {
		t.Errorf("успешные позиции должны стать published")
	}
}
