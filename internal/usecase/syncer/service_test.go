package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
)

type stubMarketplace struct {
	domain.Marketplace
	projects []domain.Project
	err      error
}

func (m *stubMarketplace) ListProjects(context.Context) ([]domain.Project, error) {
	return m.projects, m.err
}

type stubClients struct {
	existing map[int64]bool
	saved    []domain.Client
	failOn   int64
}

func (c *stubClients) UpsertClient(client domain.Client) (domain.Client, bool, error) {
	if client.WPProjectID == c.failOn {
		return domain.Client{}, false, errors.New("connection reset")
	}
	c.saved = append(c.saved, client)
	created := !c.existing[client.WPProjectID]
	return client, created, nil
}

func (c *stubClients) GetClient(int64) (domain.Client, error) {
	return domain.Client{}, errors.New("не используется")
}

func (c *stubClients) ListClients() ([]domain.Client, error) { return nil, nil }

func TestSyncCountsCreatedAndUpdated(t *testing.T) {
	market := &stubMarketplace{projects: []domain.Project{
		{ID: 1, Title: "Sklep A", URL: "https://a.pl"},
		{ID: 2, Title: "Sklep B"},
		{ID: 3, Title: "Sklep C"},
	}}
	clients := &stubClients{existing: map[int64]bool{2: true}}
	svc := NewService(market, clients, zerolog.Nop())

	summary, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if summary.Total != 3 || summary.Created != 2 || summary.Updated != 1 {
		t.Fatalf("ожидалось 3/2/1, получено %+v", summary)
	}
}

func TestSyncFallsBackToGeneratedName(t *testing.T) {
	market := &stubMarketplace{projects: []domain.Project{{ID: 15, Title: ""}}}
	clients := &stubClients{}
	svc := NewService(market, clients, zerolog.Nop())

	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(clients.saved) != 1 || clients.saved[0].Name == "" {
		t.Fatalf("для проекта без названия должно подставляться имя: %+v", clients.saved)
	}
}

func TestSyncContinuesAfterUpsertFailure(t *testing.T) {
	market := &stubMarketplace{projects: []domain.Project{
		{ID: 1, Title: "A"}, {ID: 2, Title: "B"}, {ID: 3, Title: "C"},
	}}
	clients := &stubClients{failOn: 2}
	svc := NewService(market, clients, zerolog.Nop())

	summary, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if summary.Total != 2 || len(clients.saved) != 2 {
		t.Fatalf("ошибка одного проекта не должна прерывать остальные: %+v", summary)
	}
}

func TestSyncPropagatesListError(t *testing.T) {
	market := &stubMarketplace{err: errors.New("api unavailable")}
	svc := NewService(market, &stubClients{}, zerolog.Nop())

	if _, err := svc.Sync(context.Background()); err == nil {
		t.Fatal("ожидалась ошибка загрузки проектов")
	}
}
