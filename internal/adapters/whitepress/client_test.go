package whitepress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(Config{
		APIKey:       "test-key",
		BaseURL:      server.URL,
		RequestDelay: time.Millisecond,
		RetryDelay:   time.Millisecond,
	}, nil, zerolog.Nop())
	return client, server
}

func TestListProjectsEnvelopeAtRoot(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("неверный заголовок авторизации: %q", got)
		}
		w.Write([]byte(`{"list":[{"id":1,"title":"Sklep","url":"https://sklep.pl"}],"totalPages":1}`))
	}))

	projects, err := client.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(projects) != 1 || projects[0].ID != 1 || projects[0].Title != "Sklep" {
		t.Fatalf("проекты из корня ответа не разобрались: %+v", projects)
	}
}

func TestListProjectsEnvelopeUnderData(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.URL.Query().Get("page") {
		case "1":
			// id приходит строкой, название в поле name вместо title
			w.Write([]byte(`{"data":{"list":[{"id":"7","name":"Projekt"}],"totalPages":2}}`))
		default:
			w.Write([]byte(`{"data":{"list":[{"id":8,"title":"Drugi"}],"totalPages":2}}`))
		}
	}))

	projects, err := client.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if calls != 2 {
		t.Errorf("ожидались 2 страницы, запрошено %d", calls)
	}
	if len(projects) != 2 || projects[0].ID != 7 || projects[0].Title != "Projekt" {
		t.Fatalf("вложенный конверт data не разобрался: %+v", projects)
	}
}

func TestRateLimitRetriedOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"list":[{"id":1,"title":"Po powtórce"}],"totalPages":1}`))
	}))

	projects, err := client.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("после одного повтора ошибки быть не должно: %v", err)
	}
	if calls != 2 {
		t.Errorf("ожидался ровно один повтор, всего вызовов %d", calls)
	}
	if len(projects) != 1 {
		t.Fatalf("результат повтора потерян: %+v", projects)
	}
}

func TestRateLimitRetryExhausted(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	if _, err := client.ListProjects(context.Background()); err == nil {
		t.Fatal("после исчерпания повторов ожидалась ошибка")
	}
	if calls != 2 {
		t.Errorf("ожидалось 2 попытки, сделано %d", calls)
	}
}

func TestNon200ReturnsEmptyResult(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	projects, err := client.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("не-200 статус должен давать пустой результат, не ошибку: %v", err)
	}
	if len(projects) != 0 {
		t.Fatalf("ожидался пустой список, получено %+v", projects)
	}
}

func TestSearchPortalsFilterMapping(t *testing.T) {
	var captured url.Values
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.URL.Query()
		w.Write([]byte(`{"list":[{"id":5,"name":"portal","best_price":"120.5","portal_score_domain_rating":"44"}],"totalPages":1}`))
	}))

	portals, err := client.SearchPortals(context.Background(), 9, domain.PortalFilters{
		PriceMin:   100,
		PriceMax:   500,
		MinDR:      30,
		MinTF:      10,
		Categories: []int64{3, 17},
		Dofollow:   true,
		Country:    "1",
	}, false)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}

	want := map[string]string{
		"filtering[offer_price_min]":            "100",
		"filtering[offer_price_max]":            "500",
		"filtering[portal_score_domain_rating]": "30",
		"filtering[portal_score_trust_flow]":    "10",
		"filtering[portal_category]":            "3,17",
		"filtering[offer_dofollow]":             "1",
		"filtering[portal_country]":             "1",
		"sort":                                  "seo_trust_flow",
		"direction":                             "desc",
		"per_page":                              "50",
	}
	for key, value := range want {
		if got := captured.Get(key); got != value {
			t.Errorf("параметр %s: ожидалось %q, получено %q", key, value, got)
		}
	}

	// числа-строки из API должны приводиться к числам
	if len(portals) != 1 || portals[0].BestPrice != 120.5 || portals[0].DomainRating != 44 {
		t.Fatalf("портал не разобрался: %+v", portals)
	}
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Set(key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
	return nil
}

func (c *mapCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func TestPortalOptionsCached(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodOptions {
			t.Errorf("словари запрашиваются методом OPTIONS, получен %s", r.Method)
		}
		w.Write([]byte(`{"options":{"portal_category":{"1":"Biznes"}}}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		APIKey:       "k",
		BaseURL:      server.URL,
		RequestDelay: time.Millisecond,
		RetryDelay:   time.Millisecond,
	}, &mapCache{}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		opts, err := client.PortalOptions(context.Background(), 3)
		if err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
		if opts.Categories["1"] != "Biznes" {
			t.Fatalf("словарь категорий не разобрался: %+v", opts)
		}
	}
	if calls != 1 {
		t.Errorf("повторный запрос должен идти из кэша, вызовов %d", calls)
	}
}

func TestPacingBetweenCalls(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"list":[],"totalPages":1}`))
	}))
	client.requestDelay = 40 * time.Millisecond

	start := time.Now()
	client.ListProjects(context.Background())
	client.ListProjects(context.Background())
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("между вызовами должна выдерживаться пауза, прошло %v", elapsed)
	}
}

func TestPublishArticleIsSimulated(t *testing.T) {
	// сервер нарочно падающий: публикация не должна ходить в сеть
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("публикация не должна вызывать API")
	}))

	result, err := client.PublishArticle(context.Background(), 1, 2, "tytuł", "<p>treść</p>")
	if err != nil || !result.Success {
		t.Fatalf("симуляция публикации должна завершаться успехом: %v %+v", err, result)
	}
}
