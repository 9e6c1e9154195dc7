package whitepress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"linkops/internal/domain"
	"linkops/internal/infra/metrics"
)

const (
	defaultBaseURL = "https://www.whitepress.com/panel/api"

	projectsPerPage = 25
	portalsPerPage  = 50
	articlesPerPage = 100

	optionsCacheTTL = time.Hour
)

// Client — шлюз к REST API WhitePress. Все вызовы идут строго последовательно
// с фиксированной паузой между запросами; на 429 выполняется один повтор
// с ограниченным бэкоффом вместо рекурсии.
type Client struct {
	http         *http.Client
	baseURL      string
	apiKey       string
	requestDelay time.Duration
	retryDelay   time.Duration
	cache        domain.Cache
	log          zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

var _ domain.Marketplace = (*Client)(nil)

// Config задаёт параметры клиента WhitePress.
type Config struct {
	APIKey       string
	BaseURL      string
	RequestDelay time.Duration
	RetryDelay   time.Duration
}

// NewClient создаёт клиента WhitePress. Кэш опционален и используется
// только для редко меняющихся словарей фильтров.
func NewClient(cfg Config, cache domain.Cache, logger zerolog.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.RequestDelay <= 0 {
		cfg.RequestDelay = 1100 * time.Millisecond
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Client{
		http:         &http.Client{Timeout: 30 * time.Second},
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		requestDelay: cfg.RequestDelay,
		retryDelay:   cfg.RetryDelay,
		cache:        cache,
		log:          logger,
	}
}

// envelope описывает обёртку ответа API: список и пагинация могут лежать
// как в корне, так и внутри поля data.
type envelope struct {
	List       json.RawMessage `json:"list"`
	Options    json.RawMessage `json:"options"`
	TotalPages int             `json:"totalPages"`
	Total      int             `json:"total"`
	TotalRows  int             `json:"totalRows"`
	Data       *envelope       `json:"data"`
}

func (e *envelope) list() json.RawMessage {
	if e == nil {
		return nil
	}
	if e.List != nil {
		return e.List
	}
	if e.Data != nil {
		return e.Data.List
	}
	return nil
}

func (e *envelope) options() json.RawMessage {
	if e == nil {
		return nil
	}
	if e.Options != nil {
		return e.Options
	}
	if e.Data != nil {
		return e.Data.Options
	}
	return nil
}

func (e *envelope) totalPages() int {
	if e == nil {
		return 1
	}
	if e.TotalPages > 0 {
		return e.TotalPages
	}
	if e.Data != nil && e.Data.TotalPages > 0 {
		return e.Data.TotalPages
	}
	return 1
}

func (e *envelope) totalItems() int {
	if e == nil {
		return 0
	}
	for _, v := range []int{e.TotalRows, e.Total} {
		if v > 0 {
			return v
		}
	}
	if e.Data != nil {
		for _, v := range []int{e.Data.TotalRows, e.Data.Total} {
			if v > 0 {
				return v
			}
		}
	}
	return 0
}

// pace выдерживает минимальную паузу между последовательными вызовами API.
func (c *Client) pace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastCall.IsZero() {
		if wait := c.requestDelay - time.Since(c.lastCall); wait > 0 {
			time.Sleep(wait)
		}
	}
	c.lastCall = time.Now()
}

// request выполняет вызов API. На 429 делается ровно один повтор после паузы;
// любой другой не-200 статус считается пустым результатом, а не ошибкой.
func (c *Client) request(ctx context.Context, method, endpoint string, query url.Values) (*envelope, error) {
	var env *envelope
	operation := func() error {
		c.pace()

		reqURL := c.baseURL + endpoint
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("whitepress: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			metrics.ObserveNetworkRequest("whitepress", method, endpoint, start, err)
			return backoff.Permanent(fmt.Errorf("whitepress: do request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			metrics.ObserveNetworkRequest("whitepress", method, endpoint, start, fmt.Errorf("rate limited"))
			c.log.Warn().Str("endpoint", endpoint).Msg("whitepress: превышен лимит запросов, жду и повторяю")
			return fmt.Errorf("whitepress: rate limited")
		}
		if resp.StatusCode != http.StatusOK {
			metrics.ObserveNetworkRequest("whitepress", method, endpoint, start, fmt.Errorf("status %d", resp.StatusCode))
			c.log.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("whitepress: неожиданный статус, возвращаю пустой результат")
			env = &envelope{}
			return nil
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			metrics.ObserveNetworkRequest("whitepress", method, endpoint, start, err)
			return backoff.Permanent(fmt.Errorf("whitepress: read response: %w", err))
		}
		metrics.ObserveNetworkRequest("whitepress", method, endpoint, start, nil)

		parsed := &envelope{}
		if err := json.Unmarshal(body, parsed); err != nil {
			c.log.Warn().Err(err).Str("endpoint", endpoint).Msg("whitepress: нечитаемый ответ, возвращаю пустой результат")
			env = &envelope{}
			return nil
		}
		env = parsed
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), 1), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return env, nil
}

// ListProjects возвращает все проекты с постраничной выборкой.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var projects []domain.Project
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(projectsPerPage))
		query.Set("page", strconv.Itoa(page))
		env, err := c.request(ctx, http.MethodGet, "/v1/projects", query)
		if err != nil {
			return nil, err
		}
		items, err := decodeItems(env.list())
		if err != nil {
			return nil, fmt.Errorf("whitepress: разбор списка проектов: %w", err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			title := asString(item["title"])
			if title == "" {
				title = asString(item["name"])
			}
			projects = append(projects, domain.Project{
				ID:    asInt64(item["id"]),
				Title: title,
				URL:   asString(item["url"]),
			})
		}
		if page >= env.totalPages() {
			break
		}
	}
	return projects, nil
}

// SearchPortals ищет порталы по фильтрам. При fetchAll выбираются все страницы.
func (c *Client) SearchPortals(ctx context.Context, projectID int64, filters domain.PortalFilters, fetchAll bool) ([]domain.Portal, error) {
	endpoint := fmt.Sprintf("/v1/seeding/%d/portals", projectID)

	var portals []domain.Portal
	for page := 1; ; page++ {
		query := filterQuery(filters)
		query.Set("per_page", strconv.Itoa(portalsPerPage))
		query.Set("sort", "seo_trust_flow")
		query.Set("direction", "desc")
		query.Set("page", strconv.Itoa(page))

		env, err := c.request(ctx, http.MethodGet, endpoint, query)
		if err != nil {
			return nil, err
		}
		items, err := decodeItems(env.list())
		if err != nil {
			return nil, fmt.Errorf("whitepress: разбор списка порталов: %w", err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			portals = append(portals, domain.Portal{
				ID:            asInt64(item["id"]),
				Name:          asString(item["name"]),
				URL:           asString(item["portal_url"]),
				BestPrice:     asFloat(item["best_price"]),
				DomainRating:  asInt(item["portal_score_domain_rating"]),
				TrustFlow:     asInt(item["portal_score_trust_flow"]),
				UniqueUsers:   asInt(item["portal_unique_users"]),
				DofollowCount: asInt(item["offers_dofollow_count"]),
				Country:       asString(item["portal_country"]),
			})
		}
		if !fetchAll || page >= env.totalPages() {
			break
		}
	}
	return portals, nil
}

// PortalOptions возвращает словари фильтров проекта. Словари меняются редко
// и кэшируются на час.
func (c *Client) PortalOptions(ctx context.Context, projectID int64) (domain.PortalOptions, error) {
	cacheKey := fmt.Sprintf("wp:portal_options:%d", projectID)
	if c.cache != nil {
		if raw, err := c.cache.Get(cacheKey); err == nil && len(raw) > 0 {
			var opts domain.PortalOptions
			if err := json.Unmarshal(raw, &opts); err == nil {
				return opts, nil
			}
		}
	}

	endpoint := fmt.Sprintf("/v1/seeding/%d/portals", projectID)
	env, err := c.request(ctx, http.MethodOptions, endpoint, nil)
	if err != nil {
		return domain.PortalOptions{}, err
	}
	var opts domain.PortalOptions
	if raw := env.options(); raw != nil {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return domain.PortalOptions{}, fmt.Errorf("whitepress: разбор словарей: %w", err)
		}
	}

	if c.cache != nil {
		if raw, err := json.Marshal(opts); err == nil {
			_ = c.cache.Set(cacheKey, raw, optionsCacheTTL)
		}
	}
	return opts, nil
}

// PortalOffers возвращает покупаемые позиции портала.
func (c *Client) PortalOffers(ctx context.Context, projectID, portalID int64) ([]domain.Offer, error) {
	endpoint := fmt.Sprintf("/v1/seeding/%d/portals/%d", projectID, portalID)
	env, err := c.request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(env.list())
	if err != nil {
		return nil, fmt.Errorf("whitepress: разбор списка оферт: %w", err)
	}
	offers := make([]domain.Offer, 0, len(items))
	for _, item := range items {
		price := asFloat(item["best_price"])
		if price == 0 {
			price = asFloat(item["price"])
		}
		offers = append(offers, domain.Offer{
			ID:          asInt64(item["id"]),
			Title:       asString(item["offer_title"]),
			Description: asString(item["offer_description"]),
			Price:       price,
			Persistence: asString(item["offer_persistence_custom"]),
			LinkType:    asString(item["offer_allowed_link_types"]),
			Dofollow:    asBool(item["offer_dofollow"]),
		})
	}
	return offers, nil
}

// ListProjectArticles возвращает все опубликованные артикулы проекта.
func (c *Client) ListProjectArticles(ctx context.Context, projectID int64) ([]domain.Article, error) {
	endpoint := fmt.Sprintf("/v1/projects/%d/articles", projectID)
	var articles []domain.Article
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(articlesPerPage))
		query.Set("page", strconv.Itoa(page))
		env, err := c.request(ctx, http.MethodGet, endpoint, query)
		if err != nil {
			return nil, err
		}
		items, err := decodeItems(env.list())
		if err != nil {
			return nil, fmt.Errorf("whitepress: разбор списка артикулов: %w", err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			articles = append(articles, domain.Article{
				ID:    asInt64(item["id"]),
				Title: asString(item["title"]),
				URL:   asString(item["url"]),
			})
		}
		if page >= env.totalPages() {
			break
		}
	}
	return articles, nil
}

// PublishArticle помечает отправку артикула в публикацию. Реальный эндпоинт
// публикации НЕ вызывается: в окружении заказчика его контракт не задан,
// поведение повторяет симуляцию исходной панели.
func (c *Client) PublishArticle(ctx context.Context, projectID, portalID int64, title, content string) (domain.PublishResult, error) {
	c.log.Info().
		Int64("project_id", projectID).
		Int64("portal_id", portalID).
		Str("title", title).
		Int("content_len", len(content)).
		Msg("whitepress: публикация выполняется в режиме симуляции")
	return domain.PublishResult{Success: true, Message: "артикул отправлен в реализацию (симуляция)"}, nil
}

// filterQuery переводит доменные фильтры в query-параметры API.
func filterQuery(f domain.PortalFilters) url.Values {
	query := url.Values{}
	if f.PriceMin > 0 {
		query.Set("filtering[offer_price_min]", strconv.FormatFloat(f.PriceMin, 'f', -1, 64))
	}
	if f.PriceMax > 0 {
		query.Set("filtering[offer_price_max]", strconv.FormatFloat(f.PriceMax, 'f', -1, 64))
	}
	if f.MinDR > 0 {
		query.Set("filtering[portal_score_domain_rating]", strconv.Itoa(f.MinDR))
	}
	if f.MinTF > 0 {
		query.Set("filtering[portal_score_trust_flow]", strconv.Itoa(f.MinTF))
	}
	if f.MinTraffic > 0 {
		query.Set("filtering[portal_unique_users]", strconv.Itoa(f.MinTraffic))
	}
	if len(f.Categories) > 0 {
		parts := make([]string, 0, len(f.Categories))
		for _, id := range f.Categories {
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		query.Set("filtering[portal_category]", strings.Join(parts, ","))
	}
	if f.Dofollow {
		query.Set("filtering[offer_dofollow]", "1")
	}
	if f.Country != "" {
		query.Set("filtering[portal_country]", f.Country)
	}
	if f.Region != "" {
		query.Set("filtering[portal_region]", f.Region)
	}
	if f.PortalType != "" {
		query.Set("filtering[portal_type]", f.PortalType)
	}
	return query
}

func decodeItems(raw json.RawMessage) ([]map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}
