package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"linkops/internal/adapters/repo"
	"linkops/internal/adapters/whitepress"
	"linkops/internal/domain"
	"linkops/internal/infra/cache"
	"linkops/internal/infra/config"
	"linkops/internal/infra/db"
	httpinfra "linkops/internal/infra/http"
	infralog "linkops/internal/infra/log"
	"linkops/internal/infra/metrics"
	"linkops/internal/infra/queue"
	"linkops/internal/usecase/publication"
	"linkops/internal/usecase/selection"
	"linkops/internal/usecase/syncer"
)

func main() {
	cfg := config.Load()
	logger := infralog.NewLogger(cfg.AppEnv).With().Str("service", "api").Logger()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var optionsCache domain.Cache
	if cfg.RedisAddr != "" {
		optionsCache = cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	wpClient := whitepress.NewClient(whitepress.Config{
		APIKey:       cfg.WhitePress.APIKey,
		BaseURL:      cfg.WhitePress.BaseURL,
		RequestDelay: cfg.WhitePress.RequestDelay,
		RetryDelay:   cfg.WhitePress.RetryDelay,
	}, optionsCache, logger)

	pipelineQueue, err := buildQueue(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: очередь конвейера недоступна")
	}

	syncService := syncer.NewService(wpClient, repoAdapter, logger)
	selectionService := selection.NewService(wpClient, repoAdapter, cfg.Selection.ScoreWeight, cfg.Selection.SampleLimit, logger)
	publishService := publication.NewService(wpClient, repoAdapter, repoAdapter, repoAdapter, logger)

	h := &handlers{
		repo:      repoAdapter,
		market:    wpClient,
		queue:     pipelineQueue,
		sync:      syncService,
		selection: selectionService,
		publish:   publishService,
		log:       logger,
	}

	srv := httpinfra.NewServer(logger)
	h.routes(srv.Router)

	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildQueue(cfg config.AppConfig) (domain.PipelineQueue, error) {
	if cfg.RabbitURL != "" {
		return queue.NewRabbitPipelineQueue(cfg.RabbitURL, cfg.Queues.Pipeline)
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisPipelineQueue(client, cfg.Queues.Pipeline), nil
	}
	return nil, errors.New("не задан ни RABBITMQ_URL, ни REDIS_ADDR")
}

type handlers struct {
	repo      *repo.Postgres
	market    domain.Marketplace
	queue     domain.PipelineQueue
	sync      *syncer.Service
	selection *selection.Service
	publish   *publication.Service
	log       zerolog.Logger
}

func (h *handlers) routes(r chi.Router) {
	r.Post("/api/v1/sync", h.handleSync)
	r.Get("/api/v1/clients", h.handleListClients)
	r.Get("/api/v1/clients/{clientID}/articles", h.handleListArticles)
	r.Get("/api/v1/clients/{clientID}/portals", h.handleSearchPortals)
	r.Get("/api/v1/clients/{clientID}/portals/options", h.handlePortalOptions)
	r.Get("/api/v1/clients/{clientID}/portals/{portalID}/offers", h.handlePortalOffers)
	r.Post("/api/v1/clients/{clientID}/selection/preview", h.handleSelectionPreview)
	r.Post("/api/v1/clients/{clientID}/selection/save", h.handleSelectionSave)
	r.Post("/api/v1/clients/{clientID}/campaigns", h.handleCreateCampaign)
	r.Get("/api/v1/campaigns", h.handleListCampaigns)
	r.Get("/api/v1/campaigns/{campaignID}", h.handleCampaignOverview)
	r.Patch("/api/v1/items/{itemID}", h.handleUpdateItem)
	r.Post("/api/v1/pipeline/run", h.handlePipelineRun)
	r.Post("/api/v1/items/{itemID}/publish", h.handlePublishItem)
	r.Post("/api/v1/campaigns/{campaignID}/publish", h.handlePublishCampaign)
}

// pathID читает числовой параметр пути.
func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// clientProject возвращает клиента по локальному id.
func (h *handlers) clientProject(w http.ResponseWriter, r *http.Request) (domain.Client, bool) {
	id, err := pathID(r, "clientID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id клиента")
		return domain.Client{}, false
	}
	client, err := h.repo.GetClient(id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "клиент не найден")
		return domain.Client{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось загрузить клиента")
		return domain.Client{}, false
	}
	return client, true
}

func (h *handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sync.Sync(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("api: синхронизация не удалась")
		writeError(w, http.StatusBadGateway, "синхронизация не удалась")
		return
	}
	writeJSON(w, summary)
}

func (h *handlers) handleListClients(w http.ResponseWriter, _ *http.Request) {
	clients, err := h.repo.ListClients()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось загрузить клиентов")
		return
	}
	writeJSON(w, map[string]any{"clients": clients})
}

func (h *handlers) handleListArticles(w http.ResponseWriter, r *http.Request) {
	client, ok := h.clientProject(w, r)
	if !ok {
		return
	}
	articles, err := h.market.ListProjectArticles(r.Context(), client.WPProjectID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "не удалось загрузить артикулы")
		return
	}
	writeJSON(w, map[string]any{"articles": articles})
}

// portalFiltersFromQuery собирает фильтры поиска из query-параметров.
func portalFiltersFromQuery(r *http.Request) domain.PortalFilters {
	q := r.URL.Query()
	var f domain.PortalFilters
	f.NameSearch = q.Get("name")
	f.PriceMin, _ = strconv.ParseFloat(q.Get("price_min"), 64)
	f.PriceMax, _ = strconv.ParseFloat(q.Get("price_max"), 64)
	f.MinDR, _ = strconv.Atoi(q.Get("min_dr"))
	f.MinTF, _ = strconv.Atoi(q.Get("min_tf"))
	f.MinTraffic, _ = strconv.Atoi(q.Get("min_traffic"))
	f.Dofollow = q.Get("dofollow") == "1" || q.Get("dofollow") == "true"
	f.Country = q.Get("country")
	f.Region = q.Get("region")
	f.PortalType = q.Get("type")
	if raw := q.Get("categories"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				f.Categories = append(f.Categories, id)
			}
		}
	}
	return f
}

// filterByName оставляет порталы, чьё имя или адрес содержат подстроку.
// API WhitePress не ищет по имени, поэтому фильтр применяется на нашей стороне.
func filterByName(portals []domain.Portal, search string) []domain.Portal {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return portals
	}
	filtered := portals[:0]
	for _, portal := range portals {
		if strings.Contains(strings.ToLower(portal.Name), search) ||
			strings.Contains(strings.ToLower(portal.URL), search) {
			filtered = append(filtered, portal)
		}
	}
	return filtered
}

func (h *handlers) handleSearchPortals(w http.ResponseWriter, r *http.Request) {
	client, ok := h.clientProject(w, r)
	if !ok {
		return
	}
	filters := portalFiltersFromQuery(r)
	fetchAll := r.URL.Query().Get("fetch_all") == "1" || r.URL.Query().Get("fetch_all") == "true"

	portals, err := h.market.SearchPortals(r.Context(), client.WPProjectID, filters, fetchAll)
	if err != nil {
		writeError(w, http.StatusBadGateway, "поиск порталов не удался")
		return
	}
	portals = filterByName(portals, filters.NameSearch)
	writeJSON(w, map[string]any{"portals": portals, "total": len(portals)})
}

func (h *handlers) handlePortalOptions(w http.ResponseWriter, r *http.Request) {
	client, ok := h.clientProject(w, r)
	if !ok {
		return
	}
	options, err := h.market.PortalOptions(r.Context(), client.WPProjectID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "не удалось загрузить словари фильтров")
		return
	}
	writeJSON(w, options)
}

func (h *handlers) handlePortalOffers(w http.ResponseWriter, r *http.Request) {
	client, ok := h.clientProject(w, r)
	if !ok {
		return
	}
	portalID, err := pathID(r, "portalID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id портала")
		return
	}
	offers, err := h.market.PortalOffers(r.Context(), client.WPProjectID, portalID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "не удалось загрузить оферты")
		return
	}
	writeJSON(w, map[string]any{"offers": offers})
}

type selectionRequest struct {
	Name     string  `json:"name"`
	Budget   float64 `json:"budget"`
	Strategy string  `json:"strategy"`
	Filters  struct {
		PriceMin   float64 `json:"price_min"`
		PriceMax   float64 `json:"price_max"`
		MinDR      int     `json:"min_dr"`
		MinTF      int     `json:"min_tf"`
		MinTraffic int     `json:"min_traffic"`
		Categories []int64 `json:"categories"`
		Dofollow   bool    `json:"dofollow"`
		Country    string  `json:"country"`
		Region     string  `json:"region"`
		PortalType string  `json:"type"`
	} `json:"filters"`
}

func (req *selectionRequest) portalFilters() domain.PortalFilters {
	return domain.PortalFilters{
		PriceMin:   req.Filters.PriceMin,
		PriceMax:   req.Filters.PriceMax,
		MinDR:      req.Filters.MinDR,
		MinTF:      req.Filters.MinTF,
		MinTraffic: req.Filters.MinTraffic,
		Categories: req.Filters.Categories,
		Dofollow:   req.Filters.Dofollow,
		Country:    req.Filters.Country,
		Region:     req.Filters.Region,
		PortalType: req.Filters.PortalType,
	}
}

func (req *selectionRequest) strategy() selection.Strategy {
	switch req.Strategy {
	case string(selection.StrategyMetric):
		return selection.StrategyMetric
	case string(selection.StrategyPrice):
		return selection.StrategyPrice
	default:
		return selection.StrategyRatio
	}
}

func (h *handlers) decodeSelection(w http.ResponseWriter, r *http.Request) (selectionRequest, bool) {
	defer r.Body.Close()
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "нечитаемое тело запроса")
		return selectionRequest{}, false
	}
	if req.Budget <= 0 {
		writeError(w, http.StatusBadRequest, "бюджет должен быть положительным")
		return selectionRequest{}, false
	}
	return req, true
}

func (h *handlers) handleSelectionPreview(w http.ResponseWriter, r *http.Request) {
	client, ok := h.clientProject(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeSelection(w, r)
	if !ok {
		return
	}
	result, err := h.selection.Preview(r.Context(), client.WPProjectID, req.portalFilters(), req.strategy(), req.Budget)
	if err != nil {
		writeError(w, http.StatusBadGateway, "подбор не удался")
		return
	}
	writeJSON(w, result)
}

func (h *handlers) handleSelectionSave(w http.ResponseWriter, r *http.Request) {
	client, ok := h.clientProject(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeSelection(w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "название кампании обязательно")
		return
	}
	result, err := h.selection.Preview(r.Context(), client.WPProjectID, req.portalFilters(), req.strategy(), req.Budget)
	if err != nil {
		writeError(w, http.StatusBadGateway, "подбор не удался")
		return
	}
	campaign, err := h.selection.Save(client.ID, req.Name, result)
	if errors.Is(err, selection.ErrNoCandidates) {
		writeError(w, http.StatusUnprocessableEntity, "под бюджет не подошёл ни один портал")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось сохранить кампанию")
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"campaign": campaign, "selection": result})
}

type cartItem struct {
	PortalID         int64                `json:"portal_id"`
	PortalName       string               `json:"portal_name"`
	PortalURL        string               `json:"portal_url"`
	Price            float64              `json:"price"`
	OfferTitle       string               `json:"offer_title"`
	OfferDescription string               `json:"offer_description"`
	Topic            string               `json:"topic"`
	Language         string               `json:"language"`
	Metrics          domain.PortalMetrics `json:"metrics"`
}

type createCampaignRequest struct {
	Name  string     `json:"name"`
	Items []cartItem `json:"items"`
}

// handleCreateCampaign создаёт кампанию из собранной вручную корзины оферт.
// Бюджет равен сумме цен выбранных позиций.
func (h *handlers) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	client, ok := h.clientProject(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "нечитаемое тело запроса")
		return
	}
	if req.Name == "" || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "нужны название и хотя бы одна позиция")
		return
	}

	var budget float64
	items := make([]domain.CampaignItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Price <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("позиция портала %d без цены", it.PortalID))
			return
		}
		budget += it.Price
		language := it.Language
		if language == "" {
			language = "pl"
		}
		items = append(items, domain.CampaignItem{
			WPPortalID:       it.PortalID,
			PortalName:       it.PortalName,
			PortalURL:        it.PortalURL,
			Price:            it.Price,
			OfferTitle:       it.OfferTitle,
			OfferDescription: it.OfferDescription,
			Topic:            it.Topic,
			Language:         language,
			Metrics:          it.Metrics,
		})
	}

	campaign, err := h.repo.CreateCampaignWithItems(domain.Campaign{
		ClientID:    client.ID,
		Name:        req.Name,
		BudgetLimit: budget,
		Status:      domain.CampaignPlanned,
	}, items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось сохранить кампанию")
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"campaign": campaign})
}

func (h *handlers) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	campaigns, err := h.repo.ListCampaigns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось загрузить кампании")
		return
	}
	writeJSON(w, map[string]any{"campaigns": campaigns})
}

type itemOverview struct {
	Item     domain.CampaignItem `json:"item"`
	Statuses map[string]string   `json:"statuses"`
}

func (h *handlers) handleCampaignOverview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "campaignID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id кампании")
		return
	}
	campaign, err := h.repo.GetCampaign(id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "кампания не найдена")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось загрузить кампанию")
		return
	}
	// ?stage=research&stage_status=error сужает выборку до позиций,
	// которым нужен перезапуск конкретного этапа
	filter := domain.ItemFilter{
		CampaignID:     id,
		PipelineStatus: domain.PipelineStatus(r.URL.Query().Get("pipeline_status")),
		Stage:          domain.Stage(r.URL.Query().Get("stage")),
		StageStatus:    domain.StageStatus(r.URL.Query().Get("stage_status")),
	}
	items, err := h.repo.ListItems(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось загрузить позиции")
		return
	}

	overview := make([]itemOverview, 0, len(items))
	for _, item := range items {
		overview = append(overview, itemOverview{
			Item: item,
			Statuses: map[string]string{
				"research":  string(item.StatusResearch),
				"structure": string(item.StatusStructure),
				"brief":     string(item.StatusBrief),
				"writing":   string(item.StatusWriting),
				"pipeline":  string(item.PipelineStatus),
			},
		})
	}
	writeJSON(w, map[string]any{"campaign": campaign, "items": overview})
}

type updateItemRequest struct {
	Topic             *string `json:"topic"`
	Language          *string `json:"language"`
	ExtraInstructions *string `json:"extra_instructions"`
}

func (h *handlers) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "itemID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id позиции")
		return
	}
	item, err := h.repo.GetItem(id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "позиция не найдена")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось загрузить позицию")
		return
	}

	defer r.Body.Close()
	var req updateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "нечитаемое тело запроса")
		return
	}
	topic, language, extra := item.Topic, item.Language, item.ExtraInstructions
	if req.Topic != nil {
		topic = *req.Topic
	}
	if req.Language != nil {
		language = *req.Language
	}
	if req.ExtraInstructions != nil {
		extra = *req.ExtraInstructions
	}
	if err := h.repo.UpdateTopic(id, topic, language, extra); err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось обновить позицию")
		return
	}
	updated, err := h.repo.GetItem(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "не удалось перечитать позицию")
		return
	}
	writeJSON(w, updated)
}

type pipelineRunRequest struct {
	Mode    string  `json:"mode"`
	ItemIDs []int64 `json:"item_ids"`
}

func (h *handlers) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req pipelineRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "нечитаемое тело запроса")
		return
	}
	if len(req.ItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, "нужна хотя бы одна позиция")
		return
	}
	mode := domain.PipelineMode(req.Mode)
	switch mode {
	case domain.ModeResearch, domain.ModeStructure, domain.ModeBrief, domain.ModeWriting, domain.ModeAutopilot:
	default:
		writeError(w, http.StatusBadRequest, "неизвестный режим конвейера")
		return
	}

	job := domain.PipelineJob{
		ID:          uuid.NewString(),
		Mode:        mode,
		ItemIDs:     req.ItemIDs,
		RequestedAt: time.Now().UTC(),
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("api: не удалось поставить задачу в очередь")
		writeError(w, http.StatusInternalServerError, "не удалось поставить задачу в очередь")
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "mode": job.Mode, "items": len(job.ItemIDs)})
}

func (h *handlers) handlePublishItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "itemID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id позиции")
		return
	}
	err = h.publish.PublishItem(r.Context(), id)
	if errors.Is(err, publication.ErrNotReady) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "позиция не найдена")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "публикация не удалась")
		return
	}
	writeJSON(w, map[string]string{"status": "published"})
}

func (h *handlers) handlePublishCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "campaignID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id кампании")
		return
	}
	summary, err := h.publish.PublishCampaign(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "кампания не найдена")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "массовая публикация не удалась")
		return
	}
	writeJSON(w, summary)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
