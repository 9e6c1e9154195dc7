package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"linkops/internal/domain"
	"linkops/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ClientRepo   = (*Postgres)(nil)
	_ domain.CampaignRepo = (*Postgres)(nil)
	_ domain.ItemRepo     = (*Postgres)(nil)
)

// ErrNotFound возвращается когда запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// UpsertClient сохраняет клиента по ключу wp_project_id.
func (p *Postgres) UpsertClient(client domain.Client) (domain.Client, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		saved   domain.Client
		created bool
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO clients (wp_project_id, name, website)
VALUES ($1, $2, $3)
ON CONFLICT (wp_project_id) DO UPDATE SET name = EXCLUDED.name, website = EXCLUDED.website
RETURNING id, wp_project_id, name, COALESCE(website,''), created_at, (xmax = 0) AS inserted
`, client.WPProjectID, client.Name, client.Website).
		Scan(&saved.ID, &saved.WPProjectID, &saved.Name, &saved.Website, &saved.CreatedAt, &created)
	metrics.ObserveNetworkRequest("postgres", "clients_upsert", "clients", start, err)
	if err != nil {
		return domain.Client{}, false, err
	}
	return saved, created, nil
}

// GetClient возвращает клиента по локальному id.
func (p *Postgres) GetClient(id int64) (domain.Client, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var client domain.Client
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, wp_project_id, name, COALESCE(website,''), created_at
FROM clients WHERE id=$1
`, id).Scan(&client.ID, &client.WPProjectID, &client.Name, &client.Website, &client.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "clients_get", "clients", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Client{}, ErrNotFound
	}
	return client, err
}

// ListClients возвращает всех клиентов.
func (p *Postgres) ListClients() ([]domain.Client, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, wp_project_id, name, COALESCE(website,''), created_at
FROM clients ORDER BY name
`)
	metrics.ObserveNetworkRequest("postgres", "clients_list", "clients", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clients []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.WPProjectID, &c.Name, &c.Website, &c.CreatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// CreateCampaignWithItems сохраняет кампанию и позиции одной транзакцией:
// частичная вставка позиций не должна оставить кампанию без части позиций.
func (p *Postgres) CreateCampaignWithItems(campaign domain.Campaign, items []domain.CampaignItem) (domain.Campaign, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "campaigns", start, err)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback(ctx)

	if campaign.Status == "" {
		campaign.Status = domain.CampaignPlanned
	}
	start = time.Now()
	err = tx.QueryRow(ctx, `
INSERT INTO campaigns (client_id, name, budget_limit, status)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at
`, campaign.ClientID, campaign.Name, campaign.BudgetLimit, campaign.Status).
		Scan(&campaign.ID, &campaign.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "campaigns_insert", "campaigns", start, err)
	if err != nil {
		return domain.Campaign{}, err
	}

	for _, item := range items {
		metricsJSON, err := json.Marshal(item.Metrics)
		if err != nil {
			return domain.Campaign{}, fmt.Errorf("сериализация метрик: %w", err)
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
INSERT INTO campaign_items
  (campaign_id, wp_portal_id, portal_name, portal_url, price, metrics,
   offer_title, offer_description, topic, language,
   status, pipeline_status,
   status_research, status_structure, status_brief, status_writing)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
`, campaign.ID, item.WPPortalID, item.PortalName, item.PortalURL, item.Price, metricsJSON,
			item.OfferTitle, item.OfferDescription, item.Topic, item.Language,
			string(domain.PipelinePlanned), domain.PipelinePlanned,
			domain.StagePending, domain.StagePending, domain.StagePending, domain.StagePending)
		metrics.ObserveNetworkRequest("postgres", "campaign_items_insert", "campaign_items", start, err)
		if err != nil {
			return domain.Campaign{}, fmt.Errorf("вставка позиций кампании: %w", err)
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "campaigns", start, err)
	if err != nil {
		return domain.Campaign{}, err
	}
	return campaign, nil
}

// GetCampaign возвращает кампанию.
func (p *Postgres) GetCampaign(id int64) (domain.Campaign, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var c domain.Campaign
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT id, client_id, name, budget_limit, status, created_at
FROM campaigns WHERE id=$1
`, id).Scan(&c.ID, &c.ClientID, &c.Name, &c.BudgetLimit, &c.Status, &c.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "campaigns_get", "campaigns", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Campaign{}, ErrNotFound
	}
	return c, err
}

// ListCampaigns возвращает кампании в порядке создания, свежие первыми.
func (p *Postgres) ListCampaigns(limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, client_id, name, budget_limit, status, created_at
FROM campaigns ORDER BY created_at DESC LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "campaigns_list", "campaigns", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var campaigns []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.ClientID, &c.Name, &c.BudgetLimit, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

const itemColumns = `id, campaign_id, wp_portal_id, portal_name, portal_url, price, metrics,
COALESCE(offer_title,''), COALESCE(offer_description,''),
COALESCE(topic,''), COALESCE(language,'pl'), COALESCE(extra_instructions,''),
COALESCE(keywords_serp,''), COALESCE(frazy_senuto,''), COALESCE(info_graph,''), COALESCE(knowledge_graph,''),
COALESCE(headings_extended,''), COALESCE(headings_h2,''), COALESCE(headings_questions,''), COALESCE(headings_final,''),
content_brief, COALESCE(content_html,''),
pipeline_status, status_research, status_structure, status_brief, status_writing, created_at`

func scanItem(row pgx.Row) (domain.CampaignItem, error) {
	var (
		item        domain.CampaignItem
		metricsJSON []byte
		briefJSON   []byte
	)
	err := row.Scan(
		&item.ID, &item.CampaignID, &item.WPPortalID, &item.PortalName, &item.PortalURL, &item.Price, &metricsJSON,
		&item.OfferTitle, &item.OfferDescription,
		&item.Topic, &item.Language, &item.ExtraInstructions,
		&item.KeywordsSERP, &item.SenutoKeywords, &item.InfoGraph, &item.KnowledgeGraph,
		&item.HeadingsExtended, &item.HeadingsH2, &item.HeadingsQuestions, &item.HeadingsFinal,
		&briefJSON, &item.ContentHTML,
		&item.PipelineStatus, &item.StatusResearch, &item.StatusStructure, &item.StatusBrief, &item.StatusWriting,
		&item.CreatedAt,
	)
	if err != nil {
		return domain.CampaignItem{}, err
	}
	if len(metricsJSON) > 0 {
		_ = json.Unmarshal(metricsJSON, &item.Metrics)
	}
	if len(briefJSON) > 0 {
		_ = json.Unmarshal(briefJSON, &item.ContentBrief)
	}
	return item, nil
}

// GetItem возвращает позицию кампании.
func (p *Postgres) GetItem(id int64) (domain.CampaignItem, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	item, err := scanItem(p.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM campaign_items WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_get", "campaign_items", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CampaignItem{}, ErrNotFound
	}
	return item, err
}

// ListItems возвращает позиции по фильтру. Набор условий переменный,
// поэтому запрос собирается squirrel-ом.
func (p *Postgres) ListItems(filter domain.ItemFilter) ([]domain.CampaignItem, error) {
	builder := psql.Select(itemColumns).From("campaign_items").OrderBy("id")
	if len(filter.IDs) > 0 {
		builder = builder.Where(sq.Eq{"id": filter.IDs})
	}
	if filter.CampaignID != 0 {
		builder = builder.Where(sq.Eq{"campaign_id": filter.CampaignID})
	}
	if filter.PipelineStatus != "" {
		builder = builder.Where(sq.Eq{"pipeline_status": string(filter.PipelineStatus)})
	}
	if filter.Stage != "" && filter.StageStatus != "" {
		column, err := stageColumn(filter.Stage)
		if err != nil {
			return nil, err
		}
		builder = builder.Where(sq.Eq{column: string(filter.StageStatus)})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("сборка запроса: %w", err)
	}

	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "campaign_items_list", "campaign_items", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.CampaignItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateTopic обновляет редактируемые операторские поля позиции.
func (p *Postgres) UpdateTopic(id int64, topic, language, extraInstructions string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE campaign_items SET topic=$2, language=$3, extra_instructions=$4 WHERE id=$1
`, id, topic, language, extraInstructions)
	metrics.ObserveNetworkRequest("postgres", "campaign_items_update_topic", "campaign_items", start, err)
	return err
}

func stageColumn(stage domain.Stage) (string, error) {
	switch stage {
	case domain.StageResearch:
		return "status_research", nil
	case domain.StageStructure:
		return "status_structure", nil
	case domain.StageBrief:
		return "status_brief", nil
	case domain.StageWriting:
		return "status_writing", nil
	default:
		return "", fmt.Errorf("неизвестный этап %q", stage)
	}
}

// SetStageStatus выставляет гранулярный статус этапа.
func (p *Postgres) SetStageStatus(id int64, stage domain.Stage, status domain.StageStatus) error {
	column, err := stageColumn(stage)
	if err != nil {
		return err
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `UPDATE campaign_items SET `+column+`=$2 WHERE id=$1`, id, string(status))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_set_stage_status", "campaign_items", start, err)
	return err
}

// SaveResearch сохраняет артефакты research и продвигает агрегатный статус.
func (p *Postgres) SaveResearch(id int64, artifacts domain.ResearchArtifacts, aggregate domain.PipelineStatus) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE campaign_items
SET keywords_serp=$2, frazy_senuto=$3, info_graph=$4, knowledge_graph=$5,
    status_research=$6, pipeline_status=$7
WHERE id=$1
`, id, artifacts.KeywordsSERP, artifacts.SenutoKeywords, artifacts.InfoGraph, artifacts.KnowledgeGraph,
		string(domain.StageDone), string(aggregate))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_save_research", "campaign_items", start, err)
	return err
}

// SaveStructure сохраняет наброски заголовков и продвигает агрегатный статус.
func (p *Postgres) SaveStructure(id int64, artifacts domain.StructureArtifacts, aggregate domain.PipelineStatus) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE campaign_items
SET headings_extended=$2, headings_h2=$3, headings_questions=$4, headings_final=$5,
    status_structure=$6, pipeline_status=$7
WHERE id=$1
`, id, artifacts.Extended, artifacts.H2, artifacts.Questions, artifacts.Final,
		string(domain.StageDone), string(aggregate))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_save_structure", "campaign_items", start, err)
	return err
}

// SaveBrief сохраняет контент-бриф и продвигает агрегатный статус.
func (p *Postgres) SaveBrief(id int64, sections []domain.BriefSection, aggregate domain.PipelineStatus) error {
	briefJSON, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("сериализация брифа: %w", err)
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE campaign_items SET content_brief=$2, status_brief=$3, pipeline_status=$4 WHERE id=$1
`, id, briefJSON, string(domain.StageDone), string(aggregate))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_save_brief", "campaign_items", start, err)
	return err
}

// SaveContent сохраняет собранный HTML и продвигает агрегатный статус.
// Колонка status дублирует агрегат для совместимости со старыми выборками.
func (p *Postgres) SaveContent(id int64, html string, aggregate domain.PipelineStatus) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE campaign_items SET content_html=$2, content=$2, status_writing=$3, pipeline_status=$4, status=$4 WHERE id=$1
`, id, html, string(domain.StageDone), string(aggregate))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_save_content", "campaign_items", start, err)
	return err
}

// SaveAutopilot сохраняет все артефакты одного полного прогона одной записью.
func (p *Postgres) SaveAutopilot(id int64, artifacts domain.AutopilotArtifacts, aggregate domain.PipelineStatus) error {
	briefJSON, err := json.Marshal(artifacts.Brief)
	if err != nil {
		return fmt.Errorf("сериализация брифа: %w", err)
	}
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
UPDATE campaign_items
SET keywords_serp=$2, frazy_senuto=$3, info_graph=$4, knowledge_graph=$5,
    headings_extended=$6, headings_h2=$7, headings_questions=$8, headings_final=$9,
    content_brief=$10, content_html=$11, content=$11,
    status_research=$12, status_structure=$12, status_brief=$12, status_writing=$12,
    pipeline_status=$13, status=$13
WHERE id=$1
`, id,
		artifacts.Research.KeywordsSERP, artifacts.Research.SenutoKeywords,
		artifacts.Research.InfoGraph, artifacts.Research.KnowledgeGraph,
		artifacts.Structure.Extended, artifacts.Structure.H2,
		artifacts.Structure.Questions, artifacts.Structure.Final,
		briefJSON, artifacts.ContentHTML,
		string(domain.StageDone), string(aggregate))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_save_autopilot", "campaign_items", start, err)
	return err
}

// MarkPublished помечает позицию опубликованной.
func (p *Postgres) MarkPublished(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE campaign_items SET pipeline_status=$2, status=$2 WHERE id=$1
`, id, string(domain.PipelinePublished))
	metrics.ObserveNetworkRequest("postgres", "campaign_items_mark_published", "campaign_items", start, err)
	return err
}
