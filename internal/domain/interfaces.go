package domain

import (
	"context"
	"time"
)

// ResearchArtifacts — результат этапа research.
type ResearchArtifacts struct {
	KeywordsSERP   string
	SenutoKeywords string
	InfoGraph      string
	KnowledgeGraph string
}

// StructureArtifacts — результат этапа структуры (наброски заголовков).
type StructureArtifacts struct {
	Extended  string
	H2        string
	Questions string
	Final     string
}

// AutopilotArtifacts — накопленные поля одного полного прогона авто-пилота,
// сохраняются одной записью в конце.
type AutopilotArtifacts struct {
	Research    ResearchArtifacts
	Structure   StructureArtifacts
	Brief       []BriefSection
	ContentHTML string
}

// ItemFilter описывает выборку позиций кампаний.
type ItemFilter struct {
	IDs            []int64
	CampaignID     int64
	PipelineStatus PipelineStatus
	Stage          Stage
	StageStatus    StageStatus
}

// ClientRepo управляет клиентами (зеркалом проектов WhitePress).
type ClientRepo interface {
	UpsertClient(client Client) (Client, bool, error)
	GetClient(id int64) (Client, error)
	ListClients() ([]Client, error)
}

// CampaignRepo управляет кампаниями.
type CampaignRepo interface {
	// CreateCampaignWithItems сохраняет кампанию и её позиции одной транзакцией.
	CreateCampaignWithItems(campaign Campaign, items []CampaignItem) (Campaign, error)
	GetCampaign(id int64) (Campaign, error)
	ListCampaigns(limit int) ([]Campaign, error)
}

// ItemRepo управляет позициями кампаний и артефактами конвейера.
type ItemRepo interface {
	GetItem(id int64) (CampaignItem, error)
	ListItems(filter ItemFilter) ([]CampaignItem, error)
	UpdateTopic(id int64, topic, language, extraInstructions string) error
	SetStageStatus(id int64, stage Stage, status StageStatus) error
	SaveResearch(id int64, artifacts ResearchArtifacts, aggregate PipelineStatus) error
	SaveStructure(id int64, artifacts StructureArtifacts, aggregate PipelineStatus) error
	SaveBrief(id int64, sections []BriefSection, aggregate PipelineStatus) error
	SaveContent(id int64, html string, aggregate PipelineStatus) error
	SaveAutopilot(id int64, artifacts AutopilotArtifacts, aggregate PipelineStatus) error
	MarkPublished(id int64) error
}

// Marketplace — шлюз к REST API WhitePress.
type Marketplace interface {
	ListProjects(ctx context.Context) ([]Project, error)
	SearchPortals(ctx context.Context, projectID int64, filters PortalFilters, fetchAll bool) ([]Portal, error)
	PortalOptions(ctx context.Context, projectID int64) (PortalOptions, error)
	PortalOffers(ctx context.Context, projectID, portalID int64) ([]Offer, error)
	ListProjectArticles(ctx context.Context, projectID int64) ([]Article, error)
	// PublishArticle отправляет готовый контент в публикацию.
	// Реальный эндпоинт публикации не вызывается — см. adapters/whitepress.
	PublishArticle(ctx context.Context, projectID, portalID int64, title, content string) (PublishResult, error)
}

// Workflow — имя внешнего конвейера генерации в Dify.
type Workflow string

const (
	WorkflowResearch Workflow = "research"
	WorkflowHeaders  Workflow = "headers"
	WorkflowBrief    Workflow = "brief"
	WorkflowWrite    Workflow = "write"
)

// WorkflowOutputs — мешок выходных полей workflow. Имена полей у внешних
// конвейеров нестабильны, поэтому чтение идёт по упорядоченному списку алиасов.
type WorkflowOutputs map[string]any

// Field возвращает первое непустое строковое значение по списку алиасов.
func (o WorkflowOutputs) Field(aliases ...string) string {
	for _, alias := range aliases {
		raw, ok := o[alias]
		if !ok {
			continue
		}
		if s, ok := raw.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// WorkflowResult — нормализованный результат запуска workflow: транспортные и
// валидационные ошибки сведены к Succeeded=false с пояснением.
type WorkflowResult struct {
	Succeeded bool
	Outputs   WorkflowOutputs
	Detail    string
}

// WorkflowRunner запускает внешний workflow и блокирующе ждёт результат.
type WorkflowRunner interface {
	Run(ctx context.Context, workflow Workflow, inputs map[string]any) (WorkflowResult, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
