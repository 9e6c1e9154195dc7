package domain

import "time"

// Client описывает проект WhitePress, зеркалированный в локальной базе.
type Client struct {
	ID          int64
	WPProjectID int64
	Name        string
	Website     string
	CreatedAt   time.Time
}

// CampaignStatus описывает статус кампании целиком.
type CampaignStatus string

const (
	// CampaignPlanned — кампания создана, публикаций ещё не было.
	CampaignPlanned CampaignStatus = "planned"
	// CampaignPublished — все позиции кампании отправлены в публикацию.
	CampaignPublished CampaignStatus = "published"
)

// Campaign представляет набор размещений с бюджетом для одного клиента.
type Campaign struct {
	ID          int64
	ClientID    int64
	Name        string
	BudgetLimit float64
	Status      CampaignStatus
	CreatedAt   time.Time
}

// PortalMetrics хранит снимок метрик портала на момент отбора.
type PortalMetrics struct {
	DomainRating int `json:"dr,omitempty"`
	TrustFlow    int `json:"tf,omitempty"`
	UniqueUsers  int `json:"uu,omitempty"`
}

// BriefSection — одна секция контент-брифа.
type BriefSection struct {
	Heading   string `json:"heading"`
	Knowledge string `json:"knowledge"`
	Keywords  string `json:"keywords"`
}

// CampaignItem — одно размещение и состояние его контент-конвейера.
type CampaignItem struct {
	ID         int64
	CampaignID int64
	WPPortalID int64
	PortalName string
	PortalURL  string

	Price            float64
	Metrics          PortalMetrics
	OfferTitle       string
	OfferDescription string

	Topic             string
	Language          string
	ExtraInstructions string

	KeywordsSERP   string
	SenutoKeywords string
	InfoGraph      string
	KnowledgeGraph string

	HeadingsExtended  string
	HeadingsH2        string
	HeadingsQuestions string
	HeadingsFinal     string

	ContentBrief []BriefSection
	ContentHTML  string

	PipelineStatus  PipelineStatus
	StatusResearch  StageStatus
	StatusStructure StageStatus
	StatusBrief     StageStatus
	StatusWriting   StageStatus

	CreatedAt time.Time
}

// Project — проект из API WhitePress.
type Project struct {
	ID    int64
	Title string
	URL   string
}

// Portal — портал из поиска WhitePress с метриками и минимальной ценой.
type Portal struct {
	ID            int64
	Name          string
	URL           string
	BestPrice     float64
	DomainRating  int
	TrustFlow     int
	UniqueUsers   int
	DofollowCount int
	Country       string
}

// Offer — конкретная покупаемая позиция на портале.
type Offer struct {
	ID          int64
	Title       string
	Description string
	Price       float64
	Persistence string
	LinkType    string
	Dofollow    bool
}

// Article — опубликованный артикул проекта в WhitePress.
type Article struct {
	ID    int64
	Title string
	URL   string
}

// PortalOptions — словари фильтров (категории, страны, регионы) для проекта.
type PortalOptions struct {
	Categories map[string]string `json:"portal_category,omitempty"`
	Countries  map[string]string `json:"portal_country,omitempty"`
	Regions    map[string]string `json:"portal_region,omitempty"`
	Types      map[string]string `json:"portal_type,omitempty"`
}

// PortalFilters описывает набор фильтров поиска порталов.
// Нулевые значения означают «фильтр не задан».
type PortalFilters struct {
	NameSearch string
	PriceMin   float64
	PriceMax   float64
	MinDR      int
	MinTF      int
	MinTraffic int
	Categories []int64
	Dofollow   bool
	Country    string
	Region     string
	PortalType string
}

// PublishResult — результат отправки артикула в публикацию.
type PublishResult struct {
	Success bool
	Message string
}
