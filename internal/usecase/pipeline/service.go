package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
	"linkops/internal/infra/metrics"
)

// noData — подстановка для пустых артефактов research во входах workflow.
const noData = "Brak danych"

// ItemIssue — проблема одной позиции внутри батча.
type ItemIssue struct {
	ItemID int64  `json:"item_id"`
	Detail string `json:"detail"`
}

// Summary — итог прогона батча: позиции с ошибкой перечислены поимённо,
// чтобы оператор знал что перезапускать.
type Summary struct {
	Mode      domain.PipelineMode `json:"mode"`
	Total     int                 `json:"total"`
	Processed int                 `json:"processed"`
	Skipped   []ItemIssue         `json:"skipped,omitempty"`
	Failed    []ItemIssue         `json:"failed,omitempty"`
}

// ProgressFunc вызывается после каждой обработанной позиции.
type ProgressFunc func(done, total int)

// skipError — позиция пропущена из-за невыполненной предпосылки этапа.
// Это предупреждение, не ошибка этапа.
type skipError struct {
	reason string
}

func (e skipError) Error() string { return e.reason }

// Service ведёт позиции кампаний через четыре этапа контент-конвейера.
type Service struct {
	items  domain.ItemRepo
	runner domain.WorkflowRunner
	log    zerolog.Logger
}

// NewService создаёт оркестратор конвейера.
func NewService(items domain.ItemRepo, runner domain.WorkflowRunner, log zerolog.Logger) *Service {
	return &Service{
		items:  items,
		runner: runner,
		log:    log.With().Str("component", "pipeline").Logger(),
	}
}

// Run выполняет один режим конвейера для набора позиций. Ошибка одной позиции
// не прерывает батч: она записывается в итог и цикл идёт дальше. Прерывает
// только отмена контекста.
func (s *Service) Run(ctx context.Context, mode domain.PipelineMode, itemIDs []int64, progress ProgressFunc) (Summary, error) {
	items, err := s.items.ListItems(domain.ItemFilter{IDs: itemIDs})
	if err != nil {
		return Summary{}, fmt.Errorf("загрузка позиций: %w", err)
	}
	summary := Summary{Mode: mode, Total: len(items)}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		var stageErr error
		switch mode {
		case domain.ModeResearch:
			stageErr = s.research(ctx, item)
		case domain.ModeStructure:
			stageErr = s.structure(ctx, item)
		case domain.ModeBrief:
			stageErr = s.brief(ctx, item)
		case domain.ModeWriting:
			stageErr = s.writing(ctx, item)
		case domain.ModeAutopilot:
			stageErr = s.autopilot(ctx, item)
		default:
			return summary, fmt.Errorf("неизвестный режим конвейера %q", mode)
		}

		var skip skipError
		switch {
		case stageErr == nil:
			summary.Processed++
			metrics.IncPipelineItem(string(mode), "ok")
		case errors.As(stageErr, &skip):
			summary.Skipped = append(summary.Skipped, ItemIssue{ItemID: item.ID, Detail: skip.reason})
			metrics.IncPipelineItem(string(mode), "skipped")
			s.log.Warn().Int64("item_id", item.ID).Str("mode", string(mode)).Msg(skip.reason)
		default:
			summary.Failed = append(summary.Failed, ItemIssue{ItemID: item.ID, Detail: stageErr.Error()})
			metrics.IncPipelineItem(string(mode), "error")
			s.log.Error().Err(stageErr).Int64("item_id", item.ID).Str("mode", string(mode)).Msg("позиция не обработана")
		}

		if progress != nil {
			progress(i+1, len(items))
		}
	}
	return summary, nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// runWorkflow запускает workflow и сводит транспортную ошибку и неуспешный
// статус к одной ошибке этапа.
func (s *Service) runWorkflow(ctx context.Context, workflow domain.Workflow, inputs map[string]any) (domain.WorkflowOutputs, error) {
	result, err := s.runner.Run(ctx, workflow, inputs)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded {
		return nil, fmt.Errorf("workflow %s завершился неуспешно: %s", workflow, result.Detail)
	}
	return result.Outputs, nil
}

// research — этап 1: ключевые слова и графы по теме позиции.
func (s *Service) research(ctx context.Context, item domain.CampaignItem) error {
	if strings.TrimSpace(item.Topic) == "" {
		// внешний workflow не вызывается, гранулярный статус остаётся как был
		return fmt.Errorf("пустая тема")
	}

	if err := s.items.SetStageStatus(item.ID, domain.StageResearch, domain.StageProcessing); err != nil {
		return fmt.Errorf("статус research: %w", err)
	}

	start := time.Now()
	outputs, err := s.runWorkflow(ctx, domain.WorkflowResearch, map[string]any{
		"keyword":  item.Topic,
		"language": item.Language,
	})
	metrics.ObservePipelineStage(string(domain.StageResearch), start, err)
	if err != nil {
		s.markStageError(item.ID, domain.StageResearch)
		return err
	}

	artifacts := domain.ResearchArtifacts{
		KeywordsSERP:   orDefault(outputs.Field("frazy", "frazy z serp", "keywords"), item.Topic),
		SenutoKeywords: outputs.Field("frazy_senuto"),
		InfoGraph:      outputs.Field("grafinformacji", "graf", "information_graph"),
		KnowledgeGraph: outputs.Field("knowledge_graph", "graf wiedzy"),
	}
	aggregate := item.PipelineStatus.Advance(domain.PipelineResearched)
	if err := s.items.SaveResearch(item.ID, artifacts, aggregate); err != nil {
		s.markStageError(item.ID, domain.StageResearch)
		return fmt.Errorf("сохранение research: %w", err)
	}
	return nil
}

// structure — этап 2: наброски заголовков. Перечитывает сохранённое состояние,
// чтобы учесть правки оператора между прогонами.
func (s *Service) structure(ctx context.Context, item domain.CampaignItem) error {
	fresh, err := s.items.GetItem(item.ID)
	if err != nil {
		return fmt.Errorf("чтение позиции: %w", err)
	}

	if err := s.items.SetStageStatus(item.ID, domain.StageStructure, domain.StageProcessing); err != nil {
		return fmt.Errorf("статус structure: %w", err)
	}

	start := time.Now()
	outputs, err := s.runWorkflow(ctx, domain.WorkflowHeaders, map[string]any{
		"keyword":  fresh.Topic,
		"language": fresh.Language,
		"frazy":    orDefault(fresh.KeywordsSERP, fresh.Topic),
		"graf":     orDefault(fresh.InfoGraph, noData),
	})
	metrics.ObservePipelineStage(string(domain.StageStructure), start, err)
	if err != nil {
		s.markStageError(item.ID, domain.StageStructure)
		return err
	}

	extended := outputs.Field("naglowki_rozbudowane")
	artifacts := domain.StructureArtifacts{
		Extended:  extended,
		H2:        outputs.Field("naglowki_h2"),
		Questions: outputs.Field("naglowki_pytania"),
		// финальные заголовки пока всегда зеркалят расширенные;
		// ручная правка финальных — отдельный сценарий поверх этого поля
		Final: extended,
	}
	aggregate := fresh.PipelineStatus.Advance(domain.PipelineStructured)
	if err := s.items.SaveStructure(item.ID, artifacts, aggregate); err != nil {
		s.markStageError(item.ID, domain.StageStructure)
		return fmt.Errorf("сохранение structure: %w", err)
	}
	return nil
}

// brief — этап 3: контент-бриф по финальным заголовкам.
func (s *Service) brief(ctx context.Context, item domain.CampaignItem) error {
	fresh, err := s.items.GetItem(item.ID)
	if err != nil {
		return fmt.Errorf("чтение позиции: %w", err)
	}
	if strings.TrimSpace(fresh.HeadingsFinal) == "" {
		return skipError{reason: "нет финальных заголовков, этап структуры не выполнен"}
	}

	if err := s.items.SetStageStatus(item.ID, domain.StageBrief, domain.StageProcessing); err != nil {
		return fmt.Errorf("статус brief: %w", err)
	}

	start := time.Now()
	outputs, err := s.runWorkflow(ctx, domain.WorkflowBrief, map[string]any{
		"keywords":          orDefault(fresh.KeywordsSERP, fresh.Topic),
		"headings":          fresh.HeadingsFinal,
		"knowledge_graph":   orDefault(fresh.KnowledgeGraph, noData),
		"information_graph": orDefault(fresh.InfoGraph, noData),
		"keyword":           fresh.Topic,
	})
	metrics.ObservePipelineStage(string(domain.StageBrief), start, err)
	if err != nil {
		s.markStageError(item.ID, domain.StageBrief)
		return err
	}

	sections := ParseBrief(outputs.Field("brief"))
	if len(sections) == 0 {
		s.markStageError(item.ID, domain.StageBrief)
		return fmt.Errorf("бриф не распарсился или пуст")
	}
	aggregate := fresh.PipelineStatus.Advance(domain.PipelineBriefed)
	if err := s.items.SaveBrief(item.ID, sections, aggregate); err != nil {
		s.markStageError(item.ID, domain.StageBrief)
		return fmt.Errorf("сохранение брифа: %w", err)
	}
	return nil
}

// writing — этап 4: написание секций строго по порядку. Накопленный текст
// передаётся в следующую секцию, поэтому секции одной позиции не
// распараллеливаются.
func (s *Service) writing(ctx context.Context, item domain.CampaignItem) error {
	fresh, err := s.items.GetItem(item.ID)
	if err != nil {
		return fmt.Errorf("чтение позиции: %w", err)
	}
	if len(fresh.ContentBrief) == 0 {
		return skipError{reason: "нет контент-брифа, этап брифа не выполнен"}
	}

	if err := s.items.SetStageStatus(item.ID, domain.StageWriting, domain.StageProcessing); err != nil {
		return fmt.Errorf("статус writing: %w", err)
	}

	start := time.Now()
	content, failed := s.writeSections(ctx, fresh, fresh.ContentBrief)
	if content == "" {
		err := fmt.Errorf("ни одна из %d секций не написалась", len(fresh.ContentBrief))
		metrics.ObservePipelineStage(string(domain.StageWriting), start, err)
		s.markStageError(item.ID, domain.StageWriting)
		return err
	}
	metrics.ObservePipelineStage(string(domain.StageWriting), start, nil)

	aggregate := fresh.PipelineStatus.Advance(domain.PipelineContentReady)
	if err := s.items.SaveContent(item.ID, content, aggregate); err != nil {
		s.markStageError(item.ID, domain.StageWriting)
		return fmt.Errorf("сохранение контента: %w", err)
	}
	if failed > 0 {
		// контент сохранён частично, этап остаётся перезапускаемым
		s.markStageError(item.ID, domain.StageWriting)
		return fmt.Errorf("не написались %d из %d секций", failed, len(fresh.ContentBrief))
	}
	return nil
}

// writeSections пишет секции последовательно, передавая накопленный буфер в
// каждую следующую. Ошибка секции не прерывает остальные.
func (s *Service) writeSections(ctx context.Context, item domain.CampaignItem, sections []domain.BriefSection) (string, int) {
	var (
		buf    strings.Builder
		failed int
	)
	for i, section := range sections {
		outputs, err := s.runWorkflow(ctx, domain.WorkflowWrite, map[string]any{
			"naglowek":    section.Heading,
			"knowledge":   section.Knowledge,
			"keywords":    section.Keywords,
			"language":    item.Language,
			"headings":    item.HeadingsFinal,
			"done":        buf.String(),
			"keyword":     item.Topic,
			"instruction": item.ExtraInstructions,
		})
		if err != nil {
			failed++
			s.log.Warn().Err(err).Int64("item_id", item.ID).Int("section", i+1).Msg("секция не написалась")
			continue
		}
		buf.WriteString(outputs.Field("result", "text"))
		buf.WriteString("\n\n")
	}
	return buf.String(), failed
}

// autopilot — все четыре этапа подряд на промежуточных значениях в памяти,
// одна финальная запись в конце. Перечитываний между этапами нет: это
// осознанное отличие от поэтапного режима ради меньшего числа обращений.
func (s *Service) autopilot(ctx context.Context, item domain.CampaignItem) error {
	if strings.TrimSpace(item.Topic) == "" {
		return fmt.Errorf("пустая тема")
	}

	var artifacts domain.AutopilotArtifacts

	// research: неуспешный запуск не прерывает позицию — дальше идут подстановки
	start := time.Now()
	research, err := s.runner.Run(ctx, domain.WorkflowResearch, map[string]any{
		"keyword":  item.Topic,
		"language": item.Language,
	})
	metrics.ObservePipelineStage(string(domain.StageResearch), start, err)
	if err != nil {
		return fmt.Errorf("research: %w", err)
	}
	artifacts.Research = domain.ResearchArtifacts{
		KeywordsSERP:   orDefault(research.Outputs.Field("frazy", "frazy z serp", "keywords"), item.Topic),
		SenutoKeywords: research.Outputs.Field("frazy_senuto"),
		InfoGraph:      orDefault(research.Outputs.Field("grafinformacji", "graf", "information_graph"), noData),
		KnowledgeGraph: orDefault(research.Outputs.Field("knowledge_graph", "graf wiedzy"), noData),
	}

	// структура
	start = time.Now()
	headers, err := s.runner.Run(ctx, domain.WorkflowHeaders, map[string]any{
		"keyword":  item.Topic,
		"language": item.Language,
		"frazy":    artifacts.Research.KeywordsSERP,
		"graf":     artifacts.Research.InfoGraph,
	})
	metrics.ObservePipelineStage(string(domain.StageStructure), start, err)
	if err != nil {
		return fmt.Errorf("structure: %w", err)
	}
	final := orDefault(headers.Outputs.Field("naglowki_rozbudowane"), "H2: "+item.Topic)
	artifacts.Structure = domain.StructureArtifacts{
		Extended:  final,
		H2:        headers.Outputs.Field("naglowki_h2"),
		Questions: headers.Outputs.Field("naglowki_pytania"),
		Final:     final,
	}

	// бриф
	start = time.Now()
	brief, err := s.runner.Run(ctx, domain.WorkflowBrief, map[string]any{
		"keywords":          artifacts.Research.KeywordsSERP,
		"headings":          final,
		"knowledge_graph":   artifacts.Research.KnowledgeGraph,
		"information_graph": artifacts.Research.InfoGraph,
		"keyword":           item.Topic,
	})
	metrics.ObservePipelineStage(string(domain.StageBrief), start, err)
	if err != nil {
		return fmt.Errorf("brief: %w", err)
	}
	artifacts.Brief = ParseBrief(brief.Outputs.Field("brief"))

	// написание
	start = time.Now()
	snapshot := item
	snapshot.HeadingsFinal = final
	content, failedSections := s.writeSections(ctx, snapshot, artifacts.Brief)
	metrics.ObservePipelineStage(string(domain.StageWriting), start, nil)
	artifacts.ContentHTML = content

	aggregate := item.PipelineStatus.Advance(domain.PipelineContentReady)
	if err := s.items.SaveAutopilot(item.ID, artifacts, aggregate); err != nil {
		return fmt.Errorf("сохранение прогона: %w", err)
	}
	if failedSections > 0 {
		return fmt.Errorf("не написались %d из %d секций", failedSections, len(artifacts.Brief))
	}
	return nil
}

func (s *Service) markStageError(itemID int64, stage domain.Stage) {
	if err := s.items.SetStageStatus(itemID, stage, domain.StageError); err != nil {
		s.log.Error().Err(err).Int64("item_id", itemID).Str("stage", string(stage)).Msg("не удалось записать статус ошибки")
	}
}

var fenceRe = regexp.MustCompile("```(?:json)?")

// ParseBrief чистит текст брифа от markdown-ограждений и парсит JSON-массив
// секций. Любая ошибка парсинга означает пустой бриф, не панику.
func ParseBrief(raw string) []domain.BriefSection {
	cleaned := strings.TrimSpace(fenceRe.ReplaceAllString(raw, ""))
	if cleaned == "" {
		return nil
	}
	var sections []domain.BriefSection
	if err := json.Unmarshal([]byte(cleaned), &sections); err != nil {
		return nil
	}
	return sections
}
