package domain

// StageStatus — гранулярный статус одного этапа конвейера для позиции.
type StageStatus string

const (
	// StagePending — этап ещё не запускался.
	StagePending StageStatus = "pending"
	// StageProcessing — этап выполняется прямо сейчас.
	StageProcessing StageStatus = "processing"
	// StageDone — этап завершён успешно.
	StageDone StageStatus = "done"
	// StageError — этап завершился ошибкой, можно перезапустить.
	StageError StageStatus = "error"
)

// Stage — имя этапа контент-конвейера.
type Stage string

const (
	StageResearch  Stage = "research"
	StageStructure Stage = "structure"
	StageBrief     Stage = "brief"
	StageWriting   Stage = "writing"
)

// PipelineStatus — агрегатный статус позиции по шести ступеням.
type PipelineStatus string

const (
	PipelinePlanned      PipelineStatus = "planned"
	PipelineResearched   PipelineStatus = "researched"
	PipelineStructured   PipelineStatus = "structured"
	PipelineBriefed      PipelineStatus = "briefed"
	PipelineContentReady PipelineStatus = "content_ready"
	PipelinePublished    PipelineStatus = "published"
)

var pipelineOrder = map[PipelineStatus]int{
	PipelinePlanned:      0,
	PipelineResearched:   1,
	PipelineStructured:   2,
	PipelineBriefed:      3,
	PipelineContentReady: 4,
	PipelinePublished:    5,
}

// Rank возвращает порядковый номер ступени. Неизвестный статус считается planned.
func (s PipelineStatus) Rank() int {
	return pipelineOrder[s]
}

// Advance возвращает более позднюю из двух ступеней: агрегатный статус
// никогда не откатывается назад при ошибке позднего этапа.
func (s PipelineStatus) Advance(target PipelineStatus) PipelineStatus {
	if target.Rank() > s.Rank() {
		return target
	}
	return s
}
