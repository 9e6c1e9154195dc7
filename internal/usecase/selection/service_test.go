package selection

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"linkops/internal/domain"
)

func newTestService(weight float64, sampleLimit int) *Service {
	return NewService(nil, nil, weight, sampleLimit, zerolog.Nop())
}

func selectedIDs(result Result) []int64 {
	ids := make([]int64, 0, len(result.Selected))
	for _, candidate := range result.Selected {
		ids = append(ids, candidate.Portal.ID)
	}
	return ids
}

func TestSelectRatioBudgetWalk(t *testing.T) {
	svc := newTestService(2, 0)
	portals := []domain.Portal{
		{ID: 1, Name: "A", BestPrice: 100, DomainRating: 50},
		{ID: 2, Name: "B", BestPrice: 50, DomainRating: 40},
		{ID: 3, Name: "C", BestPrice: 30, DomainRating: 10},
	}

	result := svc.Select(portals, StrategyRatio, 130)

	// баллы: A=1.0, B=1.6, C=0.667; порядок B,A,C; A не влезает (150>130)
	want := []int64{2, 3}
	if got := selectedIDs(result); !reflect.DeepEqual(got, want) {
		t.Fatalf("ожидался подбор %v, получено %v", want, got)
	}
	if result.TotalCost != 80 {
		t.Errorf("ожидалась стоимость 80, получено %v", result.TotalCost)
	}
	if result.Skipped != 1 {
		t.Errorf("ожидался 1 пропущенный кандидат, получено %d", result.Skipped)
	}
}

func TestSelectNeverExceedsBudget(t *testing.T) {
	svc := newTestService(2, 0)
	portals := []domain.Portal{
		{ID: 1, BestPrice: 70, DomainRating: 90},
		{ID: 2, BestPrice: 45, DomainRating: 60},
		{ID: 3, BestPrice: 30, DomainRating: 55},
		{ID: 4, BestPrice: 25, DomainRating: 20},
		{ID: 5, BestPrice: 10, DomainRating: 5},
	}
	for _, budget := range []float64{0, 9, 10, 55, 100, 1000} {
		result := svc.Select(portals, StrategyRatio, budget)
		var total float64
		for _, candidate := range result.Selected {
			total += candidate.Portal.BestPrice
		}
		if total > budget {
			t.Errorf("бюджет %v превышен: стоимость %v", budget, total)
		}
		if total != result.TotalCost {
			t.Errorf("TotalCost %v не совпадает с суммой цен %v", result.TotalCost, total)
		}
	}
}

func TestSelectDeterministic(t *testing.T) {
	svc := newTestService(2, 0)
	portals := []domain.Portal{
		{ID: 1, BestPrice: 50, DomainRating: 40},
		{ID: 2, BestPrice: 50, DomainRating: 40},
		{ID: 3, BestPrice: 20, DomainRating: 16},
		{ID: 4, BestPrice: 35, DomainRating: 70},
	}

	first := svc.Select(portals, StrategyRatio, 120)
	for i := 0; i < 10; i++ {
		again := svc.Select(portals, StrategyRatio, 120)
		if !reflect.DeepEqual(selectedIDs(first), selectedIDs(again)) {
			t.Fatalf("прогон %d дал другой подбор: %v vs %v", i, selectedIDs(again), selectedIDs(first))
		}
	}
}

func TestRankDropsNonPositivePrices(t *testing.T) {
	svc := newTestService(2, 0)
	portals := []domain.Portal{
		{ID: 1, BestPrice: 0, DomainRating: 99},
		{ID: 2, BestPrice: -5, DomainRating: 99},
		{ID: 3, BestPrice: 10, DomainRating: 5},
	}

	result := svc.Select(portals, StrategyRatio, 1000)
	if got := selectedIDs(result); !reflect.DeepEqual(got, []int64{3}) {
		t.Fatalf("порталы без цены должны отбрасываться, получено %v", got)
	}
}

func TestRankDeduplicatesByPortalID(t *testing.T) {
	svc := newTestService(2, 0)
	portals := []domain.Portal{
		{ID: 7, BestPrice: 100, DomainRating: 10}, // балл 0.2
		{ID: 7, BestPrice: 50, DomainRating: 10},  // балл 0.4 — выше, остаётся
		{ID: 8, BestPrice: 40, DomainRating: 8},   // балл 0.4
		{ID: 8, BestPrice: 30, DomainRating: 6},   // балл 0.4 — равный, дешевле, остаётся
	}

	result := svc.Select(portals, StrategyRatio, 1000)
	if len(result.Selected) != 2 {
		t.Fatalf("ожидалось 2 уникальных портала, получено %d", len(result.Selected))
	}
	byID := make(map[int64]float64)
	for _, candidate := range result.Selected {
		byID[candidate.Portal.ID] = candidate.Portal.BestPrice
	}
	if byID[7] != 50 {
		t.Errorf("для портала 7 ожидалась цена 50 (больший балл), получено %v", byID[7])
	}
	if byID[8] != 30 {
		t.Errorf("для портала 8 ожидалась цена 30 (равный балл, дешевле), получено %v", byID[8])
	}
}

func TestSelectStrategies(t *testing.T) {
	svc := newTestService(2, 0)
	portals := []domain.Portal{
		{ID: 1, BestPrice: 100, DomainRating: 90},
		{ID: 2, BestPrice: 10, DomainRating: 30},
		{ID: 3, BestPrice: 40, DomainRating: 60},
	}

	// metric: качество по убыванию → 1, 3, 2
	metric := svc.Select(portals, StrategyMetric, 1000)
	if got := selectedIDs(metric); !reflect.DeepEqual(got, []int64{1, 3, 2}) {
		t.Errorf("strategy=metric: ожидался порядок [1 3 2], получено %v", got)
	}

	// price: цена по возрастанию → 2, 3, 1
	price := svc.Select(portals, StrategyPrice, 1000)
	if got := selectedIDs(price); !reflect.DeepEqual(got, []int64{2, 3, 1}) {
		t.Errorf("strategy=price: ожидался порядок [2 3 1], получено %v", got)
	}
}

func TestSelectSampleLimit(t *testing.T) {
	svc := newTestService(2, 2)
	portals := []domain.Portal{
		{ID: 1, BestPrice: 10, DomainRating: 50}, // балл 10
		{ID: 2, BestPrice: 10, DomainRating: 40}, // балл 8
		{ID: 3, BestPrice: 10, DomainRating: 30}, // балл 6 — за пределами топ-2
	}

	result := svc.Select(portals, StrategyRatio, 1000)
	if got := selectedIDs(result); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("sampleLimit=2: ожидался подбор [1 2], получено %v", got)
	}
}

func TestSaveEmptySelection(t *testing.T) {
	svc := newTestService(2, 0)
	_, err := svc.Save(1, "пустая", Result{})
	if err != ErrNoCandidates {
		t.Fatalf("ожидалась ErrNoCandidates, получено %v", err)
	}
}

func TestScoreWeightChangesRatio(t *testing.T) {
	base := newTestService(2, 0)
	heavy := newTestService(4, 0)
	portal := domain.Portal{ID: 1, BestPrice: 50, DomainRating: 30}
	if got := base.score(StrategyRatio, portal); got != 1.2 {
		t.Errorf("вес 2: ожидался балл 1.2, получено %v", got)
	}
	if got := heavy.score(StrategyRatio, portal); got != 2.4 {
		t.Errorf("вес 4: ожидался балл 2.4, получено %v", got)
	}
}
