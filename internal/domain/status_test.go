package domain

import "testing"

func TestPipelineStatusAdvance(t *testing.T) {
	cases := []struct {
		current PipelineStatus
		target  PipelineStatus
		want    PipelineStatus
	}{
		{PipelinePlanned, PipelineResearched, PipelineResearched},
		{PipelineResearched, PipelineContentReady, PipelineContentReady},
		{PipelineContentReady, PipelineResearched, PipelineContentReady},
		{PipelinePublished, PipelineBriefed, PipelinePublished},
		{PipelineStructured, PipelineStructured, PipelineStructured},
	}
	for _, tc := range cases {
		if got := tc.current.Advance(tc.target); got != tc.want {
			t.Errorf("%s.Advance(%s): ожидалось %s, получено %s", tc.current, tc.target, tc.want, got)
		}
	}
}

func TestPipelineStatusRankUnknown(t *testing.T) {
	if got := PipelineStatus("coś dziwnego").Rank(); got != 0 {
		t.Errorf("неизвестный статус должен считаться planned, получено %d", got)
	}
}
