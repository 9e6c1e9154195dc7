package dify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"linkops/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		BaseURL:     server.URL,
		APIUser:     "webinvest",
		KeyResearch: "key-research",
		KeyHeaders:  "key-headers",
		KeyBrief:    "key-brief",
		KeyWrite:    "key-write",
	})
}

func TestRunBlockingContract(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workflows/run" {
			t.Errorf("неверный путь %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-research" {
			t.Errorf("workflow research должен идти со своим ключом, получено %q", got)
		}
		var payload struct {
			Inputs       map[string]any `json:"inputs"`
			ResponseMode string         `json:"response_mode"`
			User         string         `json:"user"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("нечитаемый запрос: %v", err)
		}
		if payload.ResponseMode != "blocking" {
			t.Errorf("ожидался режим blocking, получено %q", payload.ResponseMode)
		}
		if payload.User != "webinvest" || payload.Inputs["keyword"] != "pompy ciepła" {
			t.Errorf("тело запроса собрано неверно: %+v", payload)
		}
		w.Write([]byte(`{"data":{"status":"succeeded","outputs":{"frazy":"a;b;c"}}}`))
	}))

	result, err := client.Run(context.Background(), domain.WorkflowResearch, map[string]any{
		"keyword":  "pompy ciepła",
		"language": "pl",
	})
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !result.Succeeded || result.Outputs.Field("frazy") != "a;b;c" {
		t.Fatalf("успешный ответ разобран неверно: %+v", result)
	}
}

func TestRunNon200NormalizedToFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream error"))
	}))

	result, err := client.Run(context.Background(), domain.WorkflowBrief, nil)
	if err != nil {
		t.Fatalf("не-200 статус — неуспех, не ошибка транспорта: %v", err)
	}
	if result.Succeeded || result.Detail == "" {
		t.Fatalf("ожидался неуспех с пояснением: %+v", result)
	}
}

func TestRunNonSucceededStatus(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"data":{"status":"failed","error":"node timeout"}}`))
	}))

	result, err := client.Run(context.Background(), domain.WorkflowWrite, nil)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if result.Succeeded || result.Detail != "node timeout" {
		t.Fatalf("статус failed должен нести пояснение: %+v", result)
	}
}

func TestRunMissingKey(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://localhost:0", KeyResearch: "k"})
	if _, err := client.Run(context.Background(), domain.WorkflowWrite, nil); err == nil {
		t.Fatal("без ключа workflow запускаться не должен")
	}
}

func TestWorkflowOutputsFieldAliases(t *testing.T) {
	outputs := domain.WorkflowOutputs{
		"graf":     "graf informacji",
		"keywords": "",
		"frazy":    "f1;f2",
		"liczba":   42,
	}
	if got := outputs.Field("frazy", "frazy z serp", "keywords"); got != "f1;f2" {
		t.Errorf("алиасы должны проверяться по порядку, получено %q", got)
	}
	if got := outputs.Field("keywords", "frazy"); got != "f1;f2" {
		t.Errorf("пустое значение должно пропускаться, получено %q", got)
	}
	if got := outputs.Field("grafinformacji", "graf"); got != "graf informacji" {
		t.Errorf("второй алиас должен срабатывать, получено %q", got)
	}
	if got := outputs.Field("liczba"); got != "" {
		t.Errorf("нестроковое значение не должно возвращаться, получено %q", got)
	}
	if got := outputs.Field("nieistniejące"); got != "" {
		t.Errorf("отсутствующий ключ должен давать пустую строку, получено %q", got)
	}
}
