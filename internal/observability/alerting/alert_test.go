package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "Agent-Economy/internal/errors"
)

func TestFromErrorCarriesCodeAndMetadata(t *testing.T) {
	err := xerrors.New(xerrors.CodeSettlementFailure, "转账失败",
		xerrors.WithMetadata("task_id", "task-1"))

	event := FromError(err, "task-1")
	if event.Code != xerrors.CodeSettlementFailure {
		t.Fatalf("错误码不符: %s", event.Code)
	}
	if event.Message != "转账失败" {
		t.Fatalf("消息不符: %s", event.Message)
	}
	if event.Metadata["task_id"] != "task-1" {
		t.Fatalf("元数据不符: %+v", event.Metadata)
	}
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{URL: server.URL, HTTPClient: server.Client()}
	dispatcher := NewFanout(LogNotifier{}, notifier)

	err := dispatcher.Notify(context.Background(), Event{
		Code:       xerrors.CodeSettlementFailure,
		Message:    "网络不可达",
		TaskID:     "task-2",
		WorkerID:   "worker-1",
		AmountHBAR: 0.4,
	})
	if err != nil {
		t.Fatalf("广播告警失败: %v", err)
	}

	payload := <-received
	if payload["task_id"] != "task-2" {
		t.Fatalf("webhook 载荷不符: %+v", payload)
	}
	if payload["code"] != string(xerrors.CodeSettlementFailure) {
		t.Fatalf("webhook 错误码不符: %+v", payload)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{URL: server.URL, HTTPClient: server.Client()}
	if err := notifier.Notify(context.Background(), Event{TaskID: "task-3"}); err == nil {
		t.Fatal("错误状态码应返回错误")
	}
}
