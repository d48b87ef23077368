package mysql

import (
	"context"
	"testing"

	"Agent-Economy/internal/settlement"
)

func TestMemoryArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewMemorySettlementArchive(dir)
	if err != nil {
		t.Fatalf("创建归档失败: %v", err)
	}

	records := []settlement.Record{
		{TaskID: "task-1", WorkerID: "worker-1", AmountHBAR: 0.4, TxID: "tx-1", Status: "settled", Timestamp: 100, Simulated: true},
		{TaskID: "task-2", WorkerID: "worker-2", AmountHBAR: 0.2, Status: "failed", Error: "余额不足", Timestamp: 200, Simulated: true},
	}
	for _, record := range records {
		if err := archive.SaveSettlement(context.Background(), record); err != nil {
			t.Fatalf("写入记录失败: %v", err)
		}
	}

	latest, err := archive.ListLatest(context.Background(), 10)
	if err != nil {
		t.Fatalf("读取记录失败: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("期望 2 条记录，实际 %d", len(latest))
	}
	if latest[0].TaskID != "task-2" {
		t.Fatalf("最新记录应在最前，实际 %s", latest[0].TaskID)
	}

	// 重新打开同一目录，记录应从磁盘恢复。
	reopened, err := NewMemorySettlementArchive(dir)
	if err != nil {
		t.Fatalf("重新打开归档失败: %v", err)
	}
	restored, err := reopened.ListLatest(context.Background(), 10)
	if err != nil {
		t.Fatalf("读取恢复记录失败: %v", err)
	}
	if len(restored) != 2 || restored[0].TaskID != "task-2" {
		t.Fatalf("恢复结果不符: %+v", restored)
	}
}

func TestMemoryArchiveLimit(t *testing.T) {
	archive, err := NewMemorySettlementArchive(t.TempDir())
	if err != nil {
		t.Fatalf("创建归档失败: %v", err)
	}
	for i := 0; i < 5; i++ {
		record := settlement.Record{TaskID: string(rune('a' + i)), Status: "settled", Timestamp: int64(i)}
		if err := archive.SaveSettlement(context.Background(), record); err != nil {
			t.Fatalf("写入记录失败: %v", err)
		}
	}
	latest, err := archive.ListLatest(context.Background(), 3)
	if err != nil {
		t.Fatalf("读取记录失败: %v", err)
	}
	if len(latest) != 3 {
		t.Fatalf("limit 未生效: %d", len(latest))
	}
}
