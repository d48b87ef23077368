package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"Agent-Economy/internal/settlement"
)

const memoryArchiveCap = 512

// MemorySettlementArchive 使用本地 JSON 行文件模拟 MySQL 的效果，
// 方便单机迭代开发。进程重启后记录可恢复。
type MemorySettlementArchive struct {
	mu       sync.RWMutex
	dataFile string
	records  []settlement.Record
}

// NewMemorySettlementArchive 创建文件归档。
func NewMemorySettlementArchive(dataDir string) (*MemorySettlementArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "settlements.log")
	archive := &MemorySettlementArchive{dataFile: path}
	if err := archive.loadFromDisk(); err != nil {
		return nil, err
	}
	return archive, nil
}

// SaveSettlement 以追加写的方式记录结算结果。
func (m *MemorySettlementArchive) SaveSettlement(_ context.Context, record settlement.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开结算日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化结算记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入结算日志失败: %w", err)
	}

	m.records = append([]settlement.Record{record}, m.records...)
	if len(m.records) > memoryArchiveCap {
		m.records = m.records[:memoryArchiveCap]
	}
	return nil
}

// ListLatest 返回最近的结算记录，按时间倒序排列。
func (m *MemorySettlementArchive) ListLatest(_ context.Context, limit int) ([]settlement.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]settlement.Record, limit)
	copy(results, m.records[:limit])
	return results, nil
}

func (m *MemorySettlementArchive) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取结算日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []settlement.Record
	for scanner.Scan() {
		var record settlement.Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]settlement.Record{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析结算日志失败: %w", err)
	}

	if len(restored) > memoryArchiveCap {
		restored = restored[:memoryArchiveCap]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLSettlementArchive 使用真实的 MySQL 数据库存储结算凭据。
type SQLSettlementArchive struct {
	db *sql.DB
}

// NewSQLSettlementArchive 创建连接池并初始化数据表。
func NewSQLSettlementArchive(dsn string) (*SQLSettlementArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	archive := &SQLSettlementArchive{db: db}
	if err := archive.initSchema(); err != nil {
		return nil, err
	}
	return archive, nil
}

func (s *SQLSettlementArchive) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS settlements (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        task_id VARCHAR(64) NOT NULL,
        worker_id VARCHAR(64) NOT NULL,
        amount_hbar DOUBLE NOT NULL,
        tx_id VARCHAR(128) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        error TEXT,
        duration_ms BIGINT NOT NULL DEFAULT 0,
        simulated TINYINT(1) NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uk_task_id (task_id),
        INDEX idx_created_at (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 settlements 表失败: %w", err)
	}
	return nil
}

// SaveSettlement 将结算记录写入 MySQL。task_id 上的唯一键兜底保证
// 每个任务至多一条凭据。
func (s *SQLSettlementArchive) SaveSettlement(ctx context.Context, record settlement.Record) error {
	const stmt = `INSERT IGNORE INTO settlements
        (task_id, worker_id, amount_hbar, tx_id, status, error, duration_ms, simulated, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.TaskID,
		record.WorkerID,
		record.AmountHBAR,
		record.TxID,
		record.Status,
		record.Error,
		record.DurationMS,
		record.Simulated,
		record.Timestamp,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条结算记录。
func (s *SQLSettlementArchive) ListLatest(ctx context.Context, limit int) ([]settlement.Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, worker_id, amount_hbar, tx_id, status, COALESCE(error, ''), duration_ms, simulated, created_at
        FROM settlements ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询结算记录失败: %w", err)
	}
	defer rows.Close()

	var records []settlement.Record
	for rows.Next() {
		var record settlement.Record
		if err := rows.Scan(&record.TaskID, &record.WorkerID, &record.AmountHBAR, &record.TxID, &record.Status, &record.Error, &record.DurationMS, &record.Simulated, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("解析结算记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历结算记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLSettlementArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ settlement.Archive = (*MemorySettlementArchive)(nil)
	_ settlement.Archive = (*SQLSettlementArchive)(nil)
)
