package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/annel0/spatial-core/internal/apperr"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// SQLDialect различает синтаксис upsert и схемы
type SQLDialect string

const (
	DialectMySQL  SQLDialect = "mysql"
	DialectSQLite SQLDialect = "sqlite"
)

// SQLObjectStore хранит JSON-документы в таблице spatial_documents.
// Поддерживает MariaDB/MySQL и SQLite.
type SQLObjectStore struct {
	db      *sql.DB
	dialect SQLDialect
}

// NewMySQLObjectStore подключается к MariaDB/MySQL.
//
// Параметры:
//
//	dsn - строка подключения (user:pass@tcp(host:port)/dbname)
func NewMySQLObjectStore(dsn string) (*SQLObjectStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "mysql.Open",
			fmt.Errorf("не удалось подключиться к MariaDB: %w", err))
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.StorageFailure, "mysql.Ping",
			fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err))
	}
	return newSQLObjectStore(db, DialectMySQL)
}

// NewSQLiteObjectStore открывает (или создаёт) файл базы SQLite
func NewSQLiteObjectStore(path string) (*SQLObjectStore, error) {
	if path == "" {
		return nil, fmt.Errorf("пустой путь к базе SQLite")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "sqlite.Open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageFailure, "sqlite.Open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, apperr.Wrap(apperr.StorageFailure, "sqlite.Pragma", err)
		}
	}
	return newSQLObjectStore(db, DialectSQLite)
}

func newSQLObjectStore(db *sql.DB, dialect SQLDialect) (*SQLObjectStore, error) {
	s := &SQLObjectStore{db: db, dialect: dialect}
	if err := s.createTable(); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.StorageFailure, "sql.createTable",
			fmt.Errorf("не удалось создать таблицу: %w", err))
	}
	return s, nil
}

func (s *SQLObjectStore) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS spatial_documents (
			kind       VARCHAR(32)  NOT NULL,
			id         VARCHAR(191) NOT NULL,
			doc        TEXT         NOT NULL,
			PRIMARY KEY (kind, id)
		)`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLObjectStore) upsertQuery() string {
	if s.dialect == DialectMySQL {
		return `
			INSERT INTO spatial_documents (kind, id, doc) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE doc = VALUES(doc)`
	}
	return `
		INSERT INTO spatial_documents (kind, id, doc) VALUES (?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET doc = excluded.doc`
}

func (s *SQLObjectStore) Get(ctx context.Context, kind Kind, id string, out interface{}) error {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM spatial_documents WHERE kind = ? AND id = ?`,
		string(kind), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return docNotFound("sql.Get", kind, id)
	}
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "sql.Get", err)
	}
	return jsonDecoder([]byte(doc))(out)
}

func (s *SQLObjectStore) Set(ctx context.Context, kind Kind, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ошибка сериализации документа: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.upsertQuery(), string(kind), id, string(data)); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "sql.Set", err)
	}
	return nil
}

func (s *SQLObjectStore) Remove(ctx context.Context, kind Kind, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM spatial_documents WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return apperr.Wrap(apperr.StorageFailure, "sql.Remove", err)
	}
	return nil
}

func (s *SQLObjectStore) Scan(ctx context.Context, kind Kind, fn func(id string, decode Decoder) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, doc FROM spatial_documents WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return apperr.Wrap(apperr.StorageFailure, "sql.Scan", err)
	}

	// Курсор вычитывается целиком до вызова fn: у SQLite одно соединение
	type row struct{ id, doc string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.doc); err != nil {
			rows.Close()
			return apperr.Wrap(apperr.StorageFailure, "sql.Scan", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperr.Wrap(apperr.StorageFailure, "sql.Scan", err)
	}
	rows.Close()

	for _, r := range all {
		if err := fn(r.id, jsonDecoder([]byte(r.doc))); err != nil {
			return err
		}
	}
	return nil
}

// Close закрывает соединение с базой
func (s *SQLObjectStore) Close() error {
	return s.db.Close()
}
