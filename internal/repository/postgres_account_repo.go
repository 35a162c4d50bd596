package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/feedcache/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id int64) (*model.Account, error) {
	account := &model.Account{}
	var domain sql.NullString
	var lastActiveAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, domain, last_active_at FROM accounts WHERE id = $1`,
		id,
	).Scan(&account.ID, &account.Username, &domain, &lastActiveAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アカウントの取得に失敗しました: %w", err)
	}

	account.Domain = nullStringValue(domain)
	if lastActiveAt.Valid {
		account.LastActiveAt = &lastActiveAt.Time
	}
	return account, nil
}

// FilterLocal は指定IDのうちローカルアカウントのIDのみを返す。
func (r *PostgresAccountRepo) FilterLocal(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM accounts WHERE id = ANY($1) AND domain IS NULL ORDER BY id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("ローカルアカウントの絞り込みに失敗しました: %w", err)
	}
	return scanIDs(rows)
}

// ListInactive は活動していないローカルアカウントのIDを返す。
func (r *PostgresAccountRepo) ListInactive(ctx context.Context, before time.Time, afterID int64, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM accounts
		 WHERE domain IS NULL
		   AND (last_active_at IS NULL OR last_active_at < $1)
		   AND id > $2
		 ORDER BY id
		 LIMIT $3`,
		before, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("非アクティブアカウントの取得に失敗しました: %w", err)
	}
	return scanIDs(rows)
}

// scanIDs は1列のID行をスライスに読み込み、rowsを閉じる。
func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("IDのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("IDの読み込みに失敗しました: %w", err)
	}
	return ids, nil
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

var _ AccountRepository = (*PostgresAccountRepo)(nil)
