package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedcache/internal/model"
)

const listColumns = `l.id, l.account_id, l.title, l.replies_policy, l.exclusive`

// PostgresListRepo はPostgreSQLを使用したリストリポジトリ。
type PostgresListRepo struct {
	db *sql.DB
}

// NewPostgresListRepo はPostgresListRepoを生成する。
func NewPostgresListRepo(db *sql.DB) *PostgresListRepo {
	return &PostgresListRepo{db: db}
}

func scanList(row rowScanner) (*model.List, error) {
	l := &model.List{}
	var policy string
	if err := row.Scan(&l.ID, &l.AccountID, &l.Title, &policy, &l.Exclusive); err != nil {
		return nil, err
	}
	l.RepliesPolicy = model.RepliesPolicy(policy)
	return l, nil
}

// FindByID は指定IDのリストを取得する。見つからない場合はnilを返す。
func (r *PostgresListRepo) FindByID(ctx context.Context, id int64) (*model.List, error) {
	l, err := scanList(r.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM lists l WHERE l.id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リストの取得に失敗しました: %w", err)
	}
	return l, nil
}

// ListByMember は指定アカウントをメンバーに含むリストを返す。
func (r *PostgresListRepo) ListByMember(ctx context.Context, accountID int64) ([]*model.List, error) {
	return r.query(ctx, "所属リスト一覧",
		`SELECT `+listColumns+`
		 FROM lists l
		 JOIN list_accounts la ON la.list_id = l.id
		 WHERE la.account_id = $1
		 ORDER BY l.id`,
		accountID,
	)
}

// ListByOwner は指定アカウントが所有するリストを返す。
func (r *PostgresListRepo) ListByOwner(ctx context.Context, ownerID int64) ([]*model.List, error) {
	return r.query(ctx, "所有リスト一覧",
		`SELECT `+listColumns+` FROM lists l WHERE l.account_id = $1 ORDER BY l.id`,
		ownerID,
	)
}

// Members はリストのメンバーのIDを返す。
func (r *PostgresListRepo) Members(ctx context.Context, listID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_id FROM list_accounts WHERE list_id = $1 ORDER BY account_id`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("リストメンバーの取得に失敗しました: %w", err)
	}
	return scanIDs(rows)
}

func (r *PostgresListRepo) query(ctx context.Context, what, query string, args ...any) ([]*model.List, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", what, err)
	}
	defer rows.Close()

	var lists []*model.List
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("%sのスキャンに失敗しました: %w", what, err)
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの読み込みに失敗しました: %w", what, err)
	}
	return lists, nil
}

var _ ListRepository = (*PostgresListRepo)(nil)
