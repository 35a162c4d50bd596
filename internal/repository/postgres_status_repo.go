package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedcache/internal/model"
)

// statusColumns は投稿とブースト元、作者のドメイン、メンション先を1行で取得する。
// 別名 s を投稿テーブルとして参照する。
const statusColumns = `
	s.id, s.account_id,
	COALESCE(s.reblog_of_id, 0), COALESCE(r.account_id, 0),
	COALESCE(s.in_reply_to_account_id, 0), s.visibility,
	COALESCE(a.domain, ''), COALESCE(ra.domain, ''),
	s.created_at, s.deleted_at,
	ARRAY(SELECT m.account_id FROM mentions m WHERE m.status_id = s.id ORDER BY m.account_id)`

const statusJoins = `
	FROM statuses s
	JOIN accounts a ON a.id = s.account_id
	LEFT JOIN statuses r ON r.id = s.reblog_of_id
	LEFT JOIN accounts ra ON ra.id = r.account_id`

// PostgresStatusRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresStatusRepo struct {
	db *sql.DB
}

// NewPostgresStatusRepo はPostgresStatusRepoを生成する。
func NewPostgresStatusRepo(db *sql.DB) *PostgresStatusRepo {
	return &PostgresStatusRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (*model.Status, error) {
	s := &model.Status{}
	var visibility string
	var deletedAt sql.NullTime
	var mentions []int64

	err := row.Scan(
		&s.ID, &s.AccountID,
		&s.ReblogOfID, &s.ReblogOfAccountID,
		&s.InReplyToAccountID, &visibility,
		&s.AuthorDomain, &s.ReblogOfDomain,
		&s.CreatedAt, &deletedAt,
		pq.Array(&mentions),
	)
	if err != nil {
		return nil, err
	}

	s.Visibility = model.Visibility(visibility)
	s.MentionedAccountIDs = mentions
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.Time
	}
	return s, nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresStatusRepo) FindByID(ctx context.Context, id int64, includeDeleted bool) (*model.Status, error) {
	s, err := scanStatus(r.db.QueryRowContext(ctx,
		`SELECT `+statusColumns+statusJoins+`
		 WHERE s.id = $1 AND ($2 OR s.deleted_at IS NULL)`,
		id, includeDeleted,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return s, nil
}

// LatestID は現在最大の投稿IDを返す。
func (r *PostgresStatusRepo) LatestID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM statuses`).Scan(&id); err != nil {
		return 0, fmt.Errorf("最新の投稿IDの取得に失敗しました: %w", err)
	}
	return id, nil
}

// ListByAccount は指定アカウントの投稿を返す。
func (r *PostgresStatusRepo) ListByAccount(ctx context.Context, accountID int64, q StatusQuery) ([]*model.Status, error) {
	return r.list(ctx, "アカウントの投稿一覧",
		`s.account_id = $1`,
		accountID, q,
	)
}

// ListMentioning は指定アカウントをメンションしている投稿を返す。
func (r *PostgresStatusRepo) ListMentioning(ctx context.Context, accountID int64, q StatusQuery) ([]*model.Status, error) {
	return r.list(ctx, "メンション一覧",
		`EXISTS (SELECT 1 FROM mentions m WHERE m.status_id = s.id AND m.account_id = $1)`,
		accountID, q,
	)
}

// ListDirect は指定アカウントが送信または受信したダイレクト投稿を返す。
func (r *PostgresStatusRepo) ListDirect(ctx context.Context, accountID int64, q StatusQuery) ([]*model.Status, error) {
	return r.list(ctx, "ダイレクト投稿一覧",
		`s.visibility = 'direct'
		 AND (s.account_id = $1
		      OR EXISTS (SELECT 1 FROM mentions m WHERE m.status_id = s.id AND m.account_id = $1))`,
		accountID, q,
	)
}

func (r *PostgresStatusRepo) list(ctx context.Context, what, cond string, accountID int64, q StatusQuery) ([]*model.Status, error) {
	limit := sql.NullInt64{Int64: int64(q.Limit), Valid: q.Limit > 0}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+statusColumns+statusJoins+`
		 WHERE `+cond+`
		   AND s.deleted_at IS NULL
		   AND ($2::bigint = 0 OR s.id < $2)
		   AND s.id >= $3::bigint
		 ORDER BY s.id DESC
		 LIMIT $4`,
		accountID, q.MaxID, q.MinID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", what, err)
	}
	defer rows.Close()

	var statuses []*model.Status
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("%sのスキャンに失敗しました: %w", what, err)
		}
		statuses = append(statuses, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの読み込みに失敗しました: %w", what, err)
	}
	return statuses, nil
}

var _ StatusRepository = (*PostgresStatusRepo)(nil)
