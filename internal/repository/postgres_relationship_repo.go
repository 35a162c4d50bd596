package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/feedcache/internal/model"
)

// PostgresRelationshipRepo はPostgreSQLを使用した関係リポジトリ。
type PostgresRelationshipRepo struct {
	db *sql.DB
}

// NewPostgresRelationshipRepo はPostgresRelationshipRepoを生成する。
func NewPostgresRelationshipRepo(db *sql.DB) *PostgresRelationshipRepo {
	return &PostgresRelationshipRepo{db: db}
}

// ListFollowers はアクティブなローカルフォロワーのIDを返す。
func (r *PostgresRelationshipRepo) ListFollowers(ctx context.Context, accountID int64, activeSince time.Time, afterID int64, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT f.account_id
		 FROM follows f
		 JOIN accounts a ON a.id = f.account_id
		 WHERE f.target_account_id = $1
		   AND f.account_id > $2
		   AND a.domain IS NULL
		   AND a.last_active_at >= $3
		 ORDER BY f.account_id
		 LIMIT $4`,
		accountID, afterID, activeSince, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("フォロワー一覧の取得に失敗しました: %w", err)
	}
	return scanIDs(rows)
}

// ListFollowees はフォロー中のアカウントのIDを返す。
func (r *PostgresRelationshipRepo) ListFollowees(ctx context.Context, accountID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT target_account_id FROM follows WHERE account_id = $1 ORDER BY target_account_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("フォロー一覧の取得に失敗しました: %w", err)
	}
	return scanIDs(rows)
}

// ViewerContexts は投稿に関係するアカウントに限定した関係の断面を一括で取得する。
func (r *PostgresRelationshipRepo) ViewerContexts(ctx context.Context, viewerIDs []int64, s *model.Status, now time.Time) (map[int64]*model.ViewerContext, error) {
	if len(viewerIDs) == 0 {
		return map[int64]*model.ViewerContext{}, nil
	}

	var domains []string
	for _, d := range []string{s.AuthorDomain, s.ReblogOfDomain} {
		if d != "" {
			domains = append(domains, d)
		}
	}
	related := s.RelatedAccountIDs()
	if domains == nil {
		domains = []string{}
	}
	return r.load(ctx, viewerIDs, related, domains, now)
}

// ViewerContext は閲覧者の全ての関係の断面を取得する。見つからない場合はnilを返す。
func (r *PostgresRelationshipRepo) ViewerContext(ctx context.Context, viewerID int64, now time.Time) (*model.ViewerContext, error) {
	contexts, err := r.load(ctx, []int64{viewerID}, nil, nil, now)
	if err != nil {
		return nil, err
	}
	return contexts[viewerID], nil
}

// load は閲覧者ごとの関係を読み込む。relatedとdomainsがnilの場合は絞り込まない。
func (r *PostgresRelationshipRepo) load(ctx context.Context, viewerIDs, related []int64, domains []string, now time.Time) (map[int64]*model.ViewerContext, error) {
	contexts := make(map[int64]*model.ViewerContext, len(viewerIDs))

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM accounts WHERE id = ANY($1)`,
		pq.Array(viewerIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("閲覧者の取得に失敗しました: %w", err)
	}
	existing, err := scanIDs(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range existing {
		contexts[id] = model.NewViewerContext(id, now)
	}
	if len(contexts) == 0 {
		return contexts, nil
	}

	viewers := pq.Array(existing)
	targets := pq.Array(related)

	if err := r.each(ctx, "フォロー",
		`SELECT account_id, target_account_id, show_reblogs, notify FROM follows
		 WHERE account_id = ANY($1) AND ($2::bigint[] IS NULL OR target_account_id = ANY($2))`,
		[]any{viewers, targets},
		func(rows *sql.Rows) error {
			var viewer, target int64
			var f model.Follow
			if err := rows.Scan(&viewer, &target, &f.ShowReblogs, &f.Notify); err != nil {
				return err
			}
			contexts[viewer].Following[target] = f
			return nil
		},
	); err != nil {
		return nil, err
	}

	if err := r.each(ctx, "ブロック",
		`SELECT account_id, target_account_id FROM blocks
		 WHERE (account_id = ANY($1) AND ($2::bigint[] IS NULL OR target_account_id = ANY($2)))
		    OR (target_account_id = ANY($1) AND ($2::bigint[] IS NULL OR account_id = ANY($2)))`,
		[]any{viewers, targets},
		func(rows *sql.Rows) error {
			var blocker, blocked int64
			if err := rows.Scan(&blocker, &blocked); err != nil {
				return err
			}
			if v, ok := contexts[blocker]; ok {
				v.Blocking[blocked] = true
			}
			if v, ok := contexts[blocked]; ok {
				v.BlockedBy[blocker] = true
			}
			return nil
		},
	); err != nil {
		return nil, err
	}

	if err := r.each(ctx, "ミュート",
		`SELECT account_id, target_account_id, hide_notifications, expires_at FROM mutes
		 WHERE account_id = ANY($1) AND ($2::bigint[] IS NULL OR target_account_id = ANY($2))`,
		[]any{viewers, targets},
		func(rows *sql.Rows) error {
			var viewer, target int64
			var m model.Mute
			var expiresAt sql.NullTime
			if err := rows.Scan(&viewer, &target, &m.HideNotifications, &expiresAt); err != nil {
				return err
			}
			if expiresAt.Valid {
				m.ExpiresAt = &expiresAt.Time
			}
			contexts[viewer].Muting[target] = m
			return nil
		},
	); err != nil {
		return nil, err
	}

	if err := r.each(ctx, "ドメインブロック",
		`SELECT account_id, domain FROM account_domain_blocks
		 WHERE account_id = ANY($1) AND ($2::text[] IS NULL OR domain = ANY($2))`,
		[]any{viewers, pq.Array(domains)},
		func(rows *sql.Rows) error {
			var viewer int64
			var domain string
			if err := rows.Scan(&viewer, &domain); err != nil {
				return err
			}
			contexts[viewer].BlockedDomains[domain] = true
			return nil
		},
	); err != nil {
		return nil, err
	}

	if err := r.each(ctx, "排他リスト",
		`SELECT l.account_id, la.account_id
		 FROM lists l
		 JOIN list_accounts la ON la.list_id = l.id
		 WHERE l.exclusive AND l.account_id = ANY($1)
		   AND ($2::bigint[] IS NULL OR la.account_id = ANY($2))`,
		[]any{viewers, targets},
		func(rows *sql.Rows) error {
			var viewer, member int64
			if err := rows.Scan(&viewer, &member); err != nil {
				return err
			}
			contexts[viewer].ExclusiveAuthors[member] = true
			return nil
		},
	); err != nil {
		return nil, err
	}

	return contexts, nil
}

func (r *PostgresRelationshipRepo) each(ctx context.Context, what, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%sの取得に失敗しました: %w", what, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return fmt.Errorf("%sのスキャンに失敗しました: %w", what, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%sの読み込みに失敗しました: %w", what, err)
	}
	return nil
}

var _ RelationshipRepository = (*PostgresRelationshipRepo)(nil)
