// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 書き込み結果のラベル値
const (
	PushInserted = "inserted"
	PushSkipped  = "skipped"
	PushFailed   = "failed"
)

// Recorder はメトリクス収集のインターフェース。
// ファンアウト、ジョブランナー、HTTP層から利用する。
type Recorder interface {
	RecordPush(kind string, result string)
	RecordFanout(op string, duration time.Duration, failed int)
	RecordEvictions(kind string, count int)
	RecordJob(op string, outcome string)
	RecordLockContention(op string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pushes         *prometheus.CounterVec
	fanoutDuration *prometheus.HistogramVec
	fanoutFailures *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	jobs           *prometheus.CounterVec
	lockContention *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcache_timeline_pushes_total",
			Help: "タイムラインへの書き込み数（種別・結果別）",
		}, []string{"kind", "result"}),
		fanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedcache_fanout_duration_seconds",
			Help:    "配送・取り消し処理の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		fanoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcache_fanout_failures_total",
			Help: "配送処理中に失敗したタイムライン書き込みの合計数",
		}, []string{"op"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcache_timeline_evictions_total",
			Help: "上限超過により削除されたエントリの合計数",
		}, []string{"kind"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcache_jobs_total",
			Help: "ジョブの実行結果（操作・結果別）",
		}, []string{"op", "outcome"}),
		lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcache_lock_contention_total",
			Help: "ロック競合の発生数",
		}, []string{"op"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedcache_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.pushes,
		c.fanoutDuration,
		c.fanoutFailures,
		c.evictions,
		c.jobs,
		c.lockContention,
		c.httpStatus,
	)

	return c
}

// RecordPush はタイムラインへの書き込み結果を記録する。
func (c *Collector) RecordPush(kind string, result string) {
	c.pushes.WithLabelValues(kind, result).Inc()
}

// RecordFanout は配送処理の所要時間と失敗件数を記録する。
func (c *Collector) RecordFanout(op string, duration time.Duration, failed int) {
	c.fanoutDuration.WithLabelValues(op).Observe(duration.Seconds())
	if failed > 0 {
		c.fanoutFailures.WithLabelValues(op).Add(float64(failed))
	}
}

// RecordEvictions は上限超過による削除件数を記録する。
func (c *Collector) RecordEvictions(kind string, count int) {
	if count > 0 {
		c.evictions.WithLabelValues(kind).Add(float64(count))
	}
}

// RecordJob はジョブの実行結果を記録する。
func (c *Collector) RecordJob(op string, outcome string) {
	c.jobs.WithLabelValues(op, outcome).Inc()
}

// RecordLockContention はロック競合を記録する。
func (c *Collector) RecordLockContention(op string) {
	c.lockContention.WithLabelValues(op).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないRecorder。
type Nop struct{}

func (Nop) RecordPush(string, string)               {}
func (Nop) RecordFanout(string, time.Duration, int) {}
func (Nop) RecordEvictions(string, int)             {}
func (Nop) RecordJob(string, string)                {}
func (Nop) RecordLockContention(string)             {}
func (Nop) RecordHTTPStatus(int)                    {}

// RegisterDBStats はコネクションプールの統計をレジストリに登録する。
func RegisterDBStats(reg prometheus.Registerer, db *sql.DB) {
	reg.MustRegister(collectors.NewDBStatsCollector(db, "feedcache"))
}

// RegisterGaugeFunc はスクレイプ時にfnで値を読み出すゲージを登録する。
func RegisterGaugeFunc(reg prometheus.Registerer, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
