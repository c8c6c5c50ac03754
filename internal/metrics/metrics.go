// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、通知ディスパッチャ、ワーカー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordMessageSent()
	RecordNotificationCreated(notificationType string)
	RecordNotificationFailed(notificationType string, reason string)
	RecordNotificationDropped(reason string)
	RecordDispatchLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordStaleCountersRepaired(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	messagesSent          prometheus.Counter
	notificationsCreated  *prometheus.CounterVec
	notificationsFailed   *prometheus.CounterVec
	notificationsDropped  *prometheus.CounterVec
	dispatchLatency       prometheus.Histogram
	httpStatus            *prometheus.CounterVec
	staleCountersRepaired prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmnotify_messages_sent_total",
			Help: "送信されたメッセージの合計数",
		}),
		notificationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmnotify_notifications_created_total",
			Help: "種別ごとの作成された通知数",
		}, []string{"type"}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmnotify_notifications_failed_total",
			Help: "種別・理由ごとの通知作成失敗数",
		}, []string{"type", "reason"}),
		notificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmnotify_notifications_dropped_total",
			Help: "キューに積めずに破棄された通知イベント数",
		}, []string{"reason"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dmnotify_notification_dispatch_latency_seconds",
			Help:    "通知イベントの受付から作成完了までの時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dmnotify_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		staleCountersRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dmnotify_stale_counters_repaired_total",
			Help: "修復ジョブが削除した古い未読カウンタの合計数",
		}),
	}

	reg.MustRegister(
		c.messagesSent,
		c.notificationsCreated,
		c.notificationsFailed,
		c.notificationsDropped,
		c.dispatchLatency,
		c.httpStatus,
		c.staleCountersRepaired,
	)

	return c
}

// RecordMessageSent はメッセージ送信を記録する。
func (c *Collector) RecordMessageSent() {
	c.messagesSent.Inc()
}

// RecordNotificationCreated は通知の作成を記録する。
func (c *Collector) RecordNotificationCreated(notificationType string) {
	c.notificationsCreated.WithLabelValues(notificationType).Inc()
}

// RecordNotificationFailed は通知作成の失敗を記録する。
func (c *Collector) RecordNotificationFailed(notificationType string, reason string) {
	c.notificationsFailed.WithLabelValues(notificationType, reason).Inc()
}

// RecordNotificationDropped は通知イベントの破棄を記録する。
func (c *Collector) RecordNotificationDropped(reason string) {
	c.notificationsDropped.WithLabelValues(reason).Inc()
}

// RecordDispatchLatency は通知イベントの処理時間を記録する。
func (c *Collector) RecordDispatchLatency(duration time.Duration) {
	c.dispatchLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordStaleCountersRepaired は削除した古い未読カウンタ数を記録する。
func (c *Collector) RecordStaleCountersRepaired(count int64) {
	c.staleCountersRepaired.Add(float64(count))
}

// NopCollector は何も記録しないMetricsCollector。
// メトリクスが不要なサブコマンドとテストで使う。
type NopCollector struct{}

func (NopCollector) RecordMessageSent() {}
func (NopCollector) RecordNotificationCreated(string) {}
func (NopCollector) RecordNotificationFailed(string, string) {}
func (NopCollector) RecordNotificationDropped(string) {}
func (NopCollector) RecordDispatchLatency(time.Duration) {}
func (NopCollector) RecordHTTPStatus(int) {}
func (NopCollector) RecordStaleCountersRepaired(int64) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
