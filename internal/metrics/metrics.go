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
// リモートアダプタ、キャッシュ、オーケストレータから利用する。
type MetricsCollector interface {
	RecordRemoteCall(operation, outcome string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordCompensation(reason string, succeeded bool)
	RecordStaleResponse(slot string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	remoteCalls   *prometheus.CounterVec
	remoteLatency *prometheus.HistogramVec
	httpStatus    *prometheus.CounterVec
	compensations *prometheus.CounterVec
	staleDropped  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_remote_calls_total",
			Help: "リモートサービス呼び出しの操作・結果別の合計数",
		}, []string{"operation", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "folio_remote_call_latency_seconds",
			Help:    "リモートサービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_compensations_total",
			Help: "補償処理（アップロード済みファイルの削除など）の実行数",
		}, []string{"reason", "result"}),
		staleDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "folio_stale_responses_dropped_total",
			Help: "世代が古いため破棄したレスポンス数",
		}, []string{"slot"}),
	}

	reg.MustRegister(
		c.remoteCalls,
		c.remoteLatency,
		c.httpStatus,
		c.compensations,
		c.staleDropped,
	)

	return c
}

// RecordRemoteCall はリモート呼び出しの結果とレイテンシを記録する。
// outcome は成功時 "ok"、失敗時はエラー分類。
func (c *Collector) RecordRemoteCall(operation, outcome string, duration time.Duration) {
	c.remoteCalls.WithLabelValues(operation, outcome).Inc()
	c.remoteLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCompensation は補償処理の結果を記録する。
func (c *Collector) RecordCompensation(reason string, succeeded bool) {
	result := "failed"
	if succeeded {
		result = "succeeded"
	}
	c.compensations.WithLabelValues(reason, result).Inc()
}

// RecordStaleResponse は破棄した古いレスポンスを記録する。
func (c *Collector) RecordStaleResponse(slot string) {
	c.staleDropped.WithLabelValues(slot).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordRemoteCall(string, string, time.Duration) {}
func (Nop) RecordHTTPStatus(int)                           {}
func (Nop) RecordCompensation(string, bool)                {}
func (Nop) RecordStaleResponse(string)                     {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
