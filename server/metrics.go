package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"galaxyd/protocol"
)

// 运行期指标，经 /metrics 以 Prometheus 文本格式暴露

var (
	metricClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "galaxyd",
		Name:      "clients_connected",
		Help:      "当前已连接的客户端数",
	})

	metricSectorsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "galaxyd",
		Name:      "sectors_active",
		Help:      "当前存活的扇区服务器数",
	})

	metricMessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "galaxyd",
		Name:      "messages_received_total",
		Help:      "按类型统计的入站消息数",
	}, []string{"type"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "galaxyd",
		Name:      "dropped_total",
		Help:      "按原因统计的丢弃计数（帧、事件、连接）",
	}, []string{"reason"})

	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "galaxyd",
		Name:      "sector_tick_seconds",
		Help:      "单个扇区一次 Tick 的耗时",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	metricBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "galaxyd",
		Name:      "broadcast_frames_total",
		Help:      "广播出去的帧数（按接收方计）",
	})
)

// 丢弃原因标签，集中定义避免打错
const (
	dropSendQueueFull = "send_queue_full"
	dropInboxFull     = "sector_inbox_full"
	dropMalformed     = "malformed"
	dropOversize      = "oversize"
	dropMaxClients    = "max_clients"
	dropNoSector      = "no_sector"
	dropBadState      = "bad_state"
	dropUnknownType   = "unknown_type"
)

func countMessageIn(t protocol.MessageType) {
	metricMessagesIn.WithLabelValues(t.String()).Inc()
}

func countDrop(reason string) {
	metricDropped.WithLabelValues(reason).Inc()
}
