package metrics

import "expvar"

var (
	// 摄取
	FillsLedgered   = expvar.NewInt("fills_ledgered")
	FillsDuplicate  = expvar.NewInt("fills_duplicate")
	FramesReceived  = expvar.NewInt("frames_received")
	ParseErrors     = expvar.NewInt("parse_errors")
	AttributionMiss = expvar.NewInt("attribution_unknown")

	// 连接
	Reconnects = expvar.NewInt("ws_reconnects")
	StreamGaps = expvar.NewInt("ws_stream_gaps")

	// 管线
	QueueOverflows   = expvar.NewInt("queue_overflows")
	OrderStatusDrops = expvar.NewInt("order_status_drops")
	StoreRetries     = expvar.NewInt("store_retries")
	KeysFailed       = expvar.NewInt("keys_failed")
	OutOfOrder       = expvar.NewInt("fills_out_of_order")

	// 对账
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileErrors = expvar.NewInt("reconcile_errors")
	DriftCorrected  = expvar.NewInt("drift_corrected")
	DriftAlerts     = expvar.NewInt("drift_alerts")
)
