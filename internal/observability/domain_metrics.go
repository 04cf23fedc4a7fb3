package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	filesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deltashare_files_downloaded_total",
			Help: "Total number of data files downloaded and decoded.",
		},
	)
	filesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltashare_files_failed_total",
			Help: "Total number of data files dropped from a materialized table.",
		},
		[]string{"stage"},
	)
	downloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deltashare_download_bytes_total",
			Help: "Total number of bytes fetched from signed URLs.",
		},
	)
	filesFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltashare_files_filtered_total",
			Help: "Total number of partition filter evaluations by outcome.",
		},
		[]string{"outcome"},
	)
	rowsMaterializedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deltashare_rows_materialized_total",
			Help: "Total number of rows assembled into materialized tables.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		filesDownloadedTotal,
		filesFailedTotal,
		downloadBytesTotal,
		filesFilteredTotal,
		rowsMaterializedTotal,
	)
}

func ObserveFileDownloaded(bytes int64) {
	filesDownloadedTotal.Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

func ObserveFileFailed(stage string) {
	filesFailedTotal.WithLabelValues(stage).Inc()
}

func ObserveFilterOutcome(outcome string) {
	filesFilteredTotal.WithLabelValues(outcome).Inc()
}

func ObserveRowsMaterialized(rows int64) {
	if rows > 0 {
		rowsMaterializedTotal.Add(float64(rows))
	}
}
