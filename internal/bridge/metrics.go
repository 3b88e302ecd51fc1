package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagebridge_sync_cycles_total",
		Help: "Number of sync cycles started.",
	})
	postsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagebridge_posts_published_total",
		Help: "Number of posts successfully delivered to a channel.",
	})
	fetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagebridge_fetch_failures_total",
		Help: "Number of page or event fetches that failed and were skipped.",
	})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagebridge_publish_failures_total",
		Help: "Number of publish attempts that failed and will be retried.",
	})
)
