package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_searches_total",
		Help: "Search requests served, labelled by retrieval mode.",
	}, []string{"mode"})

	chatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gazetteer_chats_total",
		Help: "Chat exchanges served, labelled by retrieval mode.",
	}, []string{"mode"})

	ingestRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gazetteer_ingest_requests_total",
		Help: "Documents accepted for ingestion over the API.",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gazetteer_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
