// Copyright 2024 The dotrepro Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package nuget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotrepro_nuget_downloads_total",
		Help: "Total number of packages downloaded from the feed.",
	})

	downloadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotrepro_nuget_download_failures_total",
		Help: "Total number of package downloads that failed.",
	})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotrepro_nuget_cache_hits_total",
		Help: "Total number of package requests served from a completed download.",
	})

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dotrepro_nuget_coalesced_total",
		Help: "Total number of package requests that waited on a download already in flight.",
	})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dotrepro_nuget_download_seconds",
		Help:    "Time spent downloading and extracting a package.",
		Buckets: prometheus.DefBuckets,
	})
)
