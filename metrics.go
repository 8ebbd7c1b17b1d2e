// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package greedy

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestServedFromCacheCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requests_served_from_cache",
			Help: "Number of requests served from cache.",
		})
	imageTransformationSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "image_transformation_seconds",
		Help: "Time taken for image transformations in seconds.",
	})
	remoteImageFetchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remote_image_fetch_errors",
		Help: "Total image fetch failures",
	})
	imageTransformationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_transformation_errors",
		Help: "Total image transformation failures",
	})
	httpRequestsResponseTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "http",
		Name:      "response_time_seconds",
		Help:      "Request response times",
	})
)

func init() {
	prometheus.MustRegister(imageTransformationSummary)
	prometheus.MustRegister(requestServedFromCacheCount)
	prometheus.MustRegister(remoteImageFetchErrors)
	prometheus.MustRegister(imageTransformationErrors)
	prometheus.MustRegister(httpRequestsResponseTime)
}

// CacheStats reports the occupancy of an image cache.
type CacheStats interface {
	EntryCount() int64
	WeightedSize() int64
	MaxCapacity() int64
}

// cacheCollector exports the occupancy of a cache as gauges.
type cacheCollector struct {
	cache    CacheStats
	entries  *prometheus.Desc
	size     *prometheus.Desc
	capacity *prometheus.Desc
}

// NewCacheCollector returns a prometheus.Collector reporting the entry count,
// weighted size and capacity of c.
func NewCacheCollector(c CacheStats) prometheus.Collector {
	return &cacheCollector{
		cache:    c,
		entries:  prometheus.NewDesc("cache_entries", "Number of entries in the image cache.", nil, nil),
		size:     prometheus.NewDesc("cache_weighted_size_bytes", "Total size of the cached images in bytes.", nil, nil),
		capacity: prometheus.NewDesc("cache_capacity_bytes", "Configured capacity of the image cache in bytes.", nil, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.size
	ch <- c.capacity
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(c.cache.EntryCount()))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(c.cache.WeightedSize()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.cache.MaxCapacity()))
}
