package core

import "time"

// Statistic is a per-transition rollup row written by the orchestrator and
// read only by analytics. The dispatch path never reads these.
type Statistic struct {
	Metric            string           `json:"metric"`
	Channel           Channel          `json:"channel"`
	Type              NotificationType `json:"type"`
	Priority          Priority         `json:"priority"`
	Count             int64            `json:"count"`
	AvgDeliveryMillis float64          `json:"avg_delivery_ms"`
	ErrorRate         float64          `json:"error_rate"`
	Bucket            time.Time        `json:"bucket"`
}

// DeliveryMetrics is the aggregate analytics view over a date range.
type DeliveryMetrics struct {
	From          time.Time            `json:"from"`
	To            time.Time            `json:"to"`
	Total         int64                `json:"total"`
	ByStatus      map[Status]int64     `json:"by_status"`
	ByPriority    map[Priority]int64   `json:"by_priority"`
	DeliveryRate  float64              `json:"delivery_rate"`
	FailureRate   float64              `json:"failure_rate"`
	AvgDeliveryMS float64              `json:"avg_delivery_ms"`
}

// ChannelStatistics breaks delivery outcomes down per channel.
type ChannelStatistics struct {
	Channel       Channel `json:"channel"`
	Sent          int64   `json:"sent"`
	Delivered     int64   `json:"delivered"`
	Failed        int64   `json:"failed"`
	ErrorRate     float64 `json:"error_rate"`
	AvgDeliveryMS float64 `json:"avg_delivery_ms"`
}
