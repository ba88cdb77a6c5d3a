// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// SampleSink receives every sample appended to a Store. Implementations
// must not block; the store calls Write on the sampling path.
type SampleSink interface {
	Write(sample Sample)
	Close()
}

// sampleMeasurement is the InfluxDB measurement name for samples.
const sampleMeasurement = "beamlens_sample"

// InfluxSink ships samples to InfluxDB for retention beyond the
// in-process window. The write API buffers and flushes asynchronously,
// so Write never blocks the detector tick.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// InfluxConfig configures an InfluxSink.
type InfluxConfig struct {
	URL    string `json:"url" validate:"required,url"`
	Token  string `json:"token" validate:"required"`
	Org    string `json:"org" validate:"required"`
	Bucket string `json:"bucket" validate:"required"`
}

// NewInfluxSink creates a sink writing to the configured bucket.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// Write implements SampleSink.
func (s *InfluxSink) Write(sample Sample) {
	point := influxdb2.NewPoint(
		sampleMeasurement,
		map[string]string{
			"skill":  sample.Skill,
			"metric": sample.Metric,
		},
		map[string]interface{}{
			"value": sample.Value,
		},
		time.UnixMilli(sample.Timestamp),
	)
	s.writeAPI.WritePoint(point)
}

// Close flushes pending points and releases the client.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

var _ SampleSink = (*InfluxSink)(nil)
