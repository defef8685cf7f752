// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

import (
	"context"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxSink writes events as points into an InfluxDB bucket, one
// measurement per event type, tagged by session and user.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// InfluxConfig holds InfluxDB connection settings.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxSink connects to InfluxDB. The connection is lazy; a wrong URL
// surfaces as write errors, which the sink logs and drops.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, ev Event) {
	fields := make(map[string]interface{}, len(ev.Fields)+1)
	fields["count"] = int64(1)
	for k, v := range ev.Fields {
		fields[k] = v
	}

	point := influxdb2.NewPoint(
		string(ev.Type),
		map[string]string{
			"session_id": ev.SessionID,
			"user_id":    ev.UserID,
		},
		fields,
		ev.At,
	)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		slog.Warn("analytics influx write failed", "type", string(ev.Type), "error", err)
	}
}

// Close implements Sink.
func (s *InfluxSink) Close() {
	s.client.Close()
}
