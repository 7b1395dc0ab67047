// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package remotewrite

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/prompb"
)

func decodeFrame(t *testing.T, frame []byte) *prompb.WriteRequest {
	t.Helper()

	raw, err := snappy.Decode(nil, frame)
	if err != nil {
		t.Fatalf("snappy.Decode() error = %v", err)
	}
	var req prompb.WriteRequest
	if err := proto.Unmarshal(raw, &req); err != nil {
		t.Fatalf("proto.Unmarshal() error = %v", err)
	}
	return &req
}

func labelValue(series prompb.TimeSeries, name string) string {
	for _, l := range series.Labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

func TestEncode_SingleSample(t *testing.T) {
	ts := time.Unix(1700000000, 500*int64(time.Millisecond)).UTC()
	batch := Batch{{
		Name:      MetricDemand,
		Labels:    map[string]string{"device": "0xabc", "location": "garage"},
		Value:     0.89,
		Timestamp: ts,
	}}

	frame, err := Encode(batch)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	req := decodeFrame(t, frame)
	if len(req.Timeseries) != 1 {
		t.Fatalf("encoded %d series, want 1", len(req.Timeseries))
	}

	series := req.Timeseries[0]
	if got := labelValue(series, model.MetricNameLabel); got != MetricDemand {
		t.Errorf("__name__ = %q, want %q", got, MetricDemand)
	}
	if got := labelValue(series, "device"); got != "0xabc" {
		t.Errorf("device = %q, want %q", got, "0xabc")
	}
	if got := labelValue(series, "location"); got != "garage" {
		t.Errorf("location = %q, want %q", got, "garage")
	}

	if len(series.Samples) != 1 {
		t.Fatalf("series has %d samples, want 1", len(series.Samples))
	}
	if series.Samples[0].Value != 0.89 {
		t.Errorf("value = %v, want 0.89", series.Samples[0].Value)
	}
	if series.Samples[0].Timestamp != ts.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", series.Samples[0].Timestamp, ts.UnixMilli())
	}
}

func TestEncode_LabelsSorted(t *testing.T) {
	batch := Batch{{
		Name: MetricDemand,
		Labels: map[string]string{
			"zone":     "1",
			"device":   "0xabc",
			"location": "garage",
			"channel":  "19",
		},
		Value:     1,
		Timestamp: time.Unix(1700000000, 0),
	}}

	frame, err := Encode(batch)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	series := decodeFrame(t, frame).Timeseries[0]
	sorted := sort.SliceIsSorted(series.Labels, func(i, j int) bool {
		return series.Labels[i].Name < series.Labels[j].Name
	})
	if !sorted {
		t.Errorf("labels not sorted by name: %v", series.Labels)
	}
	if series.Labels[0].Name != model.MetricNameLabel {
		t.Errorf("first label = %q, want %q", series.Labels[0].Name, model.MetricNameLabel)
	}
}

func TestEncode_GroupsIdenticalSeries(t *testing.T) {
	lbls := map[string]string{"device": "0xabc"}
	batch := Batch{
		{Name: MetricDemand, Labels: lbls, Value: 1, Timestamp: time.Unix(1700000000, 0)},
		{Name: MetricDemand, Labels: lbls, Value: 2, Timestamp: time.Unix(1700000010, 0)},
		{Name: MetricSummationDelivered, Labels: lbls, Value: 3, Timestamp: time.Unix(1700000010, 0)},
	}

	frame, err := Encode(batch)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	req := decodeFrame(t, frame)
	if len(req.Timeseries) != 2 {
		t.Fatalf("encoded %d series, want 2", len(req.Timeseries))
	}

	demand := req.Timeseries[0]
	if got := labelValue(demand, model.MetricNameLabel); got != MetricDemand {
		t.Fatalf("first series = %q, want %q", got, MetricDemand)
	}
	if len(demand.Samples) != 2 {
		t.Fatalf("demand series has %d samples, want 2", len(demand.Samples))
	}
	if demand.Samples[0].Value != 1 || demand.Samples[1].Value != 2 {
		t.Errorf("demand samples out of order: %v", demand.Samples)
	}
}

func TestEncode_SeriesInFirstAppearanceOrder(t *testing.T) {
	batch := Batch{
		{Name: MetricLinkStrength, Labels: map[string]string{"device": "0xa"}, Value: 100, Timestamp: time.Unix(1700000000, 0)},
		{Name: MetricDemand, Labels: map[string]string{"device": "0xa"}, Value: 1, Timestamp: time.Unix(1700000000, 0)},
		{Name: MetricDemand, Labels: map[string]string{"device": "0xb"}, Value: 2, Timestamp: time.Unix(1700000000, 0)},
	}

	frame, err := Encode(batch)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	req := decodeFrame(t, frame)
	if len(req.Timeseries) != 3 {
		t.Fatalf("encoded %d series, want 3", len(req.Timeseries))
	}

	wantNames := []string{MetricLinkStrength, MetricDemand, MetricDemand}
	for i, want := range wantNames {
		if got := labelValue(req.Timeseries[i], model.MetricNameLabel); got != want {
			t.Errorf("series %d name = %q, want %q", i, got, want)
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	batch := Batch{
		{
			Name: MetricDemand,
			Labels: map[string]string{
				"device": "0xabc", "location": "garage", "zone": "1",
				"meter_mac_id": "0xdef", "client_host": "192.0.2.10",
			},
			Value:     0.89,
			Timestamp: time.Unix(1700000000, 0),
		},
		{
			Name:      MetricSummationDelivered,
			Labels:    map[string]string{"device": "0xabc", "location": "garage"},
			Value:     1234.5,
			Timestamp: time.Unix(1700000000, 0),
		},
	}

	first, err := Encode(batch)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := Encode(batch)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if !bytes.Equal(first, next) {
			t.Fatalf("Encode() not deterministic on iteration %d", i)
		}
	}
}

func TestEncode_Empty(t *testing.T) {
	frame, err := Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil) error = %v", err)
	}
	if frame != nil {
		t.Errorf("Encode(nil) = %v, want nil", frame)
	}
}

func BenchmarkEncode(b *testing.B) {
	base := time.Unix(1700000000, 0).UTC()
	batch := make(Batch, 0, 8)
	for i := 0; i < 8; i++ {
		batch = append(batch, Sample{
			Name: MetricDemand,
			Labels: map[string]string{
				"device":       "0xd8d5b90000001219",
				"location":     "garage",
				"meter_mac_id": "0x00078100005a499d",
			},
			Value:     0.89 + float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(batch); err != nil {
			b.Fatalf("Encode() error = %v", err)
		}
	}
}
