// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package remotewrite

import (
	"sort"
	"strings"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/prompb"

	apperrors "github.com/soothill/eagle-energy-bridge/pkg/errors"
)

// Encode serializes a batch into a Snappy-compressed Remote Write v1
// frame. Samples sharing an identical label set are folded into one
// time series, series appear in first-occurrence order and labels are
// sorted by name, so equal batches always encode to equal bytes.
func Encode(batch Batch) ([]byte, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	series := make([]prompb.TimeSeries, 0, len(batch))
	index := make(map[string]int, len(batch))

	for _, sample := range batch {
		lbls := sortedLabels(sample)
		key := seriesKey(lbls)

		i, ok := index[key]
		if !ok {
			i = len(series)
			index[key] = i
			series = append(series, prompb.TimeSeries{Labels: lbls})
		}
		series[i].Samples = append(series[i].Samples, prompb.Sample{
			Value:     sample.Value,
			Timestamp: sample.Timestamp.UnixMilli(),
		})
	}

	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: series})
	if err != nil {
		return nil, apperrors.NewForwardError("encode", 0, err)
	}

	return snappy.Encode(nil, data), nil
}

func sortedLabels(sample Sample) []prompb.Label {
	lbls := make([]prompb.Label, 0, len(sample.Labels)+1)
	lbls = append(lbls, prompb.Label{Name: model.MetricNameLabel, Value: sample.Name})
	for name, value := range sample.Labels {
		lbls = append(lbls, prompb.Label{Name: name, Value: value})
	}
	sort.Slice(lbls, func(i, j int) bool { return lbls[i].Name < lbls[j].Name })
	return lbls
}

// seriesKey builds a grouping key from sorted labels. 0xff cannot occur
// in UTF-8 text, so it is a safe separator.
func seriesKey(lbls []prompb.Label) string {
	var sb strings.Builder
	for _, l := range lbls {
		sb.WriteString(l.Name)
		sb.WriteByte(0xff)
		sb.WriteString(l.Value)
		sb.WriteByte(0xff)
	}
	return sb.String()
}
