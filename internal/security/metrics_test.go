package security

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	t.Setenv("POD_NAME", "registry-0")

	labels, err := ParseMetricsLabels("service=docstore-registry,pod=${POD_NAME}")
	require.NoError(t, err)
	require.Equal(t, prometheus.Labels{"service": "docstore-registry", "pod": "registry-0"}, labels)

	labels, err = ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)

	_, err = ParseMetricsLabels("novalue")
	require.Error(t, err)

	_, err = ParseMetricsLabels("1bad=x")
	require.Error(t, err)
}
