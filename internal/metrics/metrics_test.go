package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/docs", "/docs"},
		{"/docs/assets/app.js", "/docs"},
		{"/", "/"},
		{"", "/"},
		{"/api/buckets/bucket", "/api/buckets/bucket"},
		{"/api/objects/upload_file", "/api/objects/upload_file"},
		{"/api/objects/list_objects", "/api/objects/list_objects"},
		{"/api/objects/", "/other"},
		{"/api/objects/a/b", "/other"},
		{"/api/objects/Evil-Name", "/other"},
		{"/wp-admin/setup.php", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.path))
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPRequestSize.WithLabelValues("PUT", "/api/objects/upload_file").Observe(1024)
	HTTPResponseSize.WithLabelValues("GET", "/api/objects/download_file").Observe(2048)
	TransfersTotal.WithLabelValues("upload", "success").Inc()
	RateLimitedTotal.WithLabelValues("blocked").Inc()
	RegionUp.WithLabelValues("primary").Set(1)

	before := testutil.ToFloat64(TransferBytesTotal.WithLabelValues("download"))
	TransferBytesTotal.WithLabelValues("download").Add(2048)
	assert.Equal(t, before+2048, testutil.ToFloat64(TransferBytesTotal.WithLabelValues("download")))
}
