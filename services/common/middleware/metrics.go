package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	awspkg "github.com/yashrajoria/cart-sync/pkg/aws"
)

// MetricsMiddleware records request count, latency and error counts per route. Health checks
// are not counted; websocket upgrades are counted once, without latency.
func MetricsMiddleware(metricsClient *awspkg.MetricsClient, serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !metricsClient.IsEnabled() || quietPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		websocket := c.IsWebsocket()

		c.Next()

		dims := requestDimensions(serviceName, c.Request.Method, c.FullPath(), c.Writer.Status())
		if websocket {
			metricsClient.PutAsync(awspkg.Count(awspkg.MetricWebsocketSessions, 1, dims))
			return
		}
		metricsClient.PutAsync(requestData(dims, c.Writer.Status(), time.Since(start))...)
	}
}

func requestData(dims map[string]string, status int, latency time.Duration) []awspkg.Datum {
	data := []awspkg.Datum{
		awspkg.Count(awspkg.MetricHTTPRequests, 1, dims),
		awspkg.Latency(awspkg.MetricHTTPLatency, latency, dims),
	}
	switch {
	case status >= 500:
		data = append(data, awspkg.Count(awspkg.MetricHTTPErrors, 1, dims), awspkg.Count(awspkg.MetricHTTP5xx, 1, dims))
	case status >= 400:
		data = append(data, awspkg.Count(awspkg.MetricHTTPErrors, 1, dims), awspkg.Count(awspkg.MetricHTTP4xx, 1, dims))
	}
	return data
}

// requestDimensions keys metrics by route template so /cart/items/:product_id stays one series.
func requestDimensions(service, method, route string, status int) map[string]string {
	if route == "" {
		route = "unmatched"
	}
	return map[string]string{
		"Service": service,
		"Method":  method,
		"Path":    route,
		"Status":  statusCodeToRange(status),
	}
}

func statusCodeToRange(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
