package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device protocol metrics
	DeviceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_device_requests_total",
			Help: "Total number of device protocol requests by method and path",
		},
		[]string{"method", "path"},
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthd_active_subscriptions",
			Help: "Number of open subscribe long-polls",
		},
	)

	PutConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthd_put_conflicts_total",
			Help: "Total number of compare-and-swap conflicts on PUT",
		},
	)

	// State metrics
	BucketWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_bucket_writes_total",
			Help: "Total number of bucket writes by kind",
		},
		[]string{"kind"},
	)

	BucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthd_buckets_total",
			Help: "Total number of state buckets held in the cache",
		},
	)

	DevicesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearthd_devices_online",
			Help: "Number of devices currently considered available",
		},
	)

	// Pairing metrics
	EntryCodesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthd_entry_codes_issued_total",
			Help: "Total number of pairing entry codes issued",
		},
	)

	EntryCodesClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthd_entry_codes_claimed_total",
			Help: "Total number of successful pairing claims",
		},
	)

	// Operator API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_api_requests_total",
			Help: "Total number of operator API requests by method and status",
		},
		[]string{"method", "status"},
	)

	// Bridge metrics
	BridgePublishes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthd_bridge_publishes_total",
			Help: "Total number of MQTT state publishes",
		},
	)

	BridgeCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hearthd_bridge_commands_total",
			Help: "Total number of commands received over MQTT",
		},
	)

	// Weather metrics
	WeatherCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthd_weather_lookups_total",
			Help: "Total number of weather lookups by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(DeviceRequests)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(PutConflicts)
	prometheus.MustRegister(BucketWrites)
	prometheus.MustRegister(BucketsTotal)
	prometheus.MustRegister(DevicesOnline)
	prometheus.MustRegister(EntryCodesIssued)
	prometheus.MustRegister(EntryCodesClaimed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(BridgePublishes)
	prometheus.MustRegister(BridgeCommands)
	prometheus.MustRegister(WeatherCacheHits)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
