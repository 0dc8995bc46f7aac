package telemetry

// LatencyBucketsSeconds defines histogram buckets for upload round trips.
var LatencyBucketsSeconds = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// BodySizeBucketsBytes defines histogram buckets for encoded ping bodies.
var BodySizeBucketsBytes = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576}
