package ping

import (
	"context"
	"runtime"

	"golang.org/x/xerrors"

	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/metrics"
)

// Internal stores holding the data of the ping_info and client_info sections.
const (
	ClientInfoStore = "glean_client_info"
	PingInfoStore   = "glean_ping_info"
)

// KnownClientID replaces the client id while upload is disabled.
const KnownClientID = "c0ffeec0-ffee-c0ff-eec0-ffeec0ffeec0"

func clientInfoMetric(name string, lifetime metrics.Lifetime) metrics.CommonMetricData {
	return metrics.CommonMetricData{
		Name:        name,
		SendInPings: []string{ClientInfoStore},
		Lifetime:    lifetime,
	}
}

// Metrics reported in client_info.
var (
	ClientID          = clientInfoMetric("client_id", metrics.LifetimeUser)
	FirstRunDate      = clientInfoMetric("first_run_date", metrics.LifetimeUser)
	AppBuild          = clientInfoMetric("app_build", metrics.LifetimeApplication)
	AppDisplayVersion = clientInfoMetric("app_display_version", metrics.LifetimeApplication)
	AppChannel        = clientInfoMetric("app_channel", metrics.LifetimeApplication)
	BuildDate         = clientInfoMetric("build_date", metrics.LifetimeApplication)
	OS                = clientInfoMetric("os", metrics.LifetimeApplication)
	Architecture      = clientInfoMetric("architecture", metrics.LifetimeApplication)
)

// ClientInfo is the application provided part of client_info.
type ClientInfo struct {
	AppBuild          string
	AppDisplayVersion string
	AppChannel        string
	BuildDate         string
}

// RecordClientInfo stores the application lifetime client_info values. They
// are cleared with the application lifetime and recorded again on every
// initialization and upload re-enable.
func RecordClientInfo(ctx context.Context, db *database.MetricsDatabase, info ClientInfo) error {
	values := []struct {
		md    metrics.CommonMetricData
		value string
	}{
		{AppBuild, info.AppBuild},
		{AppDisplayVersion, info.AppDisplayVersion},
		{AppChannel, info.AppChannel},
		{BuildDate, info.BuildDate},
		{OS, runtime.GOOS},
		{Architecture, runtime.GOARCH},
	}
	for _, v := range values {
		if v.value == "" {
			continue
		}
		if err := db.Record(ctx, v.md, metrics.TypeString, v.value); err != nil {
			return xerrors.Errorf("record client info %s: %w", v.md.Identifier(), err)
		}
	}
	return nil
}

func sequenceMetric(ping string) metrics.CommonMetricData {
	return metrics.CommonMetricData{
		Name:        ping + "#sequence",
		SendInPings: []string{PingInfoStore},
		Lifetime:    metrics.LifetimeUser,
	}
}

func startTimeMetric(ping string) metrics.CommonMetricData {
	return metrics.CommonMetricData{
		Name:        ping + "#start",
		SendInPings: []string{PingInfoStore},
		Lifetime:    metrics.LifetimeUser,
	}
}
