package sink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

const influxMeasurement = "device_reconciliation"

type InfluxOpts struct {
	URL, Token, Org, Bucket string
}

// Influx records one point per result so discrepancies can be charted per
// device over time.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInflux(o InfluxOpts) *Influx {
	client := influxdb2.NewClient(o.URL, o.Token)
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(o.Org, o.Bucket),
	}
}

func (db *Influx) Write(ctx context.Context, res model.ReconciliationResult) error {
	if err := db.writeAPI.WritePoint(ctx, buildPoint(res)); err != nil {
		return fmt.Errorf("influx write %s: %w", res.Key, err)
	}
	return nil
}

func (db *Influx) Close(context.Context) error {
	if db != nil && db.client != nil {
		db.client.Close()
	}
	return nil
}

func buildPoint(res model.ReconciliationResult) *write.Point {
	tags := map[string]string{
		"company":        res.Key.CompanyCode,
		"serial":         res.Key.SerialNumber,
		"classification": string(res.Classification),
	}
	if res.Annotation != model.AnnotationNone {
		tags["annotation"] = string(res.Annotation)
	}

	fields := map[string]interface{}{
		"bus_users": res.BusUserCount,
	}
	if res.APIUserCount.Valid {
		fields["api_users"] = res.APIUserCount.N
	}
	if res.DatabaseUserCount.Valid {
		fields["database_users"] = res.DatabaseUserCount.N
	}
	if res.ReferenceSource != model.ReferenceNone {
		fields["reference_users"] = res.ReferenceCount
		fields["difference"] = res.Difference
	}
	return write.NewPoint(influxMeasurement, tags, fields, res.ReconciledAt)
}
