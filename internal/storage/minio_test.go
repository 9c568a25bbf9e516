package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildObjectPath(t *testing.T) {
	ts := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600))
	assert.Equal(t,
		"roster/year=2026/month=03/day=08/session-x.parquet",
		BuildObjectPath("roster", ts, "session-x.parquet"),
		"partition follows the UTC day",
	)
}

func TestNewMinIO(t *testing.T) {
	c, err := NewMinIO(Options{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "archive"})
	require.NoError(t, err)
	assert.Equal(t, "archive", c.bucket)

	_, err = NewMinIO(Options{Endpoint: "http://bad endpoint"})
	require.Error(t, err)
}
