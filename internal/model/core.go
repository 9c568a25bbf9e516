package model

import (
	"strconv"
	"time"
)

type DeviceKey struct {
	CompanyCode  string `json:"companyCode"`
	SerialNumber string `json:"serialNumber"`
}

func (k DeviceKey) String() string { return k.CompanyCode + "/" + k.SerialNumber }

type DiscoveryState int

const (
	AwaitingConnect DiscoveryState = iota
	RequestSent
	Complete
)

func (s DiscoveryState) String() string {
	switch s {
	case AwaitingConnect:
		return "AWAITING_CONNECT"
	case RequestSent:
		return "REQUEST_SENT"
	case Complete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

type DiscoveryRecord struct {
	Key              DeviceKey      `json:"key"`
	State            DiscoveryState `json:"state"`
	ReportedUsers    []string       `json:"reportedUsers"`
	RequestConfirmed bool           `json:"requestConfirmed"`
	MalformedPayload bool           `json:"malformedPayload"`
	FirstSeenAt      time.Time      `json:"firstSeenAt"`
	CompletedAt      time.Time      `json:"completedAt,omitempty"`
}

type Classification string

const (
	Match        Classification = "MATCH"
	Mismatch     Classification = "MISMATCH"
	Inconclusive Classification = "INCONCLUSIVE"
)

// Annotation qualifies a result with the anomaly that shaped it, if any.
type Annotation string

const (
	AnnotationNone             Annotation = ""
	AnnotationMalformedPayload Annotation = "malformed-payload"
	AnnotationNoResponse       Annotation = "no-response"
	AnnotationInterrupted      Annotation = "interrupted"
	AnnotationUnknownAsset     Annotation = "unknown-asset"
)

// Count is an optional non-negative count. The zero value is "unavailable",
// which is never the same as a valid count of 0.
type Count struct {
	N     int
	Valid bool
}

func Some(n int) Count { return Count{N: n, Valid: true} }

var None = Count{}

func (c Count) MarshalJSON() ([]byte, error) {
	if !c.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(c.N)), nil
}

func (c *Count) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = None
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*c = Some(n)
	return nil
}

type ReferenceSource string

const (
	ReferenceAPI      ReferenceSource = "api"
	ReferenceDatabase ReferenceSource = "database"
	ReferenceNone     ReferenceSource = ""
)

// References are the externally supplied counts for one device's scope.
type References struct {
	AssetID       int64
	SiteIDs       []int64
	APICount      Count
	DatabaseCount Count
	Annotation    Annotation
}

type ReconciliationResult struct {
	Key               DeviceKey       `json:"key"`
	AssetID           int64           `json:"assetId,omitempty"`
	BusUserCount      int             `json:"busUserCount"`
	APIUserCount      Count           `json:"apiUserCount"`
	DatabaseUserCount Count           `json:"databaseUserCount"`
	ReferenceCount    int             `json:"referenceCount"`
	ReferenceSource   ReferenceSource `json:"referenceSource,omitempty"`
	Difference        int             `json:"difference"`
	Classification    Classification  `json:"classification"`
	Annotation        Annotation      `json:"annotation,omitempty"`
	ReconciledAt      time.Time       `json:"reconciledAt"`
}

// Anomalous reports whether the result carries an anomaly annotation.
func (r ReconciliationResult) Anomalous() bool {
	return r.Annotation != AnnotationNone
}

// Asset is one row of the authoritative asset listing.
type Asset struct {
	AssetID     int64
	SerialNo    string
	SiteID      int64
	SiteGroupID *int64
}
