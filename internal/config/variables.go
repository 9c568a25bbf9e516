package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// MQTT
	ProductFlavor      string
	CompanyCode        string
	MQTTBrokerURL      string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            byte
	MQTTKeepAlive      time.Duration
	MQTTReconnectGrace time.Duration
	TLSCACert          string
	TLSClientCert      string
	TLSClientKey       string

	// Session
	IdleTimeout       time.Duration
	PublishTimeout    time.Duration
	ProcessingWorkers int
	WorkerQueueSize   int

	// Directory API
	APIURL     string
	EmployerID int64
	APITimeout time.Duration

	// Relational store
	DBDriver         string
	DBDSN            string
	DBAssetQuery     string
	DBSiteGroupQuery string
	DBUserCountQuery string
	TableName        string
	DryRun           bool

	// CSV
	DataDir  string
	FileName string

	// Redis (reference cache, optional)
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string
	RedisTTL       time.Duration

	// Kafka (result stream, optional)
	KafkaBrokers           []string
	KafkaResultsTopic      string
	KafkaDLQTopic          string
	KafkaTopicPartitions   int
	KafkaReplicationFactor int

	// InfluxDB (optional)
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// S3 archive (optional)
	S3Endpoint         string
	S3AccessKey        string
	S3SecretKey        string
	S3Bucket           string
	S3UseTLS           bool
	S3BasePath         string
	ParquetCompression string

	LogLevel  string
	LogFormat string

	Logger zerolog.Logger
}

func (c *Config) String() string {
	return fmt.Sprintf(`
MQTT:
  Flavor:         %s
  CompanyCode:    %s
  BrokerURL:      %s
  ClientID:       %s
  Username:       %s
  QoS:            %d
  KeepAlive:      %s
  ReconnectGrace: %s
  TLS:            %t

Session:
  IdleTimeout:    %s
  PublishTimeout: %s
  Workers:        %d
  QueueSize:      %d

Directory:
  URL:            %s
  EmployerID:     %d
  Timeout:        %s

Database:
  Driver:         %s
  Table:          %s
  UserCountQuery: %t
  DryRun:         %t

Outputs:
  CSV:            %s
  Redis:          %s
  Kafka:          %v
  Influx:         %s
  S3:             %s
`, c.ProductFlavor, c.CompanyCode, c.MQTTBrokerURL, c.MQTTClientID, c.MQTTUsername, c.MQTTQoS,
		c.MQTTKeepAlive, c.MQTTReconnectGrace, c.TLSClientCert != "",
		c.IdleTimeout, c.PublishTimeout, c.ProcessingWorkers, c.WorkerQueueSize,
		c.APIURL, c.EmployerID, c.APITimeout,
		c.DBDriver, c.TableName, c.DBUserCountQuery != "", c.DryRun,
		c.CSVPath(), orOff(c.RedisAddr), c.KafkaBrokers, orOff(c.InfluxURL), orOff(c.S3Endpoint))
}

func orOff(s string) string {
	if s == "" {
		return "off"
	}
	return s
}

func (c *Config) CSVPath() string {
	if c.FileName == "" {
		return ""
	}
	return strings.TrimRight(c.DataDir, "/") + "/" + c.FileName
}

type errList []string

func (e *errList) addf(format string, a ...any) {
	*e = append(*e, fmt.Sprintf(format, a...))
}
func (e *errList) add(msg string) { *e = append(*e, msg) }
func (e *errList) has() bool      { return len(*e) > 0 }

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getRequired(key string, errs *errList) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		errs.addf("missing %s", key)
	}
	return v
}

func getInt(key string, fallback int, errs *errList) int {
	v := getenv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.addf("invalid %s (expected int): %q", key, v)
		return fallback
	}
	return n
}

func getRequiredInt64(key string, errs *errList) int64 {
	v := getRequired(key, errs)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		errs.addf("invalid %s (expected int64): %q", key, v)
		return 0
	}
	return n
}

func getDuration(key string, fallback time.Duration, errs *errList) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		errs.addf("invalid %s (expected duration): %q", key, v)
		return fallback
	}
	return d
}

func getBool(key string, fallback bool) bool {
	switch strings.ToLower(getenv(key, "")) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func getQoS(key string, fallback byte, errs *errList) byte {
	n := getInt(key, int(fallback), errs)
	if n < 0 || n > 2 {
		errs.addf("invalid %s (0..2): %d", key, n)
		return fallback
	}
	return byte(n)
}

func ensureOneOf(key, val string, allowed []string, errs *errList) {
	for _, a := range allowed {
		if val == a {
			return
		}
	}
	errs.addf("invalid %s (allowed: %s): %q", key, strings.Join(allowed, ", "), val)
}

func parseList(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func loadMQTT(cfg *Config, f Flags, flavors Flavors, errs *errList) {
	cfg.ProductFlavor = strings.ToUpper(strings.TrimSpace(f.ProductFlavor))
	if cfg.ProductFlavor == "" {
		errs.add("missing --product-flavor")
	}

	flavor, ok := flavors.Lookup(cfg.ProductFlavor)
	if !ok && cfg.ProductFlavor != "" {
		errs.addf("unknown product flavor %q (known: %s)", cfg.ProductFlavor, strings.Join(flavors.Names(), ", "))
	}

	cfg.CompanyCode = flavor.CompanyCode
	if f.CompanyCode != "" {
		cfg.CompanyCode = f.CompanyCode
	}
	if ok && cfg.CompanyCode == "" {
		errs.add("company code not set by flavor or --company-code")
	}
	if strings.ContainsAny(cfg.CompanyCode, "/#+") {
		errs.addf("invalid company code %q", cfg.CompanyCode)
	}

	cfg.MQTTBrokerURL = getenv("MQTT_BROKER_URL", flavor.BrokerURL)
	if ok && cfg.MQTTBrokerURL == "" {
		errs.add("missing MQTT_BROKER_URL (flavor has no broker)")
	}
	cfg.MQTTClientID = getenv("MQTT_CLIENT_ID", "roster-reconciler")
	cfg.MQTTUsername = os.Getenv("MQTT_USERNAME")
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	cfg.MQTTQoS = getQoS("MQTT_QOS", flavor.QoS, errs)
	cfg.MQTTKeepAlive = getDuration("MQTT_KEEPALIVE", 60*time.Second, errs)
	cfg.MQTTReconnectGrace = getDuration("MQTT_RECONNECT_GRACE", 2*time.Minute, errs)
	cfg.TLSCACert = flavor.CACert
	cfg.TLSClientCert = flavor.ClientCert
	cfg.TLSClientKey = flavor.ClientKey
}

func loadSession(cfg *Config, f Flags, errs *errList) {
	cfg.IdleTimeout = getDuration("IDLE_TIMEOUT", 2*time.Minute, errs)
	if f.IdleTimeout > 0 {
		cfg.IdleTimeout = f.IdleTimeout
	}
	cfg.PublishTimeout = getDuration("PUBLISH_TIMEOUT", 10*time.Second, errs)
	cfg.ProcessingWorkers = getInt("PROCESSING_WORKERS", runtime.NumCPU(), errs)
	cfg.WorkerQueueSize = getInt("WORKER_QUEUE_SIZE", 1024, errs)
}

func loadDirectory(cfg *Config, errs *errList) {
	cfg.APIURL = getRequired("API_URL", errs)
	cfg.EmployerID = getRequiredInt64("EMPLOYER_ID", errs)
	cfg.APITimeout = getDuration("API_TIMEOUT", 15*time.Second, errs)
}

func loadDatabase(cfg *Config, f Flags, errs *errList) {
	cfg.DBDriver = getenv("DB_DRIVER", "sqlserver")
	ensureOneOf("DB_DRIVER", cfg.DBDriver, []string{"sqlserver", "pgx", "sqlite3"}, errs)
	cfg.DBDSN = getRequired("DB_DSN", errs)
	cfg.DBAssetQuery = getenv("DB_ASSET_QUERY", "EXEC getasset")
	cfg.DBSiteGroupQuery = getenv("DB_SITE_GROUP_QUERY", "EXEC usp_NEXD_GetSiteGroupSites @sitegroupID=@p1")
	cfg.DBUserCountQuery = getenv("DB_USER_COUNT_QUERY", "")
	cfg.TableName = getRequired("TABLE_NAME", errs)
	if cfg.TableName != "" && !identRe.MatchString(cfg.TableName) {
		errs.addf("invalid TABLE_NAME %q", cfg.TableName)
	}
	cfg.DryRun = f.DryRun
}

func loadOutputs(cfg *Config, f Flags, errs *errList) {
	cfg.DataDir = getenv("DATA_DIR", "data")
	cfg.FileName = getenv("FILE_NAME", "")
	if f.CSVFile != "" {
		cfg.FileName = f.CSVFile
	}

	cfg.RedisAddr = getenv("REDIS_ADDR", "")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getInt("REDIS_DB", 0, errs)
	cfg.RedisNamespace = getenv("REDIS_NAMESPACE", "roster")
	cfg.RedisTTL = getDuration("REDIS_TTL", 15*time.Minute, errs)

	cfg.KafkaBrokers = parseList(getenv("KAFKA_BROKERS", ""))
	cfg.KafkaResultsTopic = getenv("KAFKA_RESULTS_TOPIC", "roster-reconciliation")
	cfg.KafkaDLQTopic = getenv("KAFKA_DLQ_TOPIC", "roster-reconciliation-dlq")
	cfg.KafkaTopicPartitions = getInt("KAFKA_TOPIC_PARTITIONS", 3, errs)
	cfg.KafkaReplicationFactor = getInt("KAFKA_REPLICATION_FACTOR", 1, errs)

	cfg.InfluxURL = getenv("INFLUX_URL", "")
	cfg.InfluxToken = os.Getenv("INFLUX_TOKEN")
	cfg.InfluxOrg = getenv("INFLUX_ORG", "")
	cfg.InfluxBucket = getenv("INFLUX_BUCKET", "")
	if cfg.InfluxURL != "" && (cfg.InfluxOrg == "" || cfg.InfluxBucket == "") {
		errs.add("INFLUX_ORG and INFLUX_BUCKET are required when INFLUX_URL is set")
	}

	cfg.S3Endpoint = getenv("S3_ENDPOINT", "")
	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")
	cfg.S3Bucket = getenv("S3_BUCKET", "")
	cfg.S3UseTLS = getBool("S3_USE_TLS", false)
	cfg.S3BasePath = getenv("S3_BASE_PATH", "roster-reconciliation")
	cfg.ParquetCompression = strings.ToUpper(getenv("PARQUET_COMPRESSION", "SNAPPY"))
	ensureOneOf("PARQUET_COMPRESSION", cfg.ParquetCompression, []string{"SNAPPY", "GZIP", "ZSTD"}, errs)
	if cfg.S3Endpoint != "" && cfg.S3Bucket == "" {
		errs.add("S3_BUCKET is required when S3_ENDPOINT is set")
	}
}

func validateSanity(cfg *Config, errs *errList) {
	if cfg.IdleTimeout <= 0 {
		errs.add("IDLE_TIMEOUT must be > 0")
	}
	if cfg.ProcessingWorkers <= 0 {
		errs.addf("PROCESSING_WORKERS must be > 0 (suggested: %d)", runtime.NumCPU())
	}
	if cfg.WorkerQueueSize <= 0 {
		errs.add("WORKER_QUEUE_SIZE must be > 0")
	}
	if len(cfg.KafkaBrokers) > 0 {
		if cfg.KafkaTopicPartitions <= 0 {
			errs.add("KAFKA_TOPIC_PARTITIONS must be > 0")
		}
		if cfg.KafkaReplicationFactor <= 0 || cfg.KafkaReplicationFactor > len(cfg.KafkaBrokers) {
			errs.add("KAFKA_REPLICATION_FACTOR must be between 1 and the number of KAFKA_BROKERS")
		}
	}
}

// LoadConfig reads the environment, applies the flags and the selected
// product flavor, and reports every problem at once.
func LoadConfig(f Flags, logger zerolog.Logger) (*Config, error) {
	var errs errList

	flavors := DefaultFlavors()
	if f.FlavorsFile != "" {
		loaded, err := LoadFlavors(f.FlavorsFile)
		if err != nil {
			errs.addf("flavors file: %v", err)
		} else {
			flavors = loaded
		}
	}

	cfg := &Config{
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),
		Logger:    logger,
	}

	loadMQTT(cfg, f, flavors, &errs)
	loadSession(cfg, f, &errs)
	loadDirectory(cfg, &errs)
	loadDatabase(cfg, f, &errs)
	loadOutputs(cfg, f, &errs)
	validateSanity(cfg, &errs)

	if errs.has() {
		for _, e := range errs {
			logger.Error().Str("problem", e).Msg("config")
		}
		return nil, errors.New("missing or invalid configuration, see log above")
	}
	return cfg, nil
}
