// Package config holds the runtime settings of ebpfcca and binds them to
// command line flags and an optional TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/claby2/ebpfcca/consts"
)

// MultiStringOption is a repeatable string flag. Values from an earlier
// source (the config file) are replaced by the first value given on the
// command line, and later ones are appended.
// e.g. --tap-kafka-broker="10.0.0.1:9092" --tap-kafka-broker="10.0.0.2:9092"
type MultiStringOption struct {
	Params  *[]string
	changed bool
}

func (h *MultiStringOption) String() string {
	if h.Params == nil {
		return ""
	}
	return fmt.Sprint(*h.Params)
}

// Set gets called multiple times for each flag with same name
func (h *MultiStringOption) Set(value string) error {
	if h.Params == nil {
		return nil
	}
	if !h.changed {
		*h.Params = nil
		h.changed = true
	}
	*h.Params = append(*h.Params, value)
	return nil
}

func (h *MultiStringOption) Type() string {
	return "stringArray"
}

// AppSettings is the main configuration of ebpfcca.
type AppSettings struct {
	ConfigFile  string `json:"-" toml:"-"`
	Version     bool   `json:"-" toml:"-"`
	Interactive bool   `json:"interactive" toml:"interactive"`
	LogLevel    string `json:"log-level" toml:"log-level"`

	ExitAfter time.Duration `json:"exit-after" toml:"exit-after"`

	// ######################## kernel ########################
	// bpffs directory holding the pinned maps
	PinDir string `json:"pin-dir" toml:"pin-dir"`

	// ######################## ccp ###########################
	DatapathSocket string `json:"datapath-socket" toml:"datapath-socket"`
	CCPSocket      string `json:"ccp-socket" toml:"ccp-socket"`
	// bytes, 0 keeps the system default
	SocketBufferSize int    `json:"socket-buffer-size" toml:"socket-buffer-size"`
	DatapathID       uint32 `json:"datapath-id" toml:"datapath-id"`
	Algorithm        string `json:"algorithm" toml:"algorithm"`
	// measurement reports per flow per second, 0 means unlimited
	ReportRateLimit float64 `json:"report-rate-limit" toml:"report-rate-limit"`
	ReportBurst     int     `json:"report-burst" toml:"report-burst"`

	// ######################## registry ######################
	// how long a freed flow id is remembered as retired
	RetiredTTL time.Duration `json:"retired-ttl" toml:"retired-ttl"`

	// ######################## writeback #####################
	QueueDepth int `json:"queue-depth" toml:"queue-depth"`

	// ######################## tap ###########################
	TapDepth  int    `json:"tap-depth" toml:"tap-depth"`
	TapStdout bool   `json:"tap-stdout" toml:"tap-stdout"`
	Codec     string `json:"codec" toml:"codec"`
	// records per second reaching the sinks, 0 means unlimited
	TapRateLimitQPS int `json:"tap-rate-limit-qps" toml:"tap-rate-limit-qps"`

	// --- tap file ---
	TapFileDir []string `json:"tap-file-directory" toml:"tap-file-directory"`
	// MaxSize is the maximum size in megabytes of the log file before it gets rotated.
	TapFileMaxSize int `json:"tap-file-max-size" toml:"tap-file-max-size"`
	// MaxBackups is the maximum number of old log files to retain.
	TapFileMaxBackups int `json:"tap-file-max-backups" toml:"tap-file-max-backups"`
	// MaxAge is the maximum number of days to retain old log files based on the
	// timestamp encoded in their filename.
	TapFileMaxAge int `json:"tap-file-max-age" toml:"tap-file-max-age"`

	// --- tap kafka ---
	TapKafkaBroker    []string `json:"tap-kafka-broker" toml:"tap-kafka-broker"`
	TapKafkaTopic     string   `json:"tap-kafka-topic" toml:"tap-kafka-topic"`
	TapKafkaUseSASL   bool     `json:"tap-kafka-use-sasl" toml:"tap-kafka-use-sasl"`
	TapKafkaMechanism string   `json:"tap-kafka-mechanism" toml:"tap-kafka-mechanism"`
	TapKafkaUsername  string   `json:"tap-kafka-username" toml:"tap-kafka-username"`
	TapKafkaPassword  string   `json:"tap-kafka-password" toml:"tap-kafka-password"`

	// --- filter ---
	IncludeFilterKindMatch string   `json:"include-filter-kind-match" toml:"include-filter-kind-match"`
	ExcludeFilterKind      []string `json:"exclude-filter-kind" toml:"exclude-filter-kind"`

	// ######################## metrics #######################
	// empty disables the endpoint
	MetricsAddr string `json:"metrics-addr" toml:"metrics-addr"`
}

func Default() AppSettings {
	return AppSettings{
		Interactive:       true,
		LogLevel:          "info",
		PinDir:            consts.DefaultPinDir,
		DatapathSocket:    consts.DefaultDatapathSocket,
		CCPSocket:         consts.DefaultCCPSocket,
		Algorithm:         "reno",
		ReportBurst:       1,
		RetiredTTL:        30 * time.Second,
		QueueDepth:        1024,
		TapDepth:          1024,
		Codec:             "simple",
		TapFileMaxSize:    500,
		TapFileMaxBackups: 10,
		TapFileMaxAge:     30,
		TapKafkaTopic:     "ebpfcca",
	}
}

func (s *AppSettings) Validate() error {
	switch s.LogLevel {
	case "debug", "info":
	default:
		return errors.Errorf("log-level must be debug or info, got %q", s.LogLevel)
	}
	if s.PinDir == "" {
		return errors.New("pin-dir is required")
	}
	if s.DatapathSocket == "" || s.CCPSocket == "" {
		return errors.New("datapath-socket and ccp-socket are required")
	}
	if s.DatapathSocket == s.CCPSocket {
		return errors.Errorf("datapath-socket and ccp-socket are both %v", s.CCPSocket)
	}
	if len(s.Algorithm) >= 64 {
		return errors.Errorf("algorithm name %q too long", s.Algorithm)
	}
	if s.SocketBufferSize < 0 {
		return errors.New("socket-buffer-size must not be negative")
	}
	if s.ReportRateLimit < 0 {
		return errors.New("report-rate-limit must not be negative")
	}
	if s.ReportBurst < 1 {
		return errors.New("report-burst must be at least 1")
	}
	if s.RetiredTTL <= 0 {
		return errors.New("retired-ttl must be positive")
	}
	if s.TapRateLimitQPS < 0 {
		return errors.New("tap-rate-limit-qps must not be negative")
	}
	if s.QueueDepth < 1 || s.TapDepth < 1 {
		return errors.New("queue-depth and tap-depth must be at least 1")
	}
	if s.Codec != "json" && s.Codec != "simple" {
		return errors.Errorf("unknown codec %q", s.Codec)
	}
	if len(s.TapKafkaBroker) > 0 && s.TapKafkaTopic == "" {
		return errors.New("tap-kafka-topic is required with tap-kafka-broker")
	}
	return nil
}

// TapEnabled reports whether any tap sink is configured.
func (s *AppSettings) TapEnabled() bool {
	return s.TapStdout || len(s.TapFileDir) > 0 || len(s.TapKafkaBroker) > 0
}
