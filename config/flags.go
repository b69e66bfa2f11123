package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// NewFlagSet binds every setting to a flag whose default is the current
// value held in s.
func NewFlagSet(name string, s *AppSettings) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.StringVarP(&s.ConfigFile, "config", "c", s.ConfigFile, "TOML config file, flags given explicitly override it")
	fs.BoolVar(&s.Version, "version", s.Version, "print version")
	fs.BoolVar(&s.Interactive, "interactive", s.Interactive, "read commands from stdin")
	fs.StringVar(&s.LogLevel, "log-level", s.LogLevel, "debug or info, SIMPLE_LOG_LEVEL takes precedence")
	fs.DurationVar(&s.ExitAfter, "exit-after", s.ExitAfter, "exit after specified duration")

	// #################### kernel ######################
	fs.StringVar(&s.PinDir, "pin-dir", s.PinDir, "bpffs directory with the pinned maps")

	// #################### ccp #########################
	fs.StringVar(&s.DatapathSocket, "datapath-socket", s.DatapathSocket, "local datagram socket")
	fs.StringVar(&s.CCPSocket, "ccp-socket", s.CCPSocket, "congestion control algorithm socket")
	fs.IntVar(&s.SocketBufferSize, "socket-buffer-size", s.SocketBufferSize,
		"SO_RCVBUF and SO_SNDBUF in bytes, 0 keeps the system default")
	fs.Uint32Var(&s.DatapathID, "datapath-id", s.DatapathID, "id announced to the algorithm")
	fs.StringVar(&s.Algorithm, "algorithm", s.Algorithm, "algorithm requested for new flows")
	fs.Float64Var(&s.ReportRateLimit, "report-rate-limit", s.ReportRateLimit,
		"measurement reports per flow per second, 0 means unlimited")
	fs.IntVar(&s.ReportBurst, "report-burst", s.ReportBurst, "burst of the per flow report limiter")

	// #################### registry ####################
	fs.DurationVar(&s.RetiredTTL, "retired-ttl", s.RetiredTTL, "how long a freed flow is remembered")

	// #################### writeback ###################
	fs.IntVar(&s.QueueDepth, "queue-depth", s.QueueDepth, "command queue capacity")

	// #################### tap #########################
	fs.IntVar(&s.TapDepth, "tap-depth", s.TapDepth, "tap buffer capacity")
	fs.BoolVar(&s.TapStdout, "tap-stdout", s.TapStdout, "print tap records to stderr")
	fs.StringVar(&s.Codec, "codec", s.Codec, "tap record codec: simple or json")
	fs.IntVar(&s.TapRateLimitQPS, "tap-rate-limit-qps", s.TapRateLimitQPS,
		"tap records per second reaching the sinks, 0 means unlimited")
	fs.Var(&MultiStringOption{Params: &s.TapFileDir}, "tap-file-directory",
		`write tap records to a rotating file:
		        ebpfcca --tap-file-directory="/tmp/ebpfcca"`)
	fs.IntVar(&s.TapFileMaxSize, "tap-file-max-size", s.TapFileMaxSize,
		"MaxSize is the maximum size in megabytes of the log file before it gets rotated.")
	fs.IntVar(&s.TapFileMaxBackups, "tap-file-max-backups", s.TapFileMaxBackups,
		"MaxBackups is the maximum number of old log files to retain.")
	fs.IntVar(&s.TapFileMaxAge, "tap-file-max-age", s.TapFileMaxAge,
		`MaxAge is the maximum number of days to retain old log files 
				based on the timestamp encoded in their filename`)
	fs.Var(&MultiStringOption{Params: &s.TapKafkaBroker}, "tap-kafka-broker",
		`publish tap records to kafka:
		        ebpfcca --tap-kafka-broker="192.168.2.100:9092" --tap-kafka-topic="ebpfcca"`)
	fs.StringVar(&s.TapKafkaTopic, "tap-kafka-topic", s.TapKafkaTopic, "")
	fs.BoolVar(&s.TapKafkaUseSASL, "tap-kafka-use-sasl", s.TapKafkaUseSASL, "")
	fs.StringVar(&s.TapKafkaMechanism, "tap-kafka-mechanism", s.TapKafkaMechanism, "")
	fs.StringVar(&s.TapKafkaUsername, "tap-kafka-username", s.TapKafkaUsername, "")
	fs.StringVar(&s.TapKafkaPassword, "tap-kafka-password", s.TapKafkaPassword, "")
	fs.StringVar(&s.IncludeFilterKindMatch, "include-filter-kind-match", s.IncludeFilterKindMatch,
		"only tap records whose kind matches the regular expression")
	fs.Var(&MultiStringOption{Params: &s.ExcludeFilterKind}, "exclude-filter-kind",
		"drop tap records whose kind contains the value")

	// #################### metrics #####################
	fs.StringVar(&s.MetricsAddr, "metrics-addr", s.MetricsAddr, "serve prometheus metrics, e.g. :9100")
	return fs
}

// Load builds the settings from args. When a config file is named, it is
// decoded over the defaults and args are applied again on top.
func Load(name string, args []string) (*AppSettings, error) {
	s := Default()
	if err := NewFlagSet(name, &s).Parse(args); err != nil {
		return nil, err
	}
	if s.ConfigFile == "" || s.Version {
		return &s, nil
	}

	path := s.ConfigFile
	s = Default()
	if err := LoadFile(path, &s); err != nil {
		return nil, err
	}
	s.ConfigFile = path
	if err := NewFlagSet(name, &s).Parse(args); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadFile(path string, s *AppSettings) error {
	md, err := toml.DecodeFile(path, s)
	if err != nil {
		return errors.Wrapf(err, "config file %v", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("config file %v: unknown keys %v", path, undecoded)
	}
	return nil
}
