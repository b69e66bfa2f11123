package plugin

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/claby2/ebpfcca/protocol"
)

const tapFileName = "tap.log"

func IsValidDir(dirPath string) error {
	info, err := os.Stat(dirPath)
	if err != nil {
		return errors.Wrap(err, "invalid directory")
	}
	if !info.IsDir() {
		return errors.Errorf("%v is not directory", dirPath)
	}
	return nil
}

type FileDirOutputConfig struct {
	// MaxSize is the maximum size in megabytes of the log file before it gets rotated.
	MaxSize int `json:"maxSize"`
	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups"`
	// MaxAge is the maximum number of days to retain old log files based on the
	// timestamp encoded in their filename.
	MaxAge int `json:"maxAge"`
}

type FileDirOutput struct {
	codec  protocol.Codec
	path   string
	logger *lumberjack.Logger
}

func NewFileDirOutput(codec string, path string, cf *FileDirOutputConfig) *FileDirOutput {
	var output FileDirOutput
	output.codec = protocol.GetCodec(codec)
	output.path = path
	output.logger = &lumberjack.Logger{
		Filename:   filepath.Join(path, tapFileName),
		MaxSize:    cf.MaxSize, // megabytes
		MaxBackups: cf.MaxBackups,
		MaxAge:     cf.MaxAge, //days
		Compress:   true,
	}
	return &output
}

func (o *FileDirOutput) Close() error {
	return o.logger.Close()
}

func (o *FileDirOutput) Write(rec *protocol.Record) (err error) {
	var (
		data []byte
	)

	data, err = o.codec.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = o.logger.Write(data)
	if err != nil {
		return err
	}
	_, err = o.logger.Write([]byte{'\n'})
	return err
}

func (o *FileDirOutput) String() string {
	return "file tap: " + o.path
}
