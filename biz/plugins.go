package biz

import (
	"fmt"
	"reflect"

	slog "github.com/vearne/simplelog"

	"github.com/claby2/ebpfcca/config"
	"github.com/claby2/ebpfcca/plugin"
)

// Plugins struct for holding references to tap sinks
type Plugins struct {
	Sinks []Sink
	All   []interface{}
}

// NewPlugins specify and initialize all configured sinks
func NewPlugins(settings *config.AppSettings) (*Plugins, error) {
	plugins := new(Plugins)

	if settings.TapStdout {
		slog.Debug("NewStdOutput")
		if err := plugins.registerPlugin(plugin.NewStdOutput, settings.Codec); err != nil {
			return nil, err
		}
	}

	for _, path := range settings.TapFileDir {
		if err := plugin.IsValidDir(path); err != nil {
			return nil, err
		}
		slog.Debug("NewFileDirOutput, path:%v", path)
		cf := &plugin.FileDirOutputConfig{
			MaxSize:    settings.TapFileMaxSize,
			MaxBackups: settings.TapFileMaxBackups,
			MaxAge:     settings.TapFileMaxAge,
		}
		if err := plugins.registerPlugin(plugin.NewFileDirOutput, settings.Codec, path, cf); err != nil {
			return nil, err
		}
	}

	if len(settings.TapKafkaBroker) > 0 {
		cf := &plugin.OutputKafkaConfig{
			Brokers: settings.TapKafkaBroker,
			Topic:   settings.TapKafkaTopic,
			SASLConfig: plugin.SASLKafkaConfig{
				UseSASL:   settings.TapKafkaUseSASL,
				Mechanism: settings.TapKafkaMechanism,
				Username:  settings.TapKafkaUsername,
				Password:  settings.TapKafkaPassword,
			},
		}
		if err := plugins.registerPlugin(plugin.NewKafkaOutput, settings.Codec, cf); err != nil {
			return nil, err
		}
	}
	return plugins, nil
}

// Automatically detects type of plugin and initialize it. A constructor
// may return the plugin alone or the plugin and an error.
func (plugins *Plugins) registerPlugin(constructor interface{}, options ...interface{}) error {
	vc := reflect.ValueOf(constructor)

	// Pre-processing options to make it work with reflect
	vo := []reflect.Value{}
	for _, oi := range options {
		vo = append(vo, reflect.ValueOf(oi))
	}

	// Calling our constructor with list of given options
	out := vc.Call(vo)
	if len(out) > 1 && !out[1].IsNil() {
		return out[1].Interface().(error)
	}
	plugin := out[0].Interface()

	if w, ok := plugin.(Sink); ok {
		plugins.Sinks = append(plugins.Sinks, w)
	}
	plugins.All = append(plugins.All, plugin)
	return nil
}

func (plugins *Plugins) String() string {
	return fmt.Sprintf("#####  len(Sinks):%d, len(All):%d   #####",
		len(plugins.Sinks), len(plugins.All))
}
