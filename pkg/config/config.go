package config

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"net"
	"reflect"
	"strconv"
	"time"

	"github.com/ghodss/yaml"
	"github.com/mitchellh/mapstructure"
)

type ServerConfig struct {
	Host                 string               `json:"host"`
	Port                 int                  `json:"port"`
	MaxConnections       int                  `json:"maxConnections"`
	MetricsListenAddress string               `json:"metricsListenAddress"`
	Log                  LogConfig            `json:"log"`
	Storage              StorageConfig        `json:"storage"`
	Notifications        []NotificationConfig `json:"notifications"`
}

// ListenAddress is the host:port the foreman accepts clients on.
func (c ServerConfig) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type StorageConfig struct {
	Type   StorageType            `json:"type"`
	Config map[string]interface{} `json:"config"`
}

type StorageType string

const (
	StorageTypeMemory StorageType = "memory"
	StorageTypeFile   StorageType = "file"
	StorageTypeEtcd   StorageType = "etcd"
)

type FileStorageConfig struct {
	File string `mapstructure:"file"`
}

type EtcdStorageConfig struct {
	Endpoints   []string `mapstructure:"endpoints"`
	Prefix      string   `mapstructure:"prefix"`
	LeaseTTL    int64    `mapstructure:"leaseTTL"`
	DialTimeout Duration `mapstructure:"dialTimeout"`
}

type NotificationType string

const (
	NotificationTypeWebhook NotificationType = "webhook"
	NotificationTypeSlack   NotificationType = "slack"
)

type NotificationConfig struct {
	Type   NotificationType       `json:"type"`
	Config map[string]interface{} `json:"config"`
}

type WebhookConfig struct {
	URL     string              `mapstructure:"url"`
	Method  string              `mapstructure:"method"`
	Headers map[string][]string `mapstructure:"headers"`
}

type SlackConfig struct {
	Token         string         `mapstructure:"token"`
	Channel       string         `mapstructure:"channel"`
	MessageFields []MessageField `mapstructure:"messageFields"`
}

type MessageField struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

var ErrUnknownNotificationType = errors.New("unknown notification type")

func (n NotificationConfig) GetWebhookConfig() (cfg WebhookConfig, err error) {
	if n.Type != NotificationTypeWebhook {
		return cfg, ErrUnknownNotificationType
	}
	err = decode(n.Config, &cfg)
	if cfg.Method == "" {
		cfg.Method = "POST"
	}
	return cfg, err
}

func (n NotificationConfig) GetSlackConfig() (cfg SlackConfig, err error) {
	if n.Type != NotificationTypeSlack {
		return cfg, ErrUnknownNotificationType
	}
	err = decode(n.Config, &cfg)
	return cfg, err
}

func (s StorageConfig) GetFileConfig() (cfg FileStorageConfig, err error) {
	err = decode(s.Config, &cfg)
	if err == nil && cfg.File == "" {
		err = errors.New("file storage needs a 'file' path")
	}
	return cfg, err
}

func (s StorageConfig) GetEtcdConfig() (cfg EtcdStorageConfig, err error) {
	cfg = EtcdStorageConfig{
		Prefix:      "/testforeman",
		LeaseTTL:    10,
		DialTimeout: Duration(5 * time.Second),
	}
	err = decode(s.Config, &cfg)
	if err == nil && len(cfg.Endpoints) == 0 {
		err = errors.New("etcd storage needs at least one endpoint")
	}
	return cfg, err
}

func decode(input interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook,
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func durationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		d, err := time.ParseDuration(v)
		return Duration(d), err
	case int:
		return Duration(time.Duration(v) * time.Second), nil
	case float64:
		return Duration(time.Duration(v * float64(time.Second))), nil
	}
	return data, nil
}

// Default returns the configuration used when no file is given.
func Default() ServerConfig {
	return ServerConfig{
		Host: "localhost",
		Port: 8888,
		Log: LogConfig{
			Level:  "debug",
			Format: "json",
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
		},
	}
}

// Load reads a YAML (or JSON) config file on top of the defaults.
func Load(file string) (cfg ServerConfig, err error) {
	cfg = Default()
	bs, err := ioutil.ReadFile(file)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(bs, &cfg)
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration is a time.Duration that (un)marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(bs []byte) error {
	var s string
	if err := json.Unmarshal(bs, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
