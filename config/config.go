package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port  int `koanf:"port"`
	HTTPS struct {
		Cert string `koanf:"cert"`
		Key  string `koanf:"key"`
	}
	Debug bool `koanf:"debug"`
	Fetch struct {
		Timeout     time.Duration `koanf:"timeout"`
		MaxDataSize int           `koanf:"maxdatasize"` // in MB
		MaxPixels   int           `koanf:"maxpixels"`
	} `koanf:"fetch"`
}

// ModelConfig related to the classifier artifacts
type ModelConfig struct {
	Backbone   string `koanf:"backbone"`
	NumClasses int    `koanf:"numclasses"`
	Checkpoint string `koanf:"checkpoint"`
	Labels     string `koanf:"labels"`
	Device     string `koanf:"device"`
	Seed       int64  `koanf:"seed"`
	Pretrained struct {
		URL      string        `koanf:"url"`
		Timeout  time.Duration `koanf:"timeout"`
		CacheTTL time.Duration `koanf:"cachettl"`
	} `koanf:"pretrained"`
	ONNX struct {
		Path          string `koanf:"path"`
		SharedLibrary string `koanf:"sharedlibrary"`
		FeatureWidth  int    `koanf:"featurewidth"`
		InputName     string `koanf:"inputname"`
		OutputName    string `koanf:"outputname"`
	} `koanf:"onnx"`
}

// CacheConfig related to cache
type CacheConfig struct {
	Redis struct {
		Enabled      bool          `koanf:"enabled"`
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
}

// MinioConfig related to the artifact bucket
type MinioConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	RootUser   string `koanf:"rootuser"`
	RootPwd    string `koanf:"rootpwd"`
	BucketName string `koanf:"bucketname"`
	Secure     bool   `koanf:"secure"`
	CacheDir   string `koanf:"cachedir"`
}

// OTELCollectorConfig related to OpenTelemetry collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// InfluxDBConfig defines the InfluxDB configuration.
type InfluxDBConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url"`
	Token         string        `koanf:"token"`
	Org           string        `koanf:"org"`
	Bucket        string        `koanf:"bucket"`
	FlushInterval time.Duration `koanf:"flushinterval"`
}

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig        `koanf:"server"`
	Model         ModelConfig         `koanf:"model"`
	Cache         CacheConfig         `koanf:"cache"`
	Minio         MinioConfig         `koanf:"minio"`
	OTELCollector OTELCollectorConfig `koanf:"otelcollector"`
	InfluxDB      InfluxDBConfig      `koanf:"influxdb"`
}

// Config - Global variable to export
var Config AppConfig

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"server.port":              5000,
		"server.fetch.timeout":     "10s",
		"server.fetch.maxdatasize": 20,
		"server.fetch.maxpixels":   178956970,
		"model.backbone":           "convnet",
		"model.numclasses":         300,
		"model.checkpoint":         "best_model.safetensors",
		"model.labels":             "classes.txt",
		"model.device":             "auto",
		"model.seed":               42,
		"model.pretrained.timeout": "30s",
		"model.onnx.inputname":     "input",
		"model.onnx.outputname":    "features",
		"model.onnx.featurewidth":  1536,
		"minio.cachedir":           "/tmp/landmark-artifacts",
		"influxdb.flushinterval":   "10s",
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), parser); err != nil {
			log.Fatal(err.Error())
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got %d", cfg.Server.Port)
	}
	if cfg.Model.NumClasses < 0 {
		return fmt.Errorf("model.numclasses must not be negative, got %d", cfg.Model.NumClasses)
	}
	switch cfg.Model.Device {
	case "auto", "cpu", "cuda":
	default:
		return fmt.Errorf("model.device must be one of auto, cpu, cuda, got %q", cfg.Model.Device)
	}
	switch cfg.Model.Backbone {
	case "convnet", "onnx":
	default:
		return fmt.Errorf("model.backbone must be one of convnet, onnx, got %q", cfg.Model.Backbone)
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
