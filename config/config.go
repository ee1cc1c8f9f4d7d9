// Package config holds the engine's runtime configuration: defaults from
// struct tags, overrides from OPSET_* environment variables, then
// validation.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || host == "" && port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	})
}

type Config struct {
	// Listen is the HTTP bind address.
	Listen string `default:":8080" validate:"hostname_port"`

	// DefinitionsDir holds the operation-set YAML definitions.
	DefinitionsDir string `default:"definitions" validate:"required"`

	// Device credentials used by the device executor and presence checks.
	DeviceHost     string `default:""`
	DeviceUsername string `default:"admin"`
	DevicePassword string `default:"admin"`

	// KeyTTL bounds how long a device session key is reused.
	KeyTTL time.Duration `default:"5m" validate:"gt=0"`

	// DockerHost is the container daemon endpoint.
	DockerHost string `default:"unix:///var/run/docker.sock" validate:"required"`

	// WorkDirRoot anchors shell working directories and the default
	// container bind mount.
	WorkDirRoot string `default:""`

	// TaskRetention is how long finished task records stay queryable.
	TaskRetention time.Duration `default:"30m" validate:"gt=0"`

	// RequestTimeout bounds individual rest and device API calls.
	RequestTimeout time.Duration `default:"30s" validate:"gt=0"`

	// InsecureSkipVerify disables TLS verification for rest and device
	// calls. On by default: targets are typically lab gear with
	// self-signed certificates.
	InsecureSkipVerify bool `default:"true"`
}

// Load builds the configuration: struct-tag defaults, then OPSET_*
// environment overrides, then validation.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply default values: %w", err)
	}

	applyEnv(cfg)

	if err := validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var messages []string
			for _, fieldErr := range validationErrors {
				messages = append(messages, fmt.Sprintf("field '%s' failed rule '%s'", fieldErr.Field(), fieldErr.Tag()))
			}
			return nil, fmt.Errorf("config validation failed: %s", strings.Join(messages, "; "))
		}
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, target *string) {
		if v, ok := os.LookupEnv(key); ok {
			*target = v
		}
	}
	setDuration := func(key string, target *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*target = d
			}
		}
	}
	setBool := func(key string, target *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*target = strings.EqualFold(v, "true") || v == "1"
		}
	}

	setString("OPSET_LISTEN", &cfg.Listen)
	setString("OPSET_DEFINITIONS_DIR", &cfg.DefinitionsDir)
	setString("OPSET_DEVICE_HOST", &cfg.DeviceHost)
	setString("OPSET_DEVICE_USERNAME", &cfg.DeviceUsername)
	setString("OPSET_DEVICE_PASSWORD", &cfg.DevicePassword)
	setDuration("OPSET_KEY_TTL", &cfg.KeyTTL)
	setString("OPSET_DOCKER_HOST", &cfg.DockerHost)
	setString("OPSET_WORKDIR_ROOT", &cfg.WorkDirRoot)
	setDuration("OPSET_TASK_RETENTION", &cfg.TaskRetention)
	setDuration("OPSET_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	setBool("OPSET_INSECURE_SKIP_VERIFY", &cfg.InsecureSkipVerify)
}
