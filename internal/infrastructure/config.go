package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix env prefix for viper
const EnvPrefix = "GOAPP"

// runtime environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// progress store implementations
const (
	StoreSQL = "sql" // remote, server-synced
	StoreKV  = "kv"  // local key-value
)

// catalog sources
const (
	CatalogSourceSQL  = "sql"
	CatalogSourceFile = "file"
)

// AppConfig App option object
type AppConfig struct {
	AppID          string        `mapstructure:"app_id" json:"app_id" yaml:"app_id" validate:"required"`            // Application ID
	Host           string        `mapstructure:"host" json:"host" yaml:"host"`                                      // bind host address
	Port           int           `mapstructure:"port" json:"port" yaml:"port"`                                      // bind listen port
	Env            string        `mapstructure:"env" json:"env" yaml:"env" validate:"oneof=development production"` // runtime environment
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`    // abort request after
	Database       struct {
		Driver   string `mapstructure:"driver" json:"driver" yaml:"driver" validate:"oneof=mysql postgres"`          // driver name
		Host     string `mapstructure:"host" json:"host" yaml:"host"`                                                // server host
		MaxConn  int32  `mapstructure:"maxconn" json:"maxconn" yaml:"maxconn" validate:"min=1"`                      // maximum opening connections number
		Password string `mapstructure:"password" json:"password" yaml:"password"`                                    // db password
		Port     int    `mapstructure:"port" json:"port" yaml:"port"`                                                // server port
		Protocol string `mapstructure:"protocol" json:"protocol" yaml:"protocol" validate:"omitempty,oneof=tcp udp"` // connection protocol, eg.tcp
		Query    string `mapstructure:"query" json:"query" yaml:"query"`                                             // DSN query parameter
		Schema   string `mapstructure:"schema" json:"schema" yaml:"schema"`                                          // use schema
		User     string `mapstructure:"username" json:"username" yaml:"username"`                                    // db username
	} `mapstructure:"database" json:"database" yaml:"database"`
	Logging struct {
		FilePath string `mapstructure:"file_path" json:"file_path" yaml:"file_path"`                            // log file path
		Level    string `mapstructure:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"` // global logging level
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
	Security struct {
		IDLength     int           `mapstructure:"id_length" json:"id_length" yaml:"id_length" validate:"min=8"` // length of generated ID for entities
		JWTMethod    string        `mapstructure:"jwt_method" json:"jwt_method" yaml:"jwt_method" validate:"oneof=HS256 HS512"`
		JWTSecret    string        `mapstructure:"jwt_secret" json:"-" yaml:"jwt_secret" validate:"required"`
		TokenName    string        `mapstructure:"token_name" json:"token_name" yaml:"token_name" validate:"required"` // jwt token name set in cookie
		TokenTimeout time.Duration `mapstructure:"token_timeout" json:"token_timeout" yaml:"token_timeout"`            // lifetime of issued tokens
	} `mapstructure:"security" json:"security" yaml:"security"`
	KVStore struct {
		Host     string `mapstructure:"host" json:"host" yaml:"host"`            // bind host address
		Port     int    `mapstructure:"port" json:"port" yaml:"port"`            // bind listen port
		Password string `mapstructure:"password" json:"-" yaml:"password"`       // password for security reasons
		DB       int    `mapstructure:"db" json:"db" yaml:"db" validate:"min=0"` // logical database
		Memory   bool   `mapstructure:"memory" json:"memory" yaml:"memory"`      // use in-process store instead of redis
	} `mapstructure:"kv" json:"kv" yaml:"kv"`
	Progress struct {
		Store               string        `mapstructure:"store" json:"store" yaml:"store" validate:"oneof=sql kv"`
		CompletionThreshold float64       `mapstructure:"completion_threshold" json:"completion_threshold" yaml:"completion_threshold" validate:"gt=0,lte=1"`
		AutoAdvance         bool          `mapstructure:"auto_advance" json:"auto_advance" yaml:"auto_advance"`
		AutoAdvanceDelay    time.Duration `mapstructure:"auto_advance_delay" json:"auto_advance_delay" yaml:"auto_advance_delay"`
		RetryInterval       time.Duration `mapstructure:"retry_interval" json:"retry_interval" yaml:"retry_interval"`
		MaxPendingWrites    int           `mapstructure:"max_pending_writes" json:"max_pending_writes" yaml:"max_pending_writes" validate:"min=1"`
		SessionIdleTimeout  time.Duration `mapstructure:"session_idle_timeout" json:"session_idle_timeout" yaml:"session_idle_timeout"`
	} `mapstructure:"progress" json:"progress" yaml:"progress"`
	Catalog struct {
		Source   string        `mapstructure:"source" json:"source" yaml:"source" validate:"oneof=sql file"`
		FilePath string        `mapstructure:"file_path" json:"file_path" yaml:"file_path"`
		CacheTTL time.Duration `mapstructure:"cache_ttl" json:"cache_ttl" yaml:"cache_ttl"` // zero disables caching
	} `mapstructure:"catalog" json:"catalog" yaml:"catalog"`
	DevOP struct {
		APM bool `mapstructure:"apm" json:"apm" yaml:"apm"`
	} `mapstructure:"devop" json:"devop" yaml:"devop"`
}

// UsesSQL reports whether any component needs a database connection
func (c *AppConfig) UsesSQL() bool {
	return c.Progress.Store == StoreSQL || c.Catalog.Source == CatalogSourceSQL
}

// loadDotEnv .env is optional, real environment variables win
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// InitConfig init app config using viper
func InitConfig() (*AppConfig, error) {
	if err := loadDotEnv(".env"); err != nil {
		log.Printf("Failed to load .env: %s\n", err)
	}

	// app
	pflag.String("host", "", "binding address")
	pflag.String("app_id", "lesson-gate", "application identifier")
	pflag.String("env", EnvDevelopment, "runtime environment, can be 'development' or 'production'")
	pflag.Int("port", 8081, "listening port")
	pflag.Duration("request_timeout", 30*time.Second, "abort requests running longer than this")

	// database
	pflag.String("database.driver", "mysql", "database driver to use, mysql or postgres")
	pflag.String("database.host", "127.0.0.1", "database host")
	pflag.Int("database.port", 3306, "database server port")
	pflag.String("database.protocol", "", "connection protocol(if mysql is used, this flag must be set), eg.tcp")
	pflag.String("database.username", "", "database username")
	pflag.String("database.password", "", "database password")
	pflag.String("database.schema", "", "database schema")
	pflag.String("database.query", "", `additional DSN query parameters('?' is auto prefixed), if you work with mysql and wish to
work with time.Time, you may specify "parseTime=true"`)
	pflag.Int32("database.maxconn", 200, `max connection count, if you encounter a "too many connections" error, please consider
increasing the max_connection value of your db server, or lower this value`)

	// logging
	pflag.String("logging.level", "info", "logging level")
	pflag.String("logging.file_path", "", "log to file")

	// security
	pflag.Int("security.id_length", 21, "set length of generated ID for entities")
	pflag.String("security.jwt_method", "HS256", "hash algorithm used for JWT auth")
	pflag.String("security.jwt_secret", "", "JWT secret (required)")
	pflag.String("security.token_name", "lg_token", "cookie name to read the token from")
	pflag.Duration("security.token_timeout", 24*time.Hour, "lifetime of issued tokens")

	// kv storage
	pflag.String("kv.host", "127.0.0.1", "kv host")
	pflag.Int("kv.port", 6379, "kv server port")
	pflag.String("kv.password", "", "kv server password")
	pflag.Int("kv.db", 0, "kv logical database")
	pflag.Bool("kv.memory", false, "keep kv data in process memory (single node only)")

	// progress
	pflag.String("progress.store", StoreSQL, "progress store, 'sql' (server-synced) or 'kv' (key-value)")
	pflag.Float64("progress.completion_threshold", 0.85, "watched fraction at which a video counts as completed")
	pflag.Bool("progress.auto_advance", true, "open the next lesson automatically once the current one is complete")
	pflag.Duration("progress.auto_advance_delay", 2*time.Second, "delay before auto advancing")
	pflag.Duration("progress.retry_interval", 30*time.Second, "how often failed progress writes are retried")
	pflag.Int("progress.max_pending_writes", 64, "maximum failed writes kept per session")
	pflag.Duration("progress.session_idle_timeout", 30*time.Minute, "evict learner sessions idle for longer than this")

	// catalog
	pflag.String("catalog.source", CatalogSourceSQL, "catalog source, 'sql' or 'file'")
	pflag.String("catalog.file_path", "", "YAML catalog file, required when catalog.source is 'file'")
	pflag.Duration("catalog.cache_ttl", 5*time.Minute, "catalog cache lifetime, 0 disables caching")

	// DevOp
	pflag.Bool("devop.apm", false, "enable apm metrics")

	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config = new(AppConfig)
	if err := viper.Unmarshal(config); err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.Logging.Level == "debug" {
		if configJSON, err := json.MarshalIndent(config, "", "  "); err == nil {
			log.Printf("App config: %s\n", string(configJSON))
		}
	}
	return config, nil
}

func validateConfig(config *AppConfig) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("mapstructure")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	var msg []string
	if config.Catalog.Source == CatalogSourceFile && config.Catalog.FilePath == "" {
		msg = append(msg, "catalog.file_path is required")
	}
	if config.Progress.AutoAdvanceDelay < 0 {
		msg = append(msg, "progress.auto_advance_delay must not be negative")
	}
	if config.Progress.RetryInterval < time.Second {
		msg = append(msg, "progress.retry_interval must be at least 1s")
	}
	if config.Progress.SessionIdleTimeout < time.Second {
		msg = append(msg, "progress.session_idle_timeout must be at least 1s")
	}

	err := validate.Struct(config)
	if _, ok := err.(*validator.InvalidValidationError); ok {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if err == nil && len(msg) == 0 {
		return nil
	}

	errs, _ := err.(validator.ValidationErrors)
	for _, field := range errs {
		namespace := field.Namespace()
		fieldName := namespace[strings.IndexByte(namespace, '.')+1:] // trim top level namespace
		switch field.Tag() {
		case "required":
			msg = append(msg, fmt.Sprintf("%s is required", fieldName))
		case "oneof":
			msg = append(msg, fmt.Sprintf("%s must be one of (%s)", fieldName, field.Param()))
		default:
			msg = append(msg, fmt.Sprintf("%s failed on %s=%s", fieldName, field.Tag(), field.Param()))
		}
	}
	return fmt.Errorf("failed to validate config: \n%s", strings.Join(msg, "\n"))
}
