package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/sgalti/sga/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds site-specific configuration data.
var Config struct {
	// required parameters
	Hostname       string            `json:"hostname" mapstructure:"hostname"`             // Hostname for the site: "your.host.goes.here"
	LTICredentials map[string]string `json:"ltiCredentials" mapstructure:"lticredentials"` // consumer key => shared secret, as configured in the course
	SessionSecret  string            `json:"sessionSecret" mapstructure:"sessionsecret"`   // Random string used to sign cookie sessions: `head -c 32 /dev/urandom | base64`

	// parameters where the default is usually sufficient
	ToolName          string        `json:"toolName" mapstructure:"toolname"`                   // LTI human readable name: default "Staff Graded Assignment"
	ToolID            string        `json:"toolID" mapstructure:"toolid"`                       // LTI unique ID: default "sga"
	ToolDescription   string        `json:"toolDescription" mapstructure:"tooldescription"`     // LTI description
	SQLite3Path       string        `json:"sqlite3Path" mapstructure:"sqlite3path"`             // path to the sqlite database file: default "$SGAROOT/db/sga.db"
	SessionLifetime   time.Duration `json:"sessionLifetime" mapstructure:"sessionlifetime"`     // how long a session cookie stays valid: default 12h
	GradeTimeout      time.Duration `json:"gradeTimeout" mapstructure:"gradetimeout"`           // limit on a single grade return: default 10s
	StudioUsername    string        `json:"studioUsername" mapstructure:"studiousername"`       // username the host uses for authoring previews
	UnknownUserPrefix string        `json:"unknownUserPrefix" mapstructure:"unknownuserprefix"` // prefix for users launched without a sourced id

	// document storage
	StorageDir  string        `json:"storageDir" mapstructure:"storagedir"`   // local directory for documents when no bucket is set
	S3Bucket    string        `json:"s3Bucket" mapstructure:"s3bucket"`       // bucket for uploaded documents
	S3Region    string        `json:"s3Region" mapstructure:"s3region"`       // default "us-east-1"
	S3Endpoint  string        `json:"s3Endpoint" mapstructure:"s3endpoint"`   // custom endpoint for S3-compatible stores
	S3AccessKey string        `json:"s3AccessKey" mapstructure:"s3accesskey"` // static credentials, else the default chain
	S3SecretKey string        `json:"s3SecretKey" mapstructure:"s3secretkey"`
	URLLifetime time.Duration `json:"urlLifetime" mapstructure:"urllifetime"` // presigned download lifetime: default 15m

	LogFile  string `json:"logFile" mapstructure:"logfile"`   // rotate logs into this file as well as stderr
	LogLevel string `json:"logLevel" mapstructure:"loglevel"` // logrus level name: default "info"
}

var root string
var port string

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("toolname", "Staff Graded Assignment")
	v.SetDefault("toolid", "sga")
	v.SetDefault("tooldescription", "Student file submissions graded by course staff")
	v.SetDefault("sqlite3path", filepath.Join(root, "db", "sga.db"))
	v.SetDefault("sessionlifetime", "12h")
	v.SetDefault("gradetimeout", "10s")
	v.SetDefault("studiousername", StudioUsername)
	v.SetDefault("unknownuserprefix", "unknown-")
	v.SetDefault("storagedir", filepath.Join(root, "documents"))
	v.SetDefault("s3region", "us-east-1")
	v.SetDefault("urllifetime", "15m")
	v.SetDefault("loglevel", "info")
}

// loadConfig fills Config from $SGAROOT/config.json when present,
// with SGA_* environment variables taking precedence.
func loadConfig() error {
	v := viper.New()
	setConfigDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(root)
	v.SetEnvPrefix("SGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"hostname", "sessionsecret", "s3bucket", "s3endpoint", "s3accesskey", "s3secretkey"} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to load config file: %w", err)
		}
		log.Printf("no config file found in %s, using defaults and environment", root)
	}

	if err := v.Unmarshal(&Config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// SGA_LTI_CREDENTIALS=key1:secret1,key2:secret2
	if raw := os.Getenv("SGA_LTI_CREDENTIALS"); raw != "" {
		creds, err := parseCredentials(raw)
		if err != nil {
			return err
		}
		Config.LTICredentials = creds
	}

	Config.SessionSecret = unBase64(Config.SessionSecret)
	return nil
}

func parseCredentials(s string) (map[string]string, error) {
	creds := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, secret, ok := strings.Cut(pair, ":")
		if !ok || key == "" || secret == "" {
			return nil, fmt.Errorf("malformed LTI credential %q: expected key:secret", pair)
		}
		creds[key] = secret
	}
	return creds, nil
}

func checkServeConfig() error {
	if Config.Hostname == "" {
		return fmt.Errorf("cannot run with no hostname in the config")
	}
	if len(Config.LTICredentials) == 0 {
		return fmt.Errorf("cannot run with no ltiCredentials in the config")
	}
	if Config.SessionSecret == "" {
		return fmt.Errorf("cannot run with no sessionSecret in the config")
	}
	if Config.SQLite3Path == "" {
		return fmt.Errorf("cannot run with no sqlite3Path in the config")
	}
	return nil
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(Config.LogLevel)
	if err != nil {
		log.Warnf("unknown log level %q, using info", Config.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if Config.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   Config.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}))
	}
}

func unBase64(s string) string {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(raw)
	}
	return s
}
