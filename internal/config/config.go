// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/smsleopard-relay/internal/errors"
)

const (
	ENV_PREFIX = "smsrelay"

	DEFAULT_FETCH_PROCEDURE = "USP_VF_FETCH_SMS"
	DEFAULT_MARK_PROCEDURE  = "USP_VF_UPDATE_SMS"
)

// DatabaseKind selects the outbox store implementation.
type DatabaseKind string

const (
	SQLServer DatabaseKind = "SQLServer"
	Oracle    DatabaseKind = "Oracle"
	Postgres  DatabaseKind = "Postgres"
)

// Logical column roles used in ColumnMappings.
const (
	ColumnID            = "id"
	ColumnMobile        = "mobile"
	ColumnMessage       = "message"
	ColumnProcessedOn   = "processedOn"
	ColumnTransmittedOn = "transmittedOn"
)

var defaultColumns = map[string]string{
	ColumnID:            "SmsID",
	ColumnMobile:        "MobileNumber",
	ColumnMessage:       "MessageText",
	ColumnProcessedOn:   "SMS_process_on",
	ColumnTransmittedOn: "SMS_transmitted_on",
}

// procedure names end up in the call text, so only plain (optionally schema-qualified) identifiers pass
var procedureName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_$#]*(\.[A-Za-z][A-Za-z0-9_$#]*)?$`)

// ParseDatabaseKind maps the configured databaseType onto a DatabaseKind.
func ParseDatabaseKind(s string) (DatabaseKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlserver", "sql", "mssql":
		return SQLServer, nil
	case "oracle":
		return Oracle, nil
	case "postgres", "postgresql":
		return Postgres, nil
	}
	return "", fmt.Errorf("database type %q is not supported", s)
}

// Configuration is the outbox store description written by the admin UI.
// Keys are matched case-insensitively, so PascalCase files load as well.
type Configuration struct {
	ConnectionString string            `json:"connectionString" envconfig:"CONNECTION_STRING"`
	DatabaseType     string            `json:"databaseType" envconfig:"DATABASE_TYPE"`
	TableName        string            `json:"tableName" envconfig:"TABLE_NAME"`
	ColumnMappings   map[string]string `json:"columnMappings" ignored:"true"`
	FetchProcedure   string            `json:"fetchProcedure" envconfig:"FETCH_PROCEDURE"`
	MarkProcedure    string            `json:"markProcedure" envconfig:"MARK_PROCEDURE"`

	Kind DatabaseKind `json:"-" ignored:"true"`
}

// Load reads the configuration file at path and applies environment overrides.
func Load(path string, logger logrus.FieldLogger) (*Configuration, error) {
	const op = "load config"
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.New(appErrors.ConfigurationMissing, op,
				fmt.Errorf("configuration file not found at %s", path))
		}
		return nil, appErrors.New(appErrors.ConfigurationInvalid, op, err)
	}
	defer f.Close()

	var cnf Configuration
	if err := json.NewDecoder(f).Decode(&cnf); err != nil {
		return nil, appErrors.New(appErrors.ConfigurationInvalid, op,
			fmt.Errorf("failed to parse %s: %w", path, err))
	}

	// override config from environment variables
	if err := envconfig.Process(ENV_PREFIX, &cnf); err != nil {
		return nil, appErrors.New(appErrors.ConfigurationInvalid, op, err)
	}

	if err := cnf.validateAndAddDefaults(logger); err != nil {
		return nil, appErrors.New(appErrors.ConfigurationInvalid, op, err)
	}

	return &cnf, nil
}

// GenerateConnectionString returns the connection string, refusing to hand out an empty one.
func (cnf *Configuration) GenerateConnectionString() (string, error) {
	cs := strings.TrimSpace(cnf.ConnectionString)
	if cs == "" {
		return "", appErrors.New(appErrors.ConfigurationInvalid, "generate connection string",
			errors.New("connection string is not set"))
	}
	return cs, nil
}

// Column returns the physical column name for a logical role.
func (cnf *Configuration) Column(role string) string {
	if c, ok := cnf.ColumnMappings[role]; ok && c != "" {
		return c
	}
	return defaultColumns[role]
}

func (cnf *Configuration) validateAndAddDefaults(logger logrus.FieldLogger) error {
	cnf.ConnectionString = strings.TrimSpace(cnf.ConnectionString)
	cnf.TableName = strings.TrimSpace(cnf.TableName)
	cnf.FetchProcedure = strings.TrimSpace(cnf.FetchProcedure)
	cnf.MarkProcedure = strings.TrimSpace(cnf.MarkProcedure)

	if strings.TrimSpace(cnf.DatabaseType) == "" {
		logger.Warnf("databaseType not specified in config. Defaulting to %s", SQLServer)
		cnf.DatabaseType = string(SQLServer)
	}
	kind, err := ParseDatabaseKind(cnf.DatabaseType)
	if err != nil {
		return err
	}
	cnf.Kind = kind

	if cnf.FetchProcedure == "" {
		cnf.FetchProcedure = DEFAULT_FETCH_PROCEDURE
	}
	if cnf.MarkProcedure == "" {
		cnf.MarkProcedure = DEFAULT_MARK_PROCEDURE
	}
	for _, p := range []string{cnf.FetchProcedure, cnf.MarkProcedure} {
		if !procedureName.MatchString(p) {
			return fmt.Errorf("invalid stored procedure name %q", p)
		}
	}

	columns := make(map[string]string, len(defaultColumns))
	for role, col := range cnf.ColumnMappings {
		if _, known := defaultColumns[role]; !known {
			logger.Warnf("ignoring unknown column role %q in columnMappings", role)
			continue
		}
		columns[role] = strings.TrimSpace(col)
	}
	for role, col := range defaultColumns {
		if columns[role] == "" {
			columns[role] = col
		}
	}
	cnf.ColumnMappings = columns

	return nil
}

// Settings holds the process knobs. They come from the environment only.
type Settings struct {
	ConfigPath       string        `envconfig:"CONFIG_PATH" default:"dbconfig.json"`
	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
	OperationTimeout time.Duration `envconfig:"OPERATION_TIMEOUT" default:"30s"`
	JournalPath      string        `envconfig:"JOURNAL_PATH" default:"VF_SMS.txt"`
	HTTPAddr         string        `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
	AMQPURL          string        `envconfig:"AMQP_URL"`
	AMQPQueue        string        `envconfig:"AMQP_QUEUE" default:"sms_outbound"`
	MaxOpenConns     int           `envconfig:"MAX_OPEN_CONNS" default:"4"`
}

// LoadSettings reads SMSRELAY_* variables.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(ENV_PREFIX, &s); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	if s.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if s.OperationTimeout <= 0 {
		return errors.New("operation timeout must be positive")
	}
	if strings.TrimSpace(s.ConfigPath) == "" {
		return errors.New("config path is required")
	}
	if strings.TrimSpace(s.JournalPath) == "" {
		return errors.New("journal path is required")
	}
	// a fetch cursor stays open while each mark call runs on a second connection
	if s.MaxOpenConns < 2 {
		logrus.Warnf("max open connections %d is too low. Setting it to 2", s.MaxOpenConns)
		s.MaxOpenConns = 2
	}
	if s.AMQPURL != "" && strings.TrimSpace(s.AMQPQueue) == "" {
		return errors.New("amqp queue name is required when amqp url is set")
	}
	return nil
}
