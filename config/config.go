// Package config loads the cluster daemon's tunables from a Redis-conf
// style key-value file, generalizing the existing environment-variable
// configuration (utils.GetEnv) to a file-backed source with env-var
// overrides layered on top, decoded through mapstructure the way a
// struct-tagged config loader normally is in this stack.
package config

import (
	"bufio"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/code-100-precent/clusterbus/cluster"
	"github.com/code-100-precent/clusterbus/utils"
)

// FileConfig mirrors cluster.Config's tunables using the conf file's
// key names (milliseconds rather than time.Duration, since that's how
// the on-disk format spells a timeout).
type FileConfig struct {
	NodeID                  string `mapstructure:"cluster-node-id"`
	ClientPort              int    `mapstructure:"port"`
	BusPort                 int    `mapstructure:"cluster-bus-port"`
	DataDir                 string `mapstructure:"dir"`
	NodeTimeoutMs           int64  `mapstructure:"cluster-node-timeout"`
	FailReportValidityMult  int    `mapstructure:"cluster-fail-report-validity-mult"`
	FailUndoTimeMult        int    `mapstructure:"cluster-fail-undo-time-mult"`
	FailUndoTimeAddMs       int64  `mapstructure:"cluster-fail-undo-time-add"`
	ManualFailoverTimeoutMs int64  `mapstructure:"cluster-mf-timeout"`
	RequireFullCoverage     bool   `mapstructure:"cluster-require-full-coverage"`
	AllowReplicaMigration   bool   `mapstructure:"cluster-allow-replica-migration"`
	SlaveMigrationDelayMs   int64  `mapstructure:"cluster-migration-barrier-delay"`
	LogLevel                string `mapstructure:"loglevel"`

	// hasRequireFullCoverage/hasAllowReplicaMigration record whether the
	// conf file set these keys at all, since a bare bool can't tell
	// "explicitly false" apart from "absent" the way the numeric
	// tunables' "> 0 means set" check can.
	hasRequireFullCoverage   bool
	hasAllowReplicaMigration bool
}

// parseConfLines reads a Redis-conf style file: one "key value..." pair
// per line, blank lines and '#' comments ignored, repeated keys keep the
// last value.
func parseConfLines(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening cluster config file")
	}
	defer f.Close()

	raw := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		raw[fields[0]] = strings.Join(fields[1:], " ")
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning cluster config file")
	}
	return raw, nil
}

// decodeHook converts the conf file's loosely-typed string values into
// the FileConfig field's declared kind (int64/int/bool) before
// mapstructure assigns them.
func decodeHook(from, to reflect.Kind, data interface{}) (interface{}, error) {
	if from != reflect.String {
		return data, nil
	}
	s := data.(string)
	switch to {
	case reflect.Int64:
		return strconv.ParseInt(s, 10, 64)
	case reflect.Int:
		return strconv.Atoi(s)
	case reflect.Bool:
		switch strings.ToLower(s) {
		case "yes", "true", "1":
			return true, nil
		case "no", "false", "0":
			return false, nil
		}
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}

// LoadFile parses a cluster.conf style file into a FileConfig.
func LoadFile(path string) (*FileConfig, error) {
	raw, err := parseConfLines(path)
	if err != nil {
		return nil, err
	}
	values := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		values[k] = v
	}

	var fc FileConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: decodeHook,
		Result:     &fc,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building cluster config decoder")
	}
	if err := dec.Decode(values); err != nil {
		return nil, errors.Wrap(err, "decoding cluster config file")
	}
	_, fc.hasRequireFullCoverage = raw["cluster-require-full-coverage"]
	_, fc.hasAllowReplicaMigration = raw["cluster-allow-replica-migration"]
	return &fc, nil
}

// envOverrides are applied after the file so an operator can override a
// single setting without editing the conf file, the same precedence the
// teacher's utils.GetEnv gives environment variables over defaults.
func applyEnvOverrides(fc *FileConfig) {
	if v := utils.GetEnv("CLUSTERBUS_NODE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fc.NodeTimeoutMs = n
		}
	}
	if v := utils.GetEnv("CLUSTERBUS_LOG_LEVEL"); v != "" {
		fc.LogLevel = v
	}
	if v := utils.GetEnv("CLUSTERBUS_BUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			fc.BusPort = n
		}
	}
}

// ToClusterConfig builds a cluster.Config from fc, falling back to
// cluster.DefaultConfig for any zero-valued tunable.
func (fc *FileConfig) ToClusterConfig() cluster.Config {
	cfg := cluster.DefaultConfig()
	if fc.NodeTimeoutMs > 0 {
		cfg.NodeTimeout = time.Duration(fc.NodeTimeoutMs) * time.Millisecond
	}
	if fc.FailReportValidityMult > 0 {
		cfg.FailReportValidityMult = fc.FailReportValidityMult
	}
	if fc.FailUndoTimeMult > 0 {
		cfg.FailUndoTimeMult = fc.FailUndoTimeMult
	}
	if fc.FailUndoTimeAddMs > 0 {
		cfg.FailUndoTimeAdd = time.Duration(fc.FailUndoTimeAddMs) * time.Millisecond
	}
	if fc.ManualFailoverTimeoutMs > 0 {
		cfg.ManualFailoverTimeout = time.Duration(fc.ManualFailoverTimeoutMs) * time.Millisecond
	}
	if fc.SlaveMigrationDelayMs > 0 {
		cfg.SlaveMigrationDelay = time.Duration(fc.SlaveMigrationDelayMs) * time.Millisecond
	}
	if fc.hasRequireFullCoverage {
		cfg.RequireFullCoverage = fc.RequireFullCoverage
	}
	if fc.hasAllowReplicaMigration {
		cfg.AllowReplicaMigration = fc.AllowReplicaMigration
	}
	return cfg
}

// Load reads path, layers environment overrides on top, and returns the
// resulting FileConfig plus the cluster.Config derived from it.
func Load(path string) (*FileConfig, cluster.Config, error) {
	fc, err := LoadFile(path)
	if err != nil {
		return nil, cluster.Config{}, err
	}
	applyEnvOverrides(fc)
	return fc, fc.ToClusterConfig(), nil
}
