// Stash uses flags and a single config file for configuration.
// A config file is a JSON object holding the values that can be set via flags: every leaf key is a flag name and
// nested objects only group related flags together. The file is decoded with protojson into a structpb.Struct.

package config

import (
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var configFilePath = flag.String("config_file", "config.json", "Path to the configuration file.")

// defaultsConfig lists every flag the stash binary registers, along with its default value.
//
//go:embed defaults.json
var defaultsConfig []byte

// skippedConfigFlags is the list of command line flags that are not expected in the config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them.
// Values in the config file take precedence over the command line.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}
	if err := LoadFile(*configFilePath); errors.Is(err, os.ErrNotExist) {
		slog.Debug("Config file does not exist.", "path", *configFilePath)
	} else if err != nil { // Fall back to flag values.
		slog.Error("Failed to apply config file.", "path", *configFilePath, "error", err)
	}
}

// LoadFile reads the config file at `path` and sets every flag it mentions.
func LoadFile(path string) error {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	conf, err := parseConfig(configBytes)
	if err != nil {
		return err
	}
	return setConfigFlags(conf)
}

func parseConfig(configBytes []byte) (*structpb.Struct, error) {
	conf := new(structpb.Struct)
	if err := protojson.Unmarshal(configBytes, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return conf, nil
}

// structValueToString converts a config leaf to its string representation suitable for flag setting.
func structValueToString(v *structpb.Value) (string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue), nil
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, 64), nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	default:
		return "", fmt.Errorf("unsupported value kind %T", kind)
	}
}

// collectFlags walks `conf` and records flag values into `flags`. Lists and nulls are not supported.
func collectFlags(flags map[ /*flagName*/ string] /*flagValue*/ string, conf *structpb.Struct) error {
	for name, value := range conf.GetFields() {
		// Recurse into groups.
		if nested := value.GetStructValue(); nested != nil {
			if err := collectFlags(flags, nested); err != nil {
				return err
			}
			continue
		}
		stringValue, err := structValueToString(value)
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", name, err)
		}
		if _, alreadyExists := flags[name]; alreadyExists {
			return fmt.Errorf("flag '%s' has multiple entries in config", name)
		}
		flags[name] = stringValue
	}
	return nil
}

// setConfigFlags sets all the filled flags in the given `conf` to the global flag variables.
func setConfigFlags(conf *structpb.Struct) error {
	configFlags := make(map[ /*flagName*/ string] /*flagValue*/ string)
	if err := collectFlags(configFlags, conf); err != nil {
		return fmt.Errorf("failed to collect flags: %w", err)
	}
	for flagName, flagValue := range configFlags {
		if setErr := flag.Set(flagName, flagValue); setErr != nil {
			return fmt.Errorf("failed to set flag %s: %w", flagName, setErr)
		}
	}
	return nil
}

// CollectUnregisteredFlags collects all flags that don't have an entry in the defaults config.
// An error exists in the results corresponding to each unregistered flag.
func CollectUnregisteredFlags() []error {
	conf, err := parseConfig(defaultsConfig)
	if err != nil {
		return []error{err}
	}
	definedFlags := make(map[string]string)
	if err := collectFlags(definedFlags, conf); err != nil {
		return []error{err}
	}
	errs := make([]error, 0)
	flag.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Name, "test.") { // Skip test flags.
			return
		}
		if slices.Contains(skippedConfigFlags, f.Name) {
			return
		}
		if _, flagHasConfigEntry := definedFlags[f.Name]; !flagHasConfigEntry {
			errs = append(errs, fmt.Errorf("flag '%s' has not been defined in defaults.json", f.Name))
		}
	})
	return errs
}
