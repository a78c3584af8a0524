package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SimonGino/video-processor/internal/config"
	"github.com/SimonGino/video-processor/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing video-processor configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  video-processor config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml in ., ./configs, /etc/video-processor)
  - Environment variables (VIDEO_PROCESSOR_SERVER_PORT, VIDEO_PROCESSOR_DATABASE_DSN, etc.)
  - Command-line flags (for some options)

Environment variables use the VIDEO_PROCESSOR_ prefix and underscores for nesting.
Example: server.port -> VIDEO_PROCESSOR_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map keyed by mapstructure tags, formatting
// durations and sizes for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Tag.Get("yaml")
		}
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = duration.Format(v)
		case config.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		default:
			switch {
			case field.Kind() == reflect.Struct:
				result[key] = toMap(field.Interface())
			case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Struct:
				items := make([]map[string]any, 0, field.Len())
				for j := 0; j < field.Len(); j++ {
					items = append(items, toMap(field.Index(j).Interface()))
				}
				result[key] = items
			default:
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	// Load config with defaults (no file, just defaults)
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Convert to map with human-readable values
	cfgMap := toMap(cfg)

	// Marshal to YAML
	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Print header with documentation
	fmt.Println("# video-processor Configuration File")
	fmt.Println("# ==================================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 30s, 5m, 1h, 30d")
	fmt.Println("# Size format: 5MB, 1GB")
	fmt.Println("#")
	fmt.Println("# Streamers to monitor are configured as a list, for example:")
	fmt.Println("#   streamers:")
	fmt.Println("#     - name: 星奈")
	fmt.Println("#       room_id: \"812042\"")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   VIDEO_PROCESSOR_SERVER_HOST, VIDEO_PROCESSOR_SERVER_PORT")
	fmt.Println("#   VIDEO_PROCESSOR_DATABASE_DRIVER, VIDEO_PROCESSOR_DATABASE_DSN")
	fmt.Println("#   VIDEO_PROCESSOR_STORAGE_BASE_DIR, VIDEO_PROCESSOR_UPLOAD_META_FILE")
	fmt.Println("#   VIDEO_PROCESSOR_LOGGING_LEVEL, VIDEO_PROCESSOR_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
