package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/flynn/json5"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rawSection is the on-disk shape of one named section in a JSON5
// config file: one key per config key, using the same
// hyphenated names as the CLI flags. Config carries no struct tags;
// normalizeSectionKeys renames these keys to Config field names before
// mapstructure decodes them.
type rawSection map[string]interface{}

// LoadFile reads a JSON5 document and
// returns one Config per declared section. The order of the returned
// sections follows Go map iteration, not the file. A file with a
// single top-level object that is NOT itself a map-of-maps is treated
// as one anonymous "main" section, for the common single-instance case.
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc map[string]rawSection
	if err := json5.Unmarshal(data, &doc); err == nil && looksLikeSections(doc) {
		return decodeSections(doc)
	}

	var flat rawSection
	if err := json5.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg, err := decodeSection("main", flat)
	if err != nil {
		return nil, err
	}
	return []Config{cfg}, nil
}

// looksLikeSections reports whether a document that already decoded as
// a map of objects declares at least one section. The decode itself is
// what rejects a flat single-section file: it fails as soon as one
// top-level value is not an object.
func looksLikeSections(doc map[string]rawSection) bool {
	return len(doc) > 0
}

func decodeSections(doc map[string]rawSection) ([]Config, error) {
	configs := make([]Config, 0, len(doc))
	for name, raw := range doc {
		cfg, err := decodeSection(name, raw)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func decodeSection(name string, raw rawSection) (Config, error) {
	cfg := Default()
	cfg.Section = name

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "section",
	})
	if err != nil {
		return Config{}, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(normalizeSectionKeys(raw)); err != nil {
		return Config{}, fmt.Errorf("config: decode section %q: %w", name, err)
	}

	if err := applyDerivedFields(&cfg, raw); err != nil {
		return Config{}, fmt.Errorf("config: section %q: %w", name, err)
	}
	return cfg, nil
}

// normalizeSectionKeys maps the file's hyphenated key names onto the
// Config struct's exported field names that mapstructure can bind
// without requiring a `section:"..."` tag on every field.
func normalizeSectionKeys(raw rawSection) rawSection {
	rename := map[string]string{
		"source-lport":    "ListenPort",
		"source-if":       "ListenAddr",
		"target":          "TargetHost",
		"target-if":       "TargetBindAddr",
		"target-lport":    "TargetBindPort",
		"key":             "Key",
		"static-bindings": "StaticBindingsRaw",
		"max-client":      "MaxClient",
		"idle-timeout":    "IdleTimeoutS",
		"max-dummy":       "MaxDummyData",
		"verbose":         "Verbose",
		"masking":         "MaskingProfile",
		"fwmark":          "FirewallMarkRaw",
	}
	out := make(rawSection, len(raw))
	for k, v := range raw {
		if mapped, ok := rename[k]; ok {
			out[mapped] = v
			continue
		}
		out[k] = v
	}
	return out
}

// applyDerivedFields fills in the fields normalizeSectionKeys can't
// decode directly: the key string -> []byte conversion, the "was it
// set" flags, the target host:port split, and the static-bindings list
// parse.
func applyDerivedFields(cfg *Config, raw rawSection) error {
	if v, ok := raw["source-lport"]; ok {
		port, err := coercePort(v)
		if err != nil {
			return fmt.Errorf("source-lport: %w", err)
		}
		cfg.ListenPort = port
		cfg.ListenPortSet = true
	}

	if v, ok := raw["target"]; ok {
		host, portStr, err := net.SplitHostPort(fmt.Sprintf("%v", v))
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return fmt.Errorf("target: invalid port: %w", err)
		}
		cfg.TargetHost = host
		cfg.TargetPort = uint16(port)
		cfg.TargetSet = true
	}

	if v, ok := raw["key"]; ok {
		cfg.Key = []byte(fmt.Sprintf("%v", v))
		cfg.KeySet = true
	}

	if v, ok := raw["static-bindings"]; ok {
		bindings, err := ParseStaticBindings(fmt.Sprintf("%v", v))
		if err != nil {
			return err
		}
		cfg.StaticBindings = bindings
	}

	if v, ok := raw["fwmark"]; ok {
		mark, err := strconv.Atoi(fmt.Sprintf("%v", v))
		if err != nil {
			return fmt.Errorf("fwmark: %w", err)
		}
		cfg.FirewallMark = &mark
	}

	return nil
}

func coercePort(v interface{}) (uint16, error) {
	switch t := v.(type) {
	case float64:
		return uint16(t), nil
	case int:
		return uint16(t), nil
	case string:
		n, err := strconv.ParseUint(t, 10, 16)
		return uint16(n), err
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// BindFlags registers every config key as a CLI flag on fs,
// binding them through a *viper.Viper so flags, environment variables
// and defaults compose for the optional keys. The environment variable
// name is WGOBFS_ plus the upper-cased key with its hyphens kept (e.g.
// WGOBFS_MAX-CLIENT). source-lport, target, key and fwmark are taken
// only from flags that were set on the command line.
// The returned function materializes a single Config from the bound
// values once cobra has parsed argv.
func BindFlags(fs *pflag.FlagSet) (*viper.Viper, func() (Config, error)) {
	v := viper.New()
	v.SetEnvPrefix("WGOBFS")
	v.AutomaticEnv()

	fs.String("config", "", "read configuration from a JSON5 file")
	fs.String("section", "", "config file section to run (multi-instance)")
	fs.String("source-if", "0.0.0.0", "ingress bind address")
	fs.Uint16("source-lport", 0, "ingress UDP port (required)")
	fs.String("target", "", "upstream host:port (required)")
	fs.String("target-if", "", "egress bind address")
	fs.Uint16("target-lport", 0, "egress bind port")
	fs.String("key", "", "XOR obfuscation key, 1..255 bytes (required)")
	fs.String("static-bindings", "", "comma list of client_ip:client_port:local_port")
	fs.Int("max-client", DefaultMaxClient, "maximum concurrent client entries")
	fs.Int("idle-timeout", DefaultIdleTimeoutS, "idle purge timeout in seconds")
	fs.Int("max-dummy", DefaultMaxDummyData, "maximum per-data-packet dummy padding")
	fs.Int("fwmark", 0, "optional firewall mark (SO_MARK, Linux only)")
	fs.String("masking", "", "masking profile name, empty for auto-detect")
	fs.String("verbose", "INFO", "ERROR|WARN|INFO|DEBUG|TRACE or 0..4")

	_ = v.BindPFlags(fs)

	build := func() (Config, error) {
		cfg := Default()
		cfg.ListenAddr = v.GetString("source-if")
		if fs.Changed("source-lport") {
			cfg.ListenPort = uint16(v.GetUint("source-lport"))
			cfg.ListenPortSet = true
		}
		if fs.Changed("target") {
			host, portStr, err := net.SplitHostPort(v.GetString("target"))
			if err != nil {
				return Config{}, fmt.Errorf("config: --target: %w", err)
			}
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				return Config{}, fmt.Errorf("config: --target: invalid port: %w", err)
			}
			cfg.TargetHost = host
			cfg.TargetPort = uint16(port)
			cfg.TargetSet = true
		}
		cfg.TargetBindAddr = v.GetString("target-if")
		if p := v.GetUint("target-lport"); p != 0 {
			cfg.TargetBindPort = uint16(p)
		}
		if fs.Changed("key") {
			cfg.Key = []byte(v.GetString("key"))
			cfg.KeySet = true
		}
		bindings, err := ParseStaticBindings(v.GetString("static-bindings"))
		if err != nil {
			return Config{}, err
		}
		cfg.StaticBindings = bindings
		cfg.MaxClient = v.GetInt("max-client")
		cfg.IdleTimeoutS = v.GetInt("idle-timeout")
		cfg.MaxDummyData = v.GetInt("max-dummy")
		cfg.MaskingProfile = strings.ToLower(v.GetString("masking"))
		cfg.Verbose = v.GetString("verbose")
		if mark := v.GetInt("fwmark"); fs.Changed("fwmark") {
			cfg.FirewallMark = &mark
		}
		if section := v.GetString("section"); section != "" {
			cfg.Section = section
		}
		return cfg, nil
	}

	return v, build
}
