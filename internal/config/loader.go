package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// EnvPrefix starts every environment override, e.g. LISTENER_VAD_SENSITIVITY
// or LISTENER_STT_REMOTE_API_KEY.
const EnvPrefix = "LISTENER_"

// Loader loads the YAML file and applies environment overrides. Tests can
// override Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load reads path (defaults only when path is empty), applies overrides and
// validates.
func (l Loader) Load(path string) (*Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	var config *Config
	if path == "" {
		d := Default()
		config = &d
	} else {
		var err error
		if config, err = readFile(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(l.Lookup, reflect.ValueOf(config).Elem(), strings.TrimSuffix(EnvPrefix, "_")); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// applyEnv walks the struct by yaml tag. The variable name is the prefix and
// the upper-cased tag path joined with underscores.
func applyEnv(lookup func(string) (string, bool), v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + strings.ToUpper(tag)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := applyEnv(lookup, fv, key); err != nil {
				return err
			}
			continue
		}

		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setValue(fv, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

func setValue(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		fv.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		fv.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		fv.SetBool(b)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		parts := strings.Fields(raw)
		fv.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
