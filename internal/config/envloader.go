package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// LoadFromEnv overrides cfg with the MEMPROF_* variables named by the `env`
// struct tags, nested structs included. Unset or empty variables leave
// fields untouched.
func LoadFromEnv(cfg *Config) error {
	return walkEnv(reflect.ValueOf(cfg).Elem(), func(field reflect.Value, name, env, raw string) error {
		if err := setFromEnv(field, raw); err != nil {
			return fmt.Errorf("invalid value %q for %s (%s): %w", raw, name, env, err)
		}
		return nil
	})
}

func walkEnv(v reflect.Value, apply func(field reflect.Value, name, env, raw string) error) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		field := v.Field(i)
		if !sf.IsExported() {
			continue
		}

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := walkEnv(field, apply); err != nil {
				return err
			}
			continue
		}

		env := sf.Tag.Get("env")
		if env == "" {
			continue
		}
		if raw := os.Getenv(env); raw != "" {
			if err := apply(field, sf.Name, env, raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func setFromEnv(field reflect.Value, raw string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(raw)
	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case field.CanInt():
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
