package config

import (
	"context"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
	"github.com/keboola/keboola-shardjob/internal/pkg/validator"
)

const (
	ConfigFileFlag = "config-file"
	EnvFileFlag    = "env-file"
)

// field is a leaf of the configuration structure.
type field struct {
	// Key is the path of the field in the viper registry and in the configuration file, for example "etcd.endpoint".
	Key       string
	Usage     string
	Sensitive bool
	Value     reflect.Value
}

func (f field) FlagName() string {
	return strings.ReplaceAll(f.Key, ".", "-")
}

func (f field) EnvName() string {
	return EnvPrefix + strcase.ToScreamingSnake(f.Key)
}

// GenerateFlags adds a flag for each configuration field, the default value is taken from New.
func GenerateFlags(fs *pflag.FlagSet) {
	fs.String(ConfigFileFlag, "", "Path to a YAML configuration file.")
	fs.String(EnvFileFlag, ".env", "Path to a file with ENVs, ignored if it does not exist.")

	defaults := New()
	for _, f := range collectFields(reflect.ValueOf(&defaults).Elem(), "") {
		name, usage := f.FlagName(), f.Usage+" ENV: "+f.EnvName()
		switch v := f.Value.Interface().(type) {
		case bool:
			fs.Bool(name, v, usage)
		case int:
			fs.Int(name, v, usage)
		case string:
			fs.String(name, v, usage)
		case time.Duration:
			fs.Duration(name, v, usage)
		default:
			panic(errors.Errorf(`unexpected type "%T" of the configuration field "%s"`, v, f.Key))
		}
	}
}

// Bind loads the configuration from sources, in order of priority from the lowest:
// defaults, the configuration file, ENVs and flags. Values from the ENV file are loaded as ENVs.
// The flags must be generated by GenerateFlags and already parsed.
func Bind(ctx context.Context, fs *pflag.FlagSet, val *validator.Validator) (Config, error) {
	cfg := New()
	v := viper.New()

	if err := loadEnvFile(fs); err != nil {
		return cfg, err
	}

	if path, _ := fs.GetString(ConfigFileFlag); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.PrefixErrorf(err, `cannot read configuration file "%s"`, path)
		}
	}

	errs := errors.NewMultiError()
	for _, f := range collectFields(reflect.ValueOf(&cfg).Elem(), "") {
		if err := v.BindEnv(f.Key, f.EnvName()); err != nil {
			errs.Append(err)
		}
		if flag := fs.Lookup(f.FlagName()); flag != nil {
			if err := v.BindPFlag(f.Key, flag); err != nil {
				errs.Append(err)
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return cfg, err
	}

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return cfg, errors.PrefixError(err, "cannot decode configuration")
	}

	cfg.Normalize()
	if err := cfg.Validate(ctx, val); err != nil {
		return cfg, errors.PrefixError(err, "invalid configuration")
	}
	return cfg, nil
}

// loadEnvFile sets ENVs from the file, already defined ENVs are not overwritten.
func loadEnvFile(fs *pflag.FlagSet) error {
	path, _ := fs.GetString(EnvFileFlag)
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		flag := fs.Lookup(EnvFileFlag)
		if flag != nil && flag.Changed {
			return errors.Errorf(`ENV file "%s" not found`, path)
		}
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return errors.PrefixErrorf(err, `cannot load ENV file "%s"`, path)
	}
	return nil
}

// collectFields visits the structure recursively, nested structures are joined by a dot.
func collectFields(value reflect.Value, prefix string) (out []field) {
	t := value.Type()
	for i := range t.NumField() {
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}

		name, _, _ := strings.Cut(structField.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			continue
		}

		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		fieldValue := value.Field(i)
		if fieldValue.Kind() == reflect.Struct {
			out = append(out, collectFields(fieldValue, key)...)
			continue
		}

		out = append(out, field{
			Key:       key,
			Usage:     structField.Tag.Get("usage"),
			Sensitive: structField.Tag.Get("sensitive") == "true",
			Value:     fieldValue,
		})
	}
	return out
}
