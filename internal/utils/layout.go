package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"

	"github.com/joho/godotenv"
	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/pkg/schema"
)

// LoadLayout returns the runtime layout.
// It starts from the Android defaults, applies the layout env file and then the process environment.
// KSU_ADB_DIR and KSU_TEMP_DIR re-derive every dependent path before the specific keys are applied.
func LoadLayout(path string) (schema.Layout, error) {
	if path == "" {
		path = os.Getenv(constants.LayoutEnvVar)
	}
	if path == "" {
		path = constants.DefaultLayout
	}

	values := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		values, err = godotenv.Read(path)
		if err != nil {
			return schema.DefaultLayout(), fmt.Errorf("reading layout %s: %w", path, err)
		}
		Log.Debug().Str("what", path).Interface("values", values).Msg("loaded layout file")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return schema.DefaultLayout(), err
	}

	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return values[key]
	}

	def := schema.DefaultLayout()
	adb, tmp := def.AdbDir, def.TempDir
	if v := lookup("KSU_ADB_DIR"); v != "" {
		adb = v
	}
	if v := lookup("KSU_TEMP_DIR"); v != "" {
		tmp = v
	}
	l := schema.LayoutFor(adb, tmp)

	rv := reflect.ValueOf(&l).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		if v := lookup(key); v != "" {
			rv.Field(i).SetString(v)
		}
	}
	return l, nil
}
