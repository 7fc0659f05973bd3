/*
 * Copyright 2025 GridPulse Energy, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gridpulse/deviceserver/pkg/models"
)

var (
	// ErrDstMustBeNonNilPointer indicates that the destination must be a non-nil pointer.
	ErrDstMustBeNonNilPointer = errors.New("dst must be a non-nil pointer")
	// ErrDstMustBePointerToStruct indicates that the destination must be a pointer to a struct.
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")
)

// applyEnvOverrides walks dst and overrides any field carrying an
// `env:"NAME"` tag from the environment. Group prefixes come from the
// enclosing field's `envprefix:"..."` tag, so DEVICE_SERVER_PORT maps
// to Config.Server.Port and SYSTEM_A_BASE_URL to
// Config.ControlPlane.BaseURL.
func applyEnvOverrides(dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	return walkStruct(v, v.Type(), "")
}

func walkStruct(v reflect.Value, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldPrefix := prefix
		if p, ok := field.Tag.Lookup("envprefix"); ok {
			fieldPrefix = p
		}

		fv := v.Field(i)

		if name, ok := field.Tag.Lookup("env"); ok {
			raw, present := os.LookupEnv(fieldPrefix + name)
			if !present {
				continue
			}

			if err := setField(fv, raw); err != nil {
				return fmt.Errorf("%s%s: %w", fieldPrefix, name, err)
			}

			continue
		}

		if fv.Kind() == reflect.Struct {
			if err := walkStruct(fv, field.Type, fieldPrefix); err != nil {
				return err
			}
		}
	}

	return nil
}

func setField(fv reflect.Value, raw string) error {
	// Duration fields accept "30s" style strings or bare seconds.
	if fv.Type() == reflect.TypeOf(models.Duration(0)) {
		d, err := parseDuration(raw)
		if err != nil {
			return err
		}

		fv.Set(reflect.ValueOf(models.Duration(d)))

		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}

		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}

		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() == reflect.Int {
			parts := strings.Split(raw, ",")
			out := reflect.MakeSlice(fv.Type(), 0, len(parts))

			for _, p := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil {
					return err
				}

				out = reflect.Append(out, reflect.ValueOf(n))
			}

			fv.Set(out)

			return nil
		}

		return fmt.Errorf("unsupported slice type %s", fv.Type())
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}

	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}

	return time.Duration(secs * float64(time.Second)), nil
}
