package utils

import (
	"reflect"
	"strconv"

	"kiro2chat/internal/types"
)

// DefaultSystemSettings returns a SystemSettings populated from the struct's
// default tags. Fields without a default tag are left at their zero value.
func DefaultSystemSettings() types.SystemSettings {
	var settings types.SystemSettings
	v := reflect.ValueOf(&settings).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		def, ok := t.Field(i).Tag.Lookup("default")
		if !ok {
			continue
		}

		field := v.Field(i)
		switch field.Kind() {
		case reflect.String:
			field.SetString(def)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if n, err := strconv.ParseInt(def, 10, 64); err == nil {
				field.SetInt(n)
			}
		case reflect.Bool:
			if b, err := strconv.ParseBool(def); err == nil {
				field.SetBool(b)
			}
		case reflect.Float32, reflect.Float64:
			if f, err := strconv.ParseFloat(def, 64); err == nil {
				field.SetFloat(f)
			}
		}
	}

	return settings
}
