package validation

import (
	"bytes"
	"encoding/json"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"go-timer/internal/api"
	"go-timer/internal/timeparse"
)

func RegisterJobValidation(validate *validator.Validate, minInterval time.Duration) error {
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		fullJson := field.Tag.Get("json")
		if fullJson == "-" {
			return ""
		}
		jsonName := strings.SplitN(fullJson, ",", 2)[0]
		if jsonName != "" {
			return jsonName
		}
		return field.Name
	})

	err := validate.RegisterValidation("minInterval", func(fl validator.FieldLevel) bool {
		interval := api.Duration(fl.Field().Float())
		return interval > 0 && interval >= minInterval && interval <= api.MaxInterval
	})
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("httpURL", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	})
	if err != nil {
		return err
	}

	err = validate.RegisterValidation("jsonObject", func(fl validator.FieldLevel) bool {
		raw := bytes.TrimSpace(fl.Field().Bytes())
		var obj map[string]json.RawMessage
		return len(raw) > 0 && raw[0] == '{' && json.Unmarshal(raw, &obj) == nil
	})
	if err != nil {
		return err
	}

	return validate.RegisterValidation("timestamp", func(fl validator.FieldLevel) bool {
		_, err := timeparse.ParseTimestamp(fl.Field().String(), time.UTC)
		return err == nil
	})
}
