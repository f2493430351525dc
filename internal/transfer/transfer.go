// Package transfer builds the callback body for recurring transfer jobs.
package transfer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ActionURL   = "https://actions.automate.globus.org/transfer/transfer/run"
	ActionScope = "https://auth.globus.org/scopes/actions.globus.org/transfer/transfer"

	MinInterval = time.Minute
)

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9 _,\-]*$`)

type Item struct {
	SourcePath      string `json:"source_path" validate:"required"`
	DestinationPath string `json:"destination_path" validate:"required"`
	Recursive       bool   `json:"recursive"`
}

// Options are the transfer settings a job repeats on every run.
type Options struct {
	SourceEndpoint      string `validate:"required,uuid"`
	DestinationEndpoint string `validate:"required,uuid"`
	Label               string `validate:"max=128,transferLabel"`
	SyncLevel           *int   `validate:"omitempty,min=0,max=3"`
	EncryptData         bool
	VerifyChecksum      bool
	PreserveTimestamp   bool
	Items               []Item `validate:"required,min=1,dive"`
}

type actionBody struct {
	SourceEndpointId      string `json:"source_endpoint_id"`
	DestinationEndpointId string `json:"destination_endpoint_id"`
	TransferItems         []Item `json:"transfer_items"`
	Label                 string `json:"label"`
	SyncLevel             *int   `json:"sync_level,omitempty"`
	EncryptData           bool   `json:"encrypt_data"`
	VerifyChecksum        bool   `json:"verify_checksum"`
	PreserveTimestamp     bool   `json:"preserve_timestamp"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("transferLabel", func(fl validator.FieldLevel) bool {
		return labelPattern.MatchString(fl.Field().String())
	})
	return v
}

// CallbackBody validates opts and returns the {"body": ...} document the
// transfer action expects. An empty label is derived from the job name.
func CallbackBody(jobName string, opts Options) (json.RawMessage, error) {
	if err := validate.Struct(opts); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return nil, describe(validationErrors)
		}
		return nil, err
	}

	label := opts.Label
	if label == "" {
		label = fmt.Sprintf("Job from Timer service named %s", jobName)
	}
	body := struct {
		Body actionBody `json:"body"`
	}{actionBody{
		SourceEndpointId:      opts.SourceEndpoint,
		DestinationEndpointId: opts.DestinationEndpoint,
		TransferItems:         opts.Items,
		Label:                 label,
		SyncLevel:             opts.SyncLevel,
		EncryptData:           opts.EncryptData,
		VerifyChecksum:        opts.VerifyChecksum,
		PreserveTimestamp:     opts.PreserveTimestamp,
	}}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer body: %w", err)
	}
	return raw, nil
}

func describe(errs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "uuid":
			msgs = append(msgs, fmt.Sprintf("%s must be an endpoint UUID", fe.Field()))
		case "transferLabel":
			msgs = append(msgs, "label may only contain letters, numbers, spaces and - _ ,")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// CheckInterval rejects intervals shorter than the transfer minimum.
func CheckInterval(interval time.Duration) error {
	if interval < MinInterval {
		return fmt.Errorf("interval is too short, minimum is %s", MinInterval)
	}
	return nil
}

// ParseItem parses "src,dst[,recursive]".
func ParseItem(s string) (Item, error) {
	fields := strings.Split(s, ",")
	if len(fields) < 2 || len(fields) > 3 {
		return Item{}, fmt.Errorf("item %q: expected SRC,DST[,RECURSIVE]", s)
	}
	return newItem(fields)
}

func newItem(fields []string) (Item, error) {
	item := Item{
		SourcePath:      strings.TrimSpace(fields[0]),
		DestinationPath: strings.TrimSpace(fields[1]),
	}
	if item.SourcePath == "" || item.DestinationPath == "" {
		return Item{}, errors.New("source and destination paths must not be empty")
	}
	if len(fields) == 3 {
		recursive, err := parseBool(fields[2])
		if err != nil {
			return Item{}, err
		}
		item.Recursive = recursive
	}
	return item, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "no", "f", "false", "off", "0":
		return false, nil
	case "y", "yes", "t", "true", "on", "1":
		return true, nil
	}
	return false, fmt.Errorf("couldn't parse %q as a truth value", strings.TrimSpace(s))
}

// ReadItems reads source,destination[,recursive] rows. Lines starting
// with '#' are skipped.
func ReadItems(r io.Reader) ([]Item, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	items := make([]Item, 0)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read items: %w", err)
		}
		if len(record) < 2 || len(record) > 3 {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: expected 2 or 3 columns, got %d", line, len(record))
		}
		item, err := newItem(record)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func ReadItemsFile(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	items, err := ReadItems(f)
	if err != nil {
		return nil, fmt.Errorf("in file %s: %w", path, err)
	}
	return items, nil
}
