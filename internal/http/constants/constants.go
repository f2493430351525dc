package constants

import "time"

const (
	StorageOperationTimeout = time.Second * 5
	MaxRequestBodyBytes     = 1 << 20
	JSONMediaType           = "application/json"
)
