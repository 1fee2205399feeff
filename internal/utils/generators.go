package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateTraceID returns the id stitched through one scan's audit trail.
func GenerateTraceID() string {
	return uuid.New().String()
}

// GenerateDeviceID builds a stable-looking gate device identifier for first
// boot; devices persist it afterwards.
func GenerateDeviceID() string {
	short := strings.Split(uuid.New().String(), "-")[0]
	return fmt.Sprintf("gate_%d_%s", time.Now().Unix(), short)
}
