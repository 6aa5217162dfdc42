package dav

import (
	"fmt"
	"time"
)

// Advertised server limits.
const (
	caldavMinDateTime   = "19000101T000000Z"
	caldavMaxDateTime   = "21001231T235959Z"
	caldavMaxInstances  = 1000
	caldavMaxAttendees  = 100
	maxResourceSize     = 1 << 20
	maxQueryResults     = 1000
	caldavDateTimeStamp = "20060102T150405Z"
)

var (
	// Parsed date limits, validated at package initialization
	caldavMinTime time.Time
	caldavMaxTime time.Time
)

func init() {
	var err error
	caldavMinTime, err = time.Parse(caldavDateTimeStamp, caldavMinDateTime)
	if err != nil {
		panic(fmt.Sprintf("invalid caldavMinDateTime constant: %v", err))
	}
	caldavMaxTime, err = time.Parse(caldavDateTimeStamp, caldavMaxDateTime)
	if err != nil {
		panic(fmt.Sprintf("invalid caldavMaxDateTime constant: %v", err))
	}
}

// withinDateLimits reports whether a query bound lies inside the supported range.
func withinDateLimits(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	return !t.Before(caldavMinTime) && !t.After(caldavMaxTime)
}
