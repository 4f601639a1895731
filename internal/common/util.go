package common

import (
	"strings"
	"time"
)

// NowEpoch returns the current unix time in seconds. Tests replace it.
var NowEpoch = func() int64 {
	return time.Now().Unix()
}

// Fullname prefixes a bare item id with the kind of itemType. Stored items
// are keyed by their fullname.
func Fullname(id, itemType string) string {
	if strings.HasPrefix(id, "t1_") || strings.HasPrefix(id, "t3_") {
		return id
	}
	if itemType == TypeComment {
		return "t1_" + id
	}
	return "t3_" + id
}
