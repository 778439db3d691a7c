package radio

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a resource firmware/protocol version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
	Build int `json:"build"`
}

// ParseVersion parses "major.minor.patch[.build]". Missing or non-numeric
// components are zero.
func ParseVersion(s string) Version {
	var v Version
	fields := []*int{&v.Major, &v.Minor, &v.Patch, &v.Build}
	for i, part := range strings.SplitN(strings.TrimSpace(s), ".", 4) {
		if n, err := strconv.Atoi(part); err == nil {
			*fields[i] = n
		}
	}
	return v
}

// IsCurrent reports whether the version speaks the multi-client protocol.
func (v Version) IsCurrent() bool {
	return v.Major >= 3 || (v.Major == 2 && v.Minor >= 5)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}
