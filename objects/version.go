package objects

import "fmt"

// Version represents a .NET System.Version value: a 4-part numeric version.
// Build and Revision are -1 when unset, matching .NET's own convention of
// treating System.Version as having 2, 3, or 4 significant parts.
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// NewVersion2 creates a 2-part version (Major.Minor).
func NewVersion2(major, minor int) Version {
	return Version{Major: major, Minor: minor, Build: -1, Revision: -1}
}

// NewVersion4 creates a full 4-part version.
func NewVersion4(major, minor, build, revision int) Version {
	return Version{Major: major, Minor: minor, Build: build, Revision: revision}
}

// String renders the version the way .NET's Version.ToString does: only the
// significant parts are included.
func (v Version) String() string {
	switch {
	case v.Revision >= 0:
		return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
	case v.Build >= 0:
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Build)
	default:
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	}
}
