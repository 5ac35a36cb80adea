package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Release is a parsed semantic version. A leading "v" is accepted and dropped.
type Release struct {
	Major, Minor, Patch uint64
	PreRelease          string
	Build               string
}

// ParseRelease parses raw as MAJOR.MINOR.PATCH[-PRERELEASE][+BUILD].
func ParseRelease(raw string) (Release, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if s == "" {
		return Release{}, fmt.Errorf("invalid release %q: empty", raw)
	}

	var r Release
	s, r.Build, _ = strings.Cut(s, "+")
	core, pre, hasPre := strings.Cut(s, "-")
	if hasPre {
		if err := checkIdentifiers(pre, true); err != nil {
			return Release{}, fmt.Errorf("invalid release %q: prerelease: %w", raw, err)
		}
		r.PreRelease = pre
	}
	if r.Build != "" || strings.Contains(raw, "+") {
		if err := checkIdentifiers(r.Build, false); err != nil {
			return Release{}, fmt.Errorf("invalid release %q: build: %w", raw, err)
		}
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Release{}, fmt.Errorf("invalid release %q: want MAJOR.MINOR.PATCH", raw)
	}
	nums := [3]*uint64{&r.Major, &r.Minor, &r.Patch}
	for i, part := range parts {
		n, err := parseNumeric(part)
		if err != nil {
			return Release{}, fmt.Errorf("invalid release %q: %w", raw, err)
		}
		*nums[i] = n
	}
	return r, nil
}

func (r Release) String() string {
	s := fmt.Sprintf("%d.%d.%d", r.Major, r.Minor, r.Patch)
	if r.PreRelease != "" {
		s += "-" + r.PreRelease
	}
	if r.Build != "" {
		s += "+" + r.Build
	}
	return s
}

// parseNumeric rejects empty and zero-padded numbers.
func parseNumeric(s string) (uint64, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("bad numeric identifier %q", s)
	}
	return strconv.ParseUint(s, 10, 64)
}

func checkIdentifiers(s string, numericStrict bool) error {
	for _, id := range strings.Split(s, ".") {
		if id == "" {
			return fmt.Errorf("empty identifier")
		}
		numeric := true
		for _, c := range id {
			switch {
			case c >= '0' && c <= '9':
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
				numeric = false
			default:
				return fmt.Errorf("identifier %q has invalid character %q", id, c)
			}
		}
		if numericStrict && numeric && len(id) > 1 && id[0] == '0' {
			return fmt.Errorf("identifier %q has a leading zero", id)
		}
	}
	return nil
}
