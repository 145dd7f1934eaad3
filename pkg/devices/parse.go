package devices

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultVersion is assumed when the platform version cannot be parsed.
const DefaultVersion = 5.0

var (
	propLine   = regexp.MustCompile(`^\[([^\]]+)\]:\s*\[([^\]]*)\]$`)
	dumpsysPID = regexp.MustCompile(`pid=(\d+)`)
)

// ParseProperties parses `getprop` output made of `[key]: [value]` lines.
// Malformed lines are skipped.
func ParseProperties(output string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		m := propLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		props[m[1]] = m[2]
	}
	return props
}

// parseMajorVersion extracts the major component of a release string such as
// "13" or "8.1.0".
func parseMajorVersion(release string) (float64, bool) {
	major, _, _ := strings.Cut(strings.TrimSpace(release), ".")
	v, err := strconv.ParseFloat(major, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parsePidof returns the first pid printed by pidof.
func parsePidof(output string) (int, bool) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// parsePS returns the pid column of the first ps line that has one.
func parsePS(output string, column int) (int, bool) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) <= column {
			continue
		}
		if pid, err := strconv.Atoi(fields[column]); err == nil {
			return pid, true
		}
	}
	return 0, false
}

// parseDumpsysPID returns the first pid=N found in dumpsys output.
func parseDumpsysPID(output string) (int, bool) {
	m := dumpsysPID.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return pid, true
}
