package machine

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Parse reads a machine list in the standard line-oriented format:
//
//	storeURI systemTypes, sshKey maxJobs speedFactor supportedFeatures, mandatoryFeatures, publicHostKey
//
// Lists are comma separated.  A lone "-" stands for an empty field,
// and trailing fields may be omitted.  Lines starting with # are
// comments.
func Parse(r io.Reader) ([]*Machine, error) {
	var machines []*Machine
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("machines file line %d: %w", lineno, err)
		}
		machines = append(machines, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return machines, nil
}

func parseLine(line string) (*Machine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty machine entry")
	}

	field := func(i int) string {
		if i >= len(fields) || fields[i] == "-" {
			return ""
		}
		return fields[i]
	}

	m := &Machine{
		StoreURI:    fields[0],
		MaxJobs:     1,
		SpeedFactor: 1,
		Enabled:     true,
		State:       NewState(),
	}

	if s := field(1); s != "" {
		m.SystemTypes = splitList(s)
	}
	m.SSHKey = field(2)

	if s := field(3); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad maxJobs %q", s)
		}
		m.MaxJobs = n
	}
	if s := field(4); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("bad speedFactor %q", s)
		}
		m.SpeedFactor = f
	}

	m.SupportedFeatures = listSet(field(5))
	m.MandatoryFeatures = listSet(field(6))
	// Mandatory features are implicitly supported.
	for f := range m.MandatoryFeatures {
		m.SupportedFeatures[f] = struct{}{}
	}
	m.PublicHostKey = field(7)

	return m, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func listSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range splitList(s) {
		set[f] = struct{}{}
	}
	return set
}
