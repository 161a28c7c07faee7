package netclass

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/execabs"

	er "porto/errors"
)

// TCDriver is the default NetlinkDriver: it shells out to iproute2's `ip`
// and `tc` rather than binding netlink directly, since no netlink library
// is vendored anywhere in this engine's dependency graph (spec.md §6
// keeps NetlinkDriver as an interface precisely so a binding-free default
// like this one can still satisfy it). golang.org/x/sys/execabs replaces
// os/exec here the same way the teacher's pkg/shim/shimio.go already uses
// execabs instead of os/exec, for its hardened PATH-resolution behavior.
type TCDriver struct{}

// NewTCDriver returns the default shell-based NetlinkDriver.
func NewTCDriver() *TCDriver { return &TCDriver{} }

var _ NetlinkDriver = (*TCDriver)(nil)

func run(name string, args ...string) ([]byte, error) {
	cmd := execabs.Command(name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

var ifaceLineRe = regexp.MustCompile(`^\d+:\s+([^:@]+)[@:]`)

// Interfaces lists non-loopback link names via `ip -o link show`.
func (d *TCDriver) Interfaces() ([]string, error) {
	out, err := run("ip", "-o", "link", "show")
	if err != nil {
		return nil, &er.Error{Kind: er.ResourceNotAvailable, Op: "tcdriver.Interfaces", Msg: err.Error()}
	}

	var ifaces []string
	for _, line := range strings.Split(string(out), "\n") {
		m := ifaceLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1]
		if name == "lo" {
			continue
		}
		ifaces = append(ifaces, name)
	}
	return ifaces, nil
}

func handleStr(h Handle) string {
	return fmt.Sprintf("%x:%x", h.Major(), h.Minor())
}

// EnsureRootQdisc installs the HTB root qdisc, tolerating one that
// already exists (RTNETLINK's "File exists" on a repeated `add`).
func (d *TCDriver) EnsureRootQdisc(iface string, major uint16) error {
	_, err := run("tc", "qdisc", "add", "dev", iface, "root", "handle", fmt.Sprintf("%x:", major), "htb", "default", "1")
	if err != nil && !strings.Contains(err.Error(), "File exists") {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "tcdriver.EnsureRootQdisc", Msg: err.Error()}
	}
	return nil
}

// CreateClass installs (or, if already present, replaces) an HTB class.
// A rate of 0 would make `tc` reject the command outright; spec.md §4.4
// already remaps that to 1 one layer up, in Manager.CreateClass.
func (d *TCDriver) CreateClass(iface string, handle, parent Handle, prio int, rate, ceil uint64) error {
	args := []string{
		"class", "replace", "dev", iface,
		"parent", handleStr(parent),
		"classid", handleStr(handle),
		"htb", "rate", strconv.FormatUint(rate, 10) + "bit",
		"ceil", strconv.FormatUint(ceil, 10) + "bit",
		"prio", strconv.Itoa(prio),
	}
	if _, err := run("tc", args...); err != nil {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "tcdriver.CreateClass", Msg: err.Error()}
	}
	return nil
}

// DeleteClass removes an HTB class, tolerating one that is already gone.
func (d *TCDriver) DeleteClass(iface string, handle Handle) error {
	_, err := run("tc", "class", "del", "dev", iface, "classid", handleStr(handle))
	if err != nil && !strings.Contains(err.Error(), "Cannot find") {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "tcdriver.DeleteClass", Msg: err.Error()}
	}
	return nil
}

var (
	bytesPktRe = regexp.MustCompile(`Sent (\d+) bytes (\d+) pkt`)
	dropRe     = regexp.MustCompile(`dropped (\d+)`)
	overRe     = regexp.MustCompile(`overlimits (\d+)`)
	rateRe     = regexp.MustCompile(`rate (\d+)bit (\d+)pps`)
)

// ClassStats parses `tc -s class show ... classid <handle>`'s
// human-readable counters. No JSON output mode exists on the iproute2
// versions this engine targets, so this is a best-effort text scrape;
// output without a "Sent <n> bytes <n> pkt" line is surfaced as an error
// so Manager.Stats falls back to host-wide gopsutil counters instead of
// reporting zeros silently. The drop, overlimit and rate counters are
// optional and stay zero when absent.
func (d *TCDriver) ClassStats(iface string, handle Handle) (ClassStats, error) {
	out, err := run("tc", "-s", "class", "show", "dev", iface, "classid", handleStr(handle))
	if err != nil {
		return ClassStats{}, &er.Error{Kind: er.ResourceNotAvailable, Op: "tcdriver.ClassStats", Msg: err.Error()}
	}
	return parseClassStats(string(out))
}

// parseClassStats is split out from ClassStats so its text-scraping logic
// can be exercised directly, without shelling out to a real `tc` binary.
func parseClassStats(text string) (ClassStats, error) {
	var stats ClassStats
	if m := bytesPktRe.FindStringSubmatch(text); m != nil {
		stats.Bytes, _ = strconv.ParseUint(m[1], 10, 64)
		stats.Packets, _ = strconv.ParseUint(m[2], 10, 64)
	} else {
		return ClassStats{}, er.New(er.Unknown, "tcdriver.ClassStats", "unrecognized tc class-show output")
	}
	if m := dropRe.FindStringSubmatch(text); m != nil {
		stats.Drops, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := overRe.FindStringSubmatch(text); m != nil {
		stats.Overlimits, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := rateRe.FindStringSubmatch(text); m != nil {
		stats.RateBPS, _ = strconv.ParseUint(m[1], 10, 64)
		stats.RatePPS, _ = strconv.ParseUint(m[2], 10, 64)
	}
	return stats, nil
}
