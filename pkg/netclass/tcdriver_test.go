//go:build test
// +build test

package netclass

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleClassShow = `class htb 1:10 root prio 3 rate 1000000bit ceil 2000000bit burst 1600b cburst 1600b
 Sent 12345 bytes 42 pkt (dropped 3, overlimits 7 requeues 0)
 rate 500000bit 10pps backlog 0b 0p requeues 0
`

func TestParseClassStatsExtractsAllFields(t *testing.T) {
	stats, err := parseClassStats(sampleClassShow)
	require.NoError(t, err)
	require.Equal(t, uint64(12345), stats.Bytes)
	require.Equal(t, uint64(42), stats.Packets)
	require.Equal(t, uint64(3), stats.Drops)
	require.Equal(t, uint64(7), stats.Overlimits)
	require.Equal(t, uint64(500000), stats.RateBPS)
	require.Equal(t, uint64(10), stats.RatePPS)
}

func TestParseClassStatsToleratesMissingRateLine(t *testing.T) {
	text := `class htb 1:10 root prio 3 rate 1000000bit ceil 2000000bit
 Sent 100 bytes 5 pkt (dropped 0, overlimits 0 requeues 0)
`
	stats, err := parseClassStats(text)
	require.NoError(t, err)
	require.Equal(t, uint64(100), stats.Bytes)
	require.Equal(t, uint64(5), stats.Packets)
	require.Zero(t, stats.RateBPS)
	require.Zero(t, stats.RatePPS)
}

func TestParseClassStatsErrorsOnUnrecognizedOutput(t *testing.T) {
	_, err := parseClassStats("RTNETLINK answers: Invalid argument\n")
	require.Error(t, err)
}

func TestHandleStrFormatsMajorMinorAsHex(t *testing.T) {
	var h Handle
	require.Equal(t, "0:0", handleStr(h))

	h = Handle(0x1a0010)
	require.Equal(t, "1a:10", handleStr(h))
}
