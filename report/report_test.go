package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jabberwocky238/p2perf/perf"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 Bytes"},
		{512, "512 Bytes"},
		{1536, "1.5 KBytes"},
		{5 << 20, "5 MBytes"},
		{3 << 30, "3 GBytes"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBitrate(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 bit/s"},
		{999, "999 bit/s"},
		{8e6, "8 Mbit/s"},
		{1.25e9, "1.25 Gbit/s"},
	}
	for _, tt := range tests {
		if got := formatBitrate(tt.in); got != tt.want {
			t.Errorf("formatBitrate(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSummary(t *testing.T) {
	var buf bytes.Buffer
	r := perf.Result{
		Conn:    "c1",
		Peer:    "14nWLDf+tZ6CXwC6WNEq",
		Role:    perf.Initiator,
		Outcome: perf.Completed(10*time.Second, 10<<20),
	}
	require.NoError(t, Summary(&buf, r))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "initiator run on c1 with 14nWLDf+", lines[0])
	require.Equal(t, "Interval\tTransfer\tBandwidth", lines[1])
	require.Equal(t, "0 s - 10.00 s\t10 MBytes\t8.39 Mbit/s", lines[2])
}

func TestSummaryFailed(t *testing.T) {
	var buf bytes.Buffer
	r := perf.Result{Conn: "c1", Peer: "p", Role: perf.Initiator, Outcome: perf.Failed(perf.ErrConnectionLost)}
	require.NoError(t, Summary(&buf, r))
	require.Contains(t, buf.String(), "failed: connection lost")
}

func TestJSON(t *testing.T) {
	results := []perf.Result{
		{Conn: "c1", Peer: "p", Role: perf.Initiator, Outcome: perf.Completed(2*time.Second, 1000)},
		{Conn: "c2", Peer: "p", Role: perf.Responder, Outcome: perf.Failed(fmt.Errorf("%w: short", perf.ErrProtocolViolation))},
	}
	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, results))

	var records []Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &records))
	require.Len(t, records, 2)

	require.Equal(t, "completed", records[0].Status)
	require.EqualValues(t, 4000, records[0].BitsPerSecond)
	require.Empty(t, records[0].Error)

	require.Equal(t, "protocol-violation", records[1].Status)
	require.Equal(t, "responder", records[1].Role)
	require.Contains(t, records[1].Error, "short")
	require.NotEqual(t, records[0].ID, records[1].ID)
}
