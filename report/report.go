// Package report formats benchmark results for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jabberwocky238/p2perf/perf"
)

// Summary writes an iperf style table for one result.
func Summary(w io.Writer, r perf.Result) error {
	if !r.Outcome.Completed() {
		_, err := fmt.Fprintf(w, "%s run on %s with %s failed: %v\n",
			r.Role, r.Conn, r.Peer.Short(), r.Outcome.Err)
		return err
	}

	fmt.Fprintf(w, "%s run on %s with %s\n", r.Role, r.Conn, r.Peer.Short())
	fmt.Fprintln(w, "Interval\tTransfer\tBandwidth")
	_, err := fmt.Fprintf(w, "0 s - %.2f s\t%s\t%s\n",
		r.Outcome.Duration.Seconds(),
		formatBytes(r.Outcome.Bytes),
		formatBitrate(r.Outcome.BitsPerSecond()),
	)
	return err
}

// Record is the machine readable form of one result.
type Record struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	Conn          string    `json:"conn"`
	Peer          string    `json:"peer"`
	Role          string    `json:"role"`
	Status        string    `json:"status"`
	Bytes         uint64    `json:"bytes"`
	DurationNanos int64     `json:"duration_ns"`
	BitsPerSecond float64   `json:"bits_per_second"`
	Error         string    `json:"error,omitempty"`
}

func NewRecord(r perf.Result, at time.Time) Record {
	rec := Record{
		ID:            uuid.NewString(),
		Time:          at.UTC(),
		Conn:          string(r.Conn),
		Peer:          string(r.Peer),
		Role:          r.Role.String(),
		Status:        perf.Reason(r.Outcome.Err),
		Bytes:         r.Outcome.Bytes,
		DurationNanos: r.Outcome.Duration.Nanoseconds(),
		BitsPerSecond: r.Outcome.BitsPerSecond(),
	}
	if r.Outcome.Err != nil {
		rec.Error = r.Outcome.Err.Error()
	}
	return rec
}

// JSON writes results as an indented JSON array, one record each.
func JSON(w io.Writer, results []perf.Result) error {
	now := time.Now()
	records := make([]Record, 0, len(results))
	for _, r := range results {
		records = append(records, NewRecord(r, now))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(records)
}

func formatBytes(b uint64) string {
	units := []string{"Bytes", "KBytes", "MBytes", "GBytes", "TBytes"}
	size := float64(b)
	unit := 0

	for size >= 1024 && unit < len(units)-1 {
		size /= 1024
		unit++
	}

	return trimFloat(size) + " " + units[unit]
}

func formatBitrate(bps float64) string {
	units := []string{"bit/s", "Kbit/s", "Mbit/s", "Gbit/s", "Tbit/s"}
	unit := 0

	for bps >= 1000 && unit < len(units)-1 {
		bps /= 1000
		unit++
	}

	return trimFloat(bps) + " " + units[unit]
}

func trimFloat(v float64) string {
	formatted := fmt.Sprintf("%.2f", v)
	formatted = strings.TrimRight(formatted, "0")
	formatted = strings.TrimRight(formatted, ".")

	return formatted
}
