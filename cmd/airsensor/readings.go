package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/domik/air-sensor/internal/mqtt"
)

// parseReading parses "co2 temperature humidity pressure".
func parseReading(line string) (mqtt.Reading, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return mqtt.Reading{}, fmt.Errorf("want 4 fields (co2 temperature humidity pressure), got %d", len(fields))
	}

	co2, err := strconv.Atoi(fields[0])
	if err != nil {
		return mqtt.Reading{}, fmt.Errorf("co2: %w", err)
	}

	var vals [3]float64
	for i, name := range []string{"temperature", "humidity", "pressure"} {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return mqtt.Reading{}, fmt.Errorf("%s: %w", name, err)
		}
		vals[i] = v
	}

	return mqtt.Reading{
		CO2:         co2,
		Temperature: vals[0],
		Humidity:    vals[1],
		Pressure:    vals[2],
	}, nil
}

// readReadings scans r line by line and sends each parsed reading to out.
// Blank lines and lines starting with '#' are skipped; malformed lines
// are logged and dropped. out is closed when r is exhausted.
func readReadings(ctx context.Context, r io.Reader, out chan<- mqtt.Reading, logger *slog.Logger) {
	defer close(out)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		reading, err := parseReading(line)
		if err != nil {
			logger.Warn("bad reading", "line", line, "error", err)
			continue
		}
		select {
		case out <- reading:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warn("reading input failed", "error", err)
	}
}
