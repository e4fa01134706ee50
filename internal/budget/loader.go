package budget

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// UsageLog is the parsed content of the usage log file.
type UsageLog struct {
	Records []UsageRecord
	Skipped int // Lines that were not valid records
}

// LoadUsageLog reads the append-only JSONL usage log written by the worker's
// telemetry. Each non-empty line is one UsageRecord:
//
//	{"date":"2026-10-12","tokens":{"input":1200,"output":800}}
//
// Malformed lines are counted in Skipped rather than failing the whole load.
func LoadUsageLog(path string) (*UsageLog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open usage log: %w", err)
	}
	defer file.Close()

	log := &UsageLog{}
	scanner := bufio.NewScanner(file)
	// Allow long lines; telemetry entries can carry many categories.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec UsageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Date == "" {
			log.Skipped++
			continue
		}
		log.Records = append(log.Records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read usage log: %w", err)
	}

	return log, nil
}
