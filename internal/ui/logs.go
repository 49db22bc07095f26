package ui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/skalibog/perpguard/pkg/logger"
)

const maxLogLines = 50

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// loadLogs reads the tail of the JSON log file. A missing file is not an error.
func loadLogs(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	return tailLogs(file)
}

func tailLogs(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var logs []string
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > maxLogLines {
			logs = logs[1:]
		}
	}
	return logs, scanner.Err()
}

// formatLogLine renders one zap JSON entry as "[15:04:05] [LEVEL] msg (k: v)"
func formatLogLine(line string) string {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line
	}

	level, _ := entry["level"].(string)
	ts, _ := entry["ts"].(string)
	msg, _ := entry["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	stamp := ""
	if t, err := time.Parse(logger.TimeLayout, ts); err == nil {
		stamp = t.Format("15:04:05")
	}

	out := fmt.Sprintf("[%s] [%s] %s", stamp, level, msg)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "ts", "msg", "caller", "stacktrace":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out += fmt.Sprintf(" (%s: %v)", k, entry[k])
	}
	return out
}
