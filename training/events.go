package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LogFile is the per-run event log filename.
const LogFile = "train.log"

// ParamsFile records the run configuration once at startup.
const ParamsFile = "params.json"

// EventLog appends one JSON object per training event to the run's text
// log: epoch, step, learning rate, and any metric name/value pairs.
type EventLog struct {
	file *os.File
}

// NewEventLog opens (appending) the event log inside the run directory.
func NewEventLog(runDir string) (*EventLog, error) {
	path := filepath.Join(runDir, LogFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %v", err)
	}
	return &EventLog{file: file}, nil
}

// Write appends one event line.
func (e *EventLog) Write(epoch, step int, lr float64, metrics map[string]float64) error {
	event := make(map[string]interface{}, len(metrics)+3)
	event["epoch"] = epoch
	event["step"] = step
	event["lr"] = lr
	for name, value := range metrics {
		event[name] = value
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %v", err)
	}
	line = append(line, '\n')
	if _, err := e.file.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %v", err)
	}
	return nil
}

// Close releases the underlying file.
func (e *EventLog) Close() error {
	return e.file.Close()
}

// WriteRunParams records the run configuration as indented JSON in the run
// directory, mirroring the checkpoint layout so a run is self-describing.
func WriteRunParams(runDir string, params interface{}) error {
	data, err := json.MarshalIndent(params, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode run params: %v", err)
	}
	path := filepath.Join(runDir, ParamsFile)
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write run params: %v", err)
	}
	return nil
}
