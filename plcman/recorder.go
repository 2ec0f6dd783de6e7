package plcman

import "time"

// Recorder receives coordinator events for instrumentation.
type Recorder interface {
	PollCompleted(plc string, took time.Duration, err error)
	Retried(plc, category string)
	WriteCompleted(plc, kind string, ok bool)
	ConnectionChanged(plc string, connected bool)
	CacheSize(plc string, n int)
}

type nopRecorder struct{}

func (nopRecorder) PollCompleted(string, time.Duration, error) {}
func (nopRecorder) Retried(string, string)                     {}
func (nopRecorder) WriteCompleted(string, string, bool)        {}
func (nopRecorder) ConnectionChanged(string, bool)             {}
func (nopRecorder) CacheSize(string, int)                      {}
