// Package logging provides leveled log output for the pipeline. Messages go
// to standard error by default; configuring a log file routes them to a
// size-capped rolling file instead.
package logging

import (
	"fmt"
	"log"

	"github.com/natefinch/lumberjack"
)

// Config selects the log destination and rotation limits.
type Config struct {
	// Logfile is the rolling log file path; empty keeps logging on stderr.
	Logfile string `yaml:"logfile"`

	// MaxSize is the size in megabytes at which the log file rotates.
	MaxSize int `yaml:"maxSize"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `yaml:"maxBackups"`
}

var (
	verbose bool
	rolling *lumberjack.Logger
)

// SetLogger routes log messages to a rotating log file, or leaves them on
// stderr when no file is configured. Verbose enables Debugf output.
func (c Config) SetLogger(debug bool) {
	verbose = debug
	if c.Logfile == "" {
		Infof("Sending log messages to stderr since no log file specified.")
		return
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	rolling = &lumberjack.Logger{
		Filename:   c.Logfile,
		MaxSize:    c.MaxSize, // megabytes
		MaxBackups: c.MaxBackups,
	}
	log.SetOutput(rolling)
}

// Shutdown closes the rolling log file if one is open.
func Shutdown() {
	if rolling != nil {
		rolling.Close()
		rolling = nil
	}
}

// Debugf records a debug-level message when verbose logging is enabled.
func Debugf(format string, args ...interface{}) {
	if verbose {
		log.Printf(" DEBUG "+format, args...)
	}
}

// Infof records an info-level message.
func Infof(format string, args ...interface{}) {
	log.Printf(" INFO "+format, args...)
}

// Warningf records a warning-level message.
func Warningf(format string, args ...interface{}) {
	log.Printf(" WARNING "+format, args...)
}

// Errorf records an error-level message.
func Errorf(format string, args ...interface{}) {
	log.Printf(" ERROR "+format, args...)
}
