// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Leveled logging with per-module verbose filtering.
package logging

import (
	"log"
	"os"
	"strings"
)

var (
	verbose        bool
	verboseAll     bool
	verboseFilters map[string]bool
)

// SetVerbose configures debug logging from a filter string, typically the
// VERBOSE environment variable:
//
//   - "" or "false": debug logging disabled
//   - "true", "1" or "all": debug logging for everything
//   - "relaypool,cache": debug logging for the listed modules
//   - "relaypool.Publish,query": a specific method plus a whole module
func SetVerbose(filterStr string) {
	verboseFilters = make(map[string]bool)
	verboseAll = false
	verbose = false

	switch filterStr {
	case "", "false", "0":
		return
	case "true", "1", "all":
		verbose = true
		verboseAll = true
		return
	}

	for _, f := range strings.Split(filterStr, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			verboseFilters[f] = true
			verbose = true
		}
	}
}

// IsVerbose reports whether debug logging is enabled for module.method.
func IsVerbose(module, method string) bool {
	if !verbose {
		return false
	}
	if verboseAll {
		return true
	}
	if method != "" && verboseFilters[module+"."+method] {
		return true
	}
	return verboseFilters[module]
}

// DebugMethod logs a debug message attributed to module.method, subject to
// the verbose filter.
func DebugMethod(module, method, format string, v ...interface{}) {
	if IsVerbose(module, method) {
		log.Printf("[DEBUG] "+module+"."+method+": "+format, v...)
	}
}

// Info logs an informational message (always shown).
func Info(format string, v ...interface{}) {
	log.Printf("[INFO] "+format, v...)
}

// Warn logs a warning message (always shown).
func Warn(format string, v ...interface{}) {
	log.Printf("[WARN] "+format, v...)
}

// Error logs an error message (always shown).
func Error(format string, v ...interface{}) {
	log.Printf("[ERROR] "+format, v...)
}

// Fatal logs an error message and exits with status code 1.
func Fatal(format string, v ...interface{}) {
	log.Printf("[FATAL] "+format, v...)
	os.Exit(1)
}
