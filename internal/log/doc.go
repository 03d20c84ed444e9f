// Package log contains the Logger used by the mongoqueue command. The Logger
// is a wrapper around zap.SugaredLogger. There should be a single instance
// of the Logger in the application, injected wherever logging is needed.
package log
