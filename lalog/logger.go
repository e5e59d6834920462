package lalog

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/HouzuoGuo/ipoverdns/datastruct"
)

const (
	// NumLatestLogEntries is the number of latest log entries kept in memory for inspection.
	NumLatestLogEntries = 128
	// MaxLogMessageLen is the maximum length of each log message.
	MaxLogMessageLen = 2048
	truncatedLabel   = "...(truncated)..."
)

var (
	// LatestLogs are a small number of the most recent log messages (warnings and info messages).
	LatestLogs = datastruct.NewRingBuffer[string](NumLatestLogEntries)

	// LatestWarnings are a small number of the most recent warning log messages.
	LatestWarnings = datastruct.NewRingBuffer[string](NumLatestLogEntries)

	/*
		LatestWarningActors remembers the actors that have recently generated warning messages. Only the first
		warning of an actor (component name + function name + actor name) goes into LatestWarnings, so that a
		noisy peer cannot flush the warnings of everyone else out of the buffer. The actor gets another chance
		after it is evicted from this LRU buffer.
	*/
	LatestWarningActors = datastruct.NewLeastRecentlyUsedBuffer[warningActor](NumLatestLogEntries / 4)
)

type warningActor struct {
	componentName, functionName, actorName string
}

/*
LoggerIDField is a field of Logger's ComponentID, all fields that make up a ComponentID offer log entry a clue as to
which component instance generated the log message.
*/
type LoggerIDField struct {
	Key   string      // Key is an arbitrary string key
	Value interface{} // Value is an arbitrary value that will be converted to string upon printing a log entry.
}

// Logger helps to write log messages in a regular format.
type Logger struct {
	ComponentName string          // ComponentName is similar to a class name, or a category name.
	ComponentID   []LoggerIDField // ComponentID comprises key-value pairs that give log entry a clue as to its origin.
}

// getComponentIDs returns a string consisting of the logger's component ID fields. If there are none, it returns an empty string.
func (logger *Logger) getComponentIDs() string {
	if len(logger.ComponentID) == 0 {
		return ""
	}
	fields := make([]string, len(logger.ComponentID))
	for i, field := range logger.ComponentID {
		fields[i] = fmt.Sprintf("%s=%v", field.Key, field.Value)
	}
	return "[" + strings.Join(fields, ";") + "]"
}

// Format a log message and return, but do not print it.
func (logger *Logger) Format(functionName, actorName string, err error, template string, values ...interface{}) string {
	// Message is going to look like this:
	// ComponentName[IDKey1=IDVal1;IDKey2=IDVal2].FunctionName(actorName): Error "no such file" - failed to start component
	var msg bytes.Buffer
	msg.WriteString(logger.ComponentName)
	msg.WriteString(logger.getComponentIDs())
	if functionName != "" {
		if msg.Len() > 0 {
			msg.WriteRune('.')
		}
		msg.WriteString(functionName)
	}
	if actorName != "" {
		msg.WriteString(fmt.Sprintf("(%s)", actorName))
	}
	if msg.Len() > 0 {
		msg.WriteString(": ")
	}
	if err != nil {
		msg.WriteString(fmt.Sprintf("Error \"%v\"", err))
		if template != "" {
			msg.WriteString(" - ")
		}
	}
	msg.WriteString(fmt.Sprintf(template, values...))
	return LintString(TruncateString(msg.String(), MaxLogMessageLen), MaxLogMessageLen)
}

// Warning prints a log message and keeps the message in warnings buffer.
func (logger *Logger) Warning(functionName, actorName string, err error, template string, values ...interface{}) {
	msg := logger.Format(functionName, actorName, err, template, values...)
	msgWithTime := time.Now().Format("2006-01-02 15:04:05 ") + msg
	log.Print(msg)
	LatestLogs.Push(msgWithTime)
	if alreadyPresent, _, _ := LatestWarningActors.Add(warningActor{logger.ComponentName, functionName, actorName}); !alreadyPresent {
		LatestWarnings.Push(msgWithTime)
	}
}

// Info prints a log message and keeps the message in latest log buffer. If there is an error, the message is upgraded to a warning.
func (logger *Logger) Info(functionName, actorName string, err error, template string, values ...interface{}) {
	if err != nil {
		logger.Warning(functionName, actorName, err, template, values...)
		return
	}
	msg := logger.Format(functionName, actorName, err, template, values...)
	LatestLogs.Push(time.Now().Format("2006-01-02 15:04:05 ") + msg)
	log.Print(msg)
}

// Abort prints the log message and then terminates the program.
func (logger *Logger) Abort(functionName, actorName string, err error, template string, values ...interface{}) {
	log.Fatal(logger.Format(functionName, actorName, err, template, values...))
}

// DefaultLogger must be used when it is not possible to acquire a reference to a more dedicated logger.
var DefaultLogger = &Logger{ComponentName: "default", ComponentID: []LoggerIDField{{"PID", os.Getpid()}}}

/*
TruncateString returns the input string as-is if it is less or equal to the desired length. Otherwise, it removes text
from the middle of string to fit to the desired length, and substitutes the removed portion with text
"...(truncated)..." and then returns.
*/
func TruncateString(in string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	if len(in) <= maxLength {
		return in
	}
	if maxLength <= len(truncatedLabel) {
		return in[:maxLength]
	}
	firstHalfEnd := maxLength/2 - len(truncatedLabel)/2
	secondHalfBegin := len(in) - (maxLength / 2) + len(truncatedLabel)/2
	if maxLength%2 == 0 {
		secondHalfBegin++
	}
	return in[:firstHalfEnd] + truncatedLabel + in[secondHalfBegin:]
}

/*
LintString returns a copy of the input string with unusual characters (such as non-printable characters and record
separators) replaced by an underscore. The return value is capped to the maximum specified length.
*/
func LintString(in string, maxLength int) string {
	if maxLength < 0 {
		maxLength = 0
	}
	var cleanedResult bytes.Buffer
	for i, r := range in {
		if i >= maxLength {
			break
		}
		if isUnusualRune(r) {
			cleanedResult.WriteRune('_')
		} else {
			cleanedResult.WriteRune(r)
		}
	}
	return cleanedResult.String()
}

func isUnusualRune(r rune) bool {
	return (r >= 0 && r <= 8) || // NUL...Backspace
		(r >= 14 && r <= 31) || // ShiftOut..UnitSeparator
		(r >= 127) || // Past the basic ASCII table
		(!unicode.IsPrint(r) && !unicode.IsSpace(r))
}

// ByteArrayLogString returns a human-readable string for the input byte array.
// The returned string is only suitable for log messages.
func ByteArrayLogString(data []byte) string {
	if len(data) == 0 {
		return "[]"
	}
	var countBinaryBytes int
	for _, b := range data {
		if isUnusualRune(rune(b)) {
			countBinaryBytes++
		}
	}
	if float32(countBinaryBytes)/float32(len(data)) > 0.5 {
		return fmt.Sprintf("%#v", data)
	}
	return LintString(string(data), 1000)
}
