// Package controlpipe implements the line protocol spoken between the controller, the driver and the metrics
// collector, and the local transports it runs over.
//
// Every message is one UTF-8 line terminated by '\n'. Readers ignore lines they do not recognise so that either
// side can be upgraded independently.
package controlpipe

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	// KindSetProgressConfig tells the controller how many jobs the driver will submit and in what batch size.
	KindSetProgressConfig Kind = iota + 1
	// KindIncrement reports one completed batch.
	KindIncrement
	// KindCancel asks the driver to stop after the batch in flight.
	KindCancel
	// KindRun triggers the metrics collector. It is sent once, then the channel is closed.
	KindRun
	// KindResult carries the driver's terminal state and reason back to the controller.
	KindResult
)

const (
	setProgressConfigPrefix = "set_progress_config:"
	resultPrefix            = "result:"
	incrementCommand        = "increment"
	cancelCommand           = "cancel"
	runCommand              = "RUN"
)

func (k Kind) String() string {
	switch k {
	case KindSetProgressConfig:
		return "set_progress_config"
	case KindIncrement:
		return incrementCommand
	case KindCancel:
		return cancelCommand
	case KindRun:
		return runCommand
	case KindResult:
		return "result"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Message is a single protocol command. Only the fields relevant to Kind are set.
type Message struct {
	Kind      Kind
	TotalJobs int
	StepSize  int
	State     string
	Detail    string
}

func SetProgressConfig(totalJobs, stepSize int) Message {
	return Message{Kind: KindSetProgressConfig, TotalJobs: totalJobs, StepSize: stepSize}
}

func Increment() Message {
	return Message{Kind: KindIncrement}
}

func Cancel() Message {
	return Message{Kind: KindCancel}
}

func Run() Message {
	return Message{Kind: KindRun}
}

func Result(state, detail string) Message {
	return Message{Kind: KindResult, State: state, Detail: detail}
}

// String returns the wire encoding of m, without the trailing newline.
func (m Message) String() string {
	switch m.Kind {
	case KindSetProgressConfig:
		return fmt.Sprintf("%s%d,%d", setProgressConfigPrefix, m.TotalJobs, m.StepSize)
	case KindResult:
		// Detail is free text; newlines would split the message.
		detail := strings.NewReplacer("\r", " ", "\n", " ").Replace(m.Detail)
		return resultPrefix + m.State + ":" + detail
	default:
		return m.Kind.String()
	}
}

// Parse decodes a single line. Surrounding whitespace is ignored and keywords match case-insensitively.
// ok is false for lines that are not a well-formed message.
func Parse(line string) (m Message, ok bool) {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	switch {
	case lower == incrementCommand:
		return Increment(), true
	case lower == cancelCommand:
		return Cancel(), true
	case lower == strings.ToLower(runCommand):
		return Run(), true
	case strings.HasPrefix(lower, setProgressConfigPrefix):
		return parseSetProgressConfig(trimmed[len(setProgressConfigPrefix):])
	case strings.HasPrefix(lower, resultPrefix):
		state, detail, _ := strings.Cut(trimmed[len(resultPrefix):], ":")
		if state == "" {
			return Message{}, false
		}
		return Result(state, detail), true
	default:
		return Message{}, false
	}
}

func parseSetProgressConfig(payload string) (Message, bool) {
	totalStr, stepStr, found := strings.Cut(payload, ",")
	if !found {
		return Message{}, false
	}
	total, err := strconv.Atoi(strings.TrimSpace(totalStr))
	if err != nil || total <= 0 {
		return Message{}, false
	}
	step, err := strconv.Atoi(strings.TrimSpace(stepStr))
	if err != nil || step <= 0 {
		return Message{}, false
	}
	return SetProgressConfig(total, step), true
}
