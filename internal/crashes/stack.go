package crashes

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/Chichichkin/LogIngestionAgent/internal/logging"
)

const handlerPrefix = "github.com/Chichichkin/LogIngestionAgent/internal/crashes.(*Handler)."

// callerFrames returns the frames of the calling goroutine, outermost last,
// without runtime internals and without the handler itself.
func callerFrames() []logging.StackFrame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []logging.StackFrame
	for {
		f, more := frames.Next()
		if f.Function != "" && !strings.HasPrefix(f.Function, "runtime.") && !strings.HasPrefix(f.Function, handlerPrefix) {
			out = append(out, newFrame(f.Function, f.File, f.Line))
		}
		if !more {
			break
		}
	}
	return out
}

func newFrame(function, file string, line int) logging.StackFrame {
	var frame logging.StackFrame
	class, method := splitFunction(function)
	if class != "" {
		frame.ClassName = &class
	}
	if method != "" {
		frame.MethodName = &method
	}
	if file != "" {
		frame.FileName = &file
	}
	if line > 0 {
		frame.LineNumber = &line
	}
	return frame
}

// splitFunction splits a qualified Go function name such as
// "example.com/pkg.(*T).Method" into "example.com/pkg.(*T)" and "Method".
func splitFunction(name string) (string, string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.LastIndex(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

// exceptionOf builds the exception tree for a panic value. Wrapped errors
// become inner exceptions.
func exceptionOf(value any) *logging.Exception {
	err, ok := value.(error)
	if !ok {
		msg := fmt.Sprint(value)
		return &logging.Exception{Type: fmt.Sprintf("%T", value), Message: &msg}
	}

	msg := err.Error()
	ex := &logging.Exception{Type: fmt.Sprintf("%T", err), Message: &msg}

	var inner []error
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		inner = u.Unwrap()
	default:
		if next := errors.Unwrap(err); next != nil {
			inner = []error{next}
		}
	}
	for _, e := range inner {
		if e != nil {
			ex.InnerExceptions = append(ex.InnerExceptions, *exceptionOf(e))
		}
	}
	return ex
}

func stackDump(all bool) []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, all)
		if n < len(buf) || len(buf) >= 8<<20 {
			return buf[:n]
		}
		buf = make([]byte, 2*len(buf))
	}
}

// parseGoroutines reads the text produced by runtime.Stack into threads.
// Goroutine ids become thread ids and the wait reason becomes the name.
func parseGoroutines(dump []byte) []logging.Thread {
	var (
		threads []logging.Thread
		current *logging.Thread
		pending string
	)

	flush := func() {
		if current != nil {
			if pending != "" {
				current.Frames = append(current.Frames, newFrame(pending, "", 0))
			}
			threads = append(threads, *current)
		}
		current, pending = nil, ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(dump))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()

		case strings.HasPrefix(line, "goroutine "):
			flush()
			id, state, ok := parseHeader(line)
			if !ok {
				continue
			}
			current = &logging.Thread{ID: id}
			if state != "" {
				current.Name = &state
			}

		case current == nil:

		case strings.HasPrefix(line, "\t"):
			file, lineNo := parseLocation(line)
			current.Frames = append(current.Frames, newFrame(pending, file, lineNo))
			pending = ""

		default:
			if pending != "" {
				current.Frames = append(current.Frames, newFrame(pending, "", 0))
			}
			pending = parseFunction(line)
		}
	}
	flush()
	return threads
}

// parseHeader parses "goroutine 7 [chan receive, 2 minutes]:".
func parseHeader(line string) (int64, string, bool) {
	rest := strings.TrimPrefix(line, "goroutine ")
	idText, rest, _ := strings.Cut(rest, " ")
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return 0, "", false
	}

	state := ""
	if open := strings.Index(rest, "["); open >= 0 {
		if end := strings.Index(rest[open:], "]"); end > 0 {
			state = rest[open+1 : open+end]
		}
	}
	state, _, _ = strings.Cut(state, ",")
	return id, state, true
}

func parseFunction(line string) string {
	if fn, ok := strings.CutPrefix(line, "created by "); ok {
		fn, _, _ = strings.Cut(fn, " in goroutine ")
		return fn
	}
	if strings.HasSuffix(line, ")") {
		if open := strings.LastIndex(line, "("); open > 0 {
			return line[:open]
		}
	}
	return line
}

// parseLocation parses "\t/src/app/main.go:42 +0x1d".
func parseLocation(line string) (string, int) {
	loc := strings.TrimSpace(line)
	loc, _, _ = strings.Cut(loc, " +0x")
	colon := strings.LastIndex(loc, ":")
	if colon < 0 {
		return loc, 0
	}
	n, err := strconv.Atoi(loc[colon+1:])
	if err != nil {
		return loc, 0
	}
	return loc[:colon], n
}

// currentGoroutine returns the id and state of the calling goroutine.
func currentGoroutine() (int64, string) {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	line, _, _ := bytes.Cut(buf, []byte("\n"))
	id, state, _ := parseHeader(string(line))
	return id, state
}
