package intercept

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/memoryos/outputguard/internal/domain"
	"github.com/memoryos/outputguard/internal/store"
)

// bypassIndicators are function-name fragments that suggest the caller
// wrote user-facing output directly instead of going through the
// interceptor. This is a best-effort diagnostic signal, not a runtime
// guarantee; static analysis is the authoritative check.
var bypassIndicators = []string{
	"fmt.Print",
	"fmt.Fprint",
	"net/http.Error",
	"(*json.Encoder).Encode",
	"html/template.(*Template).Execute",
}

const (
	stackFrameLimit    = 5
	bypassSnippetLimit = 100
)

// StackBypassDetector scans the call stack of the current output
// attempt for known direct-output call sites. It implements
// engine.BypassDetector.
type StackBypassDetector struct{}

// DetectBypass walks the caller stack looking for direct-output
// functions. When one is found it returns a BypassAttempt capturing
// the last few frames.
func (StackBypassDetector) DetectBypass(octx domain.OutputContext, content string) (store.BypassAttempt, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	if n == 0 {
		return store.BypassAttempt{}, false
	}

	frames := runtime.CallersFrames(pcs[:n])
	var all []string
	suspicious := false
	for {
		frame, more := frames.Next()
		all = append(all, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		for _, indicator := range bypassIndicators {
			if strings.Contains(frame.Function, indicator) {
				suspicious = true
			}
		}
		if !more {
			break
		}
	}
	if !suspicious {
		return store.BypassAttempt{}, false
	}

	if len(all) > stackFrameLimit {
		all = all[len(all)-stackFrameLimit:]
	}
	return store.BypassAttempt{
		Timestamp: time.Now().UTC(),
		Channel:   octx.Channel,
		Source: store.SourceRef{
			Function: octx.SourceFunction,
			File:     octx.SourceFile,
			Line:     octx.SourceLine,
		},
		ContentSnippet: store.Snippet(content, bypassSnippetLimit),
		StackTrace:     all,
	}, true
}
