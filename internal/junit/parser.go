// Package junit parses JUnit XML reports with a streaming token decoder so
// large reports never load fully into memory.
package junit

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxMessageBytes = 1024
	maxDetailBytes  = 8192
	truncationMark  = "\n... [truncated]"

	// collectCap bounds per-element text accumulation; content past it is
	// dropped before truncation even runs.
	collectCap = maxDetailBytes + 1024

	rootSuiteName = "(root)"
)

// Status is the canonical outcome of one test execution.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Dialect identifies the reporter family a document came from. It affects
// suite-name fallbacks, classname handling and skip messages only; output
// is canonical either way.
type Dialect string

const (
	DialectStandard Dialect = "standard"
	DialectJest     Dialect = "jest"
	DialectPytest   Dialect = "pytest"
	DialectGotest   Dialect = "gotest"
)

// Suite summarizes one testsuite element.
type Suite struct {
	Name     string
	Tests    int
	Failures int
	Errors   int
	Skipped  int
	TimeMS   int
}

// TestResult is one canonical test execution.
type TestResult struct {
	Suite      string
	ClassName  string
	Name       string
	File       string
	Status     Status
	DurationMS int
	Message    string
	Detail     string
	Attempt    int
}

// Identifier returns the display identity, classname#name.
func (t TestResult) Identifier() string {
	if t.ClassName == "" {
		return t.Name
	}
	return fmt.Sprintf("%s#%s", t.ClassName, t.Name)
}

// Report is the canonical output of a parsed document.
type Report struct {
	Dialect Dialect
	Suites  []Suite
	Results []TestResult
}

// ParseError reports where in the document parsing failed.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("junit parse error at byte %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads a JUnit document from r. It accepts a <testsuites> root, a
// bare <testsuite>, or several concatenated testsuite roots. Repeated
// executions of the same test, whether re-emitted testcases or Surefire
// rerun/flaky child elements, come back as attempts 1..k in document order.
func Parse(r io.Reader) (*Report, error) {
	dec := xml.NewDecoder(r)
	rep := &Report{Dialect: DialectStandard}

	var suiteStack []string
	attempts := make(map[string]int)
	sawSuite := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Offset: dec.InputOffset(), Err: err}
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "testsuites":
				detectFromName(rep, attrValue(el, "name"))
			case "testsuite":
				suite := Suite{
					Name:     attrValue(el, "name"),
					Tests:    parseIntAttr(el, "tests"),
					Failures: parseIntAttr(el, "failures"),
					Errors:   parseIntAttr(el, "errors"),
					Skipped:  parseIntAttr(el, "skipped"),
					TimeMS:   parseTimeMS(attrValue(el, "time")),
				}
				if suite.Name == "" {
					suite.Name = rootSuiteName
				}
				detectFromName(rep, suite.Name)
				rep.Suites = append(rep.Suites, suite)
				suiteStack = append(suiteStack, suite.Name)
				sawSuite = true
			case "property":
				if strings.HasPrefix(attrValue(el, "name"), "go.") {
					rep.Dialect = DialectGotest
				}
			case "testcase":
				suiteName := rootSuiteName
				if len(suiteStack) > 0 {
					suiteName = suiteStack[len(suiteStack)-1]
				}
				results, err := parseTestCase(dec, el, suiteName, rep.Dialect)
				if err != nil {
					return nil, err
				}
				for i := range results {
					key := attemptKey(results[i])
					attempts[key]++
					results[i].Attempt = attempts[key]
					rep.Results = append(rep.Results, results[i])
				}
			}
		case xml.EndElement:
			if el.Name.Local == "testsuite" && len(suiteStack) > 0 {
				suiteStack = suiteStack[:len(suiteStack)-1]
			}
		}
	}

	if !sawSuite && len(rep.Results) == 0 {
		return nil, &ParseError{Offset: dec.InputOffset(), Err: fmt.Errorf("no testsuite element found")}
	}
	return rep, nil
}

// pendingOutcome is one failure-ish child element before assembly. rerun
// marks Surefire flaky/rerun children as opposed to the terminal outcome.
type pendingOutcome struct {
	status  Status
	message string
	detail  string
	rerun   bool
}

// parseTestCase consumes one testcase element and returns the executions it
// describes, oldest attempt first.
func parseTestCase(dec *xml.Decoder, start xml.StartElement, suiteName string, dialect Dialect) ([]TestResult, error) {
	className := attrValue(start, "classname")
	name := attrValue(start, "name")
	file := attrValue(start, "file")
	durationMS := parseTimeMS(attrValue(start, "time"))

	// jest-junit duplicates the full title into classname; drop it so the
	// identity constraint does not double the test name.
	if dialect == DialectJest && className == name {
		className = ""
	}

	var (
		sequence   []pendingOutcome
		skipped    *pendingOutcome
		sysOut     string
		sysErr     string
		sawRerun   bool
		parseChild = func(el xml.StartElement, status Status, rerun bool) error {
			detail, err := collectText(dec)
			if err != nil {
				return &ParseError{Offset: dec.InputOffset(), Err: err}
			}
			sequence = append(sequence, pendingOutcome{
				status:  status,
				message: attrValue(el, "message"),
				detail:  detail,
				rerun:   rerun,
			})
			return nil
		}
	)

loop:
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, &ParseError{Offset: dec.InputOffset(), Err: err}
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "error":
				if err := parseChild(el, StatusError, false); err != nil {
					return nil, err
				}
			case "failure":
				if err := parseChild(el, StatusFailed, false); err != nil {
					return nil, err
				}
			case "flakyFailure", "rerunFailure":
				sawRerun = true
				if err := parseChild(el, StatusFailed, true); err != nil {
					return nil, err
				}
			case "flakyError", "rerunError":
				sawRerun = true
				if err := parseChild(el, StatusError, true); err != nil {
					return nil, err
				}
			case "skipped":
				detail, err := collectText(dec)
				if err != nil {
					return nil, &ParseError{Offset: dec.InputOffset(), Err: err}
				}
				message := attrValue(el, "message")
				if message == "" {
					message = detail
				}
				skipped = &pendingOutcome{status: StatusSkipped, message: message}
			case "system-out":
				if sysOut, err = collectText(dec); err != nil {
					return nil, &ParseError{Offset: dec.InputOffset(), Err: err}
				}
			case "system-err":
				if sysErr, err = collectText(dec); err != nil {
					return nil, &ParseError{Offset: dec.InputOffset(), Err: err}
				}
			default:
				if err := dec.Skip(); err != nil {
					return nil, &ParseError{Offset: dec.InputOffset(), Err: err}
				}
			}
		case xml.EndElement:
			if el.Name.Local == "testcase" {
				break loop
			}
		}
	}

	base := TestResult{
		Suite:      suiteName,
		ClassName:  className,
		Name:       name,
		File:       file,
		Status:     StatusPassed,
		DurationMS: durationMS,
	}

	fallbackDetail := sysErr
	if fallbackDetail == "" {
		fallbackDetail = sysOut
	}

	// Rerun children expand into one result per attempt, document order. A
	// testcase that ended up passing gets a final passed entry after its
	// flaky failures; one that stayed failing keeps its last failure as the
	// final attempt.
	if sawRerun {
		results := make([]TestResult, 0, len(sequence)+1)
		terminalFailed := false
		for _, outcome := range sequence {
			if !outcome.rerun {
				terminalFailed = true
			}
			r := base
			r.Status = outcome.status
			r.Message = truncate(outcome.message, maxMessageBytes)
			r.Detail = truncate(outcome.detail, maxDetailBytes)
			r.DurationMS = 0
			results = append(results, r)
		}
		if terminalFailed {
			results[len(results)-1].DurationMS = durationMS
		} else {
			results = append(results, base)
		}
		return results, nil
	}

	result := base
	switch {
	case len(sequence) > 0:
		outcome := pickByPrecedence(sequence)
		result.Status = outcome.status
		result.Message = truncate(outcome.message, maxMessageBytes)
		detail := outcome.detail
		if detail == "" {
			detail = fallbackDetail
		}
		result.Detail = truncate(detail, maxDetailBytes)
	case skipped != nil:
		result.Status = StatusSkipped
		result.Message = truncate(skipped.message, maxMessageBytes)
	}
	return []TestResult{result}, nil
}

// pickByPrecedence applies error > failure when a testcase carries both.
func pickByPrecedence(sequence []pendingOutcome) pendingOutcome {
	for _, outcome := range sequence {
		if outcome.status == StatusError {
			return outcome
		}
	}
	return sequence[0]
}

// collectText accumulates character data until the element closes, keeping
// at most collectCap bytes.
func collectText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	depth := 1
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				return strings.TrimSpace(b.String()), nil
			}
		case xml.CharData:
			if b.Len() < collectCap {
				b.Write(t)
			}
		}
	}
}

// truncate cuts s to maxBytes on a rune boundary, marking the cut.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes - len(truncationMark)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMark
}

func attemptKey(r TestResult) string {
	return r.Suite + "\x00" + r.ClassName + "\x00" + r.Name
}

func detectFromName(rep *Report, name string) {
	if rep.Dialect != DialectStandard || name == "" {
		return
	}
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "jest"):
		rep.Dialect = DialectJest
	case strings.Contains(lower, "pytest"):
		rep.Dialect = DialectPytest
	case strings.Contains(name, "/") && !strings.Contains(name, " "):
		rep.Dialect = DialectGotest
	}
}

func attrValue(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func parseIntAttr(el xml.StartElement, name string) int {
	v := strings.TrimSpace(attrValue(el, name))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// parseTimeMS converts a seconds attribute to integer milliseconds; garbage
// or negative values come back as 0.
func parseTimeMS(v string) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int(f * 1000)
}
