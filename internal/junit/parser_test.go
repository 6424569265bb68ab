package junit

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestParse_PassingSuites(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="auth" tests="2" failures="0" errors="0" skipped="0" time="1.5">
    <testcase classname="auth.LoginTest" name="testLogin" time="0.25"/>
    <testcase classname="auth.LoginTest" name="testLogout" time="0.50"/>
  </testsuite>
</testsuites>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Suites, 1)
	require.Equal(t, "auth", rep.Suites[0].Name)
	require.Equal(t, 2, rep.Suites[0].Tests)
	require.Equal(t, 1500, rep.Suites[0].TimeMS)
	require.Len(t, rep.Results, 2)

	for _, r := range rep.Results {
		require.Equal(t, StatusPassed, r.Status)
		require.Equal(t, "auth", r.Suite)
		require.Equal(t, 1, r.Attempt)
		require.Empty(t, r.Message)
	}
	require.Equal(t, 250, rep.Results[0].DurationMS)
	require.Equal(t, "auth.LoginTest#testLogin", rep.Results[0].Identifier())
}

func TestParse_FailureAndError(t *testing.T) {
	doc := `<testsuite name="s" tests="2">
  <testcase classname="c" name="fails" time="0.1">
    <failure message="expected true">assertion stack</failure>
  </testcase>
  <testcase classname="c" name="errors" time="0.1">
    <error message="NullPointerException"><![CDATA[at c.errors(c.java:10)]]></error>
  </testcase>
</testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)

	require.Equal(t, StatusFailed, rep.Results[0].Status)
	require.Equal(t, "expected true", rep.Results[0].Message)
	require.Equal(t, "assertion stack", rep.Results[0].Detail)

	require.Equal(t, StatusError, rep.Results[1].Status)
	require.Equal(t, "NullPointerException", rep.Results[1].Message)
	require.Equal(t, "at c.errors(c.java:10)", rep.Results[1].Detail)
}

func TestParse_ErrorBeatsFailure(t *testing.T) {
	doc := `<testsuite name="s"><testcase classname="c" name="n">
  <failure message="assert"/>
  <error message="boom"/>
</testcase></testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	require.Equal(t, StatusError, rep.Results[0].Status)
	require.Equal(t, "boom", rep.Results[0].Message)
}

func TestParse_SkippedMessage(t *testing.T) {
	doc := `<testsuite name="s">
  <testcase classname="c" name="attr"><skipped message="not on CI"/></testcase>
  <testcase classname="c" name="content"><skipped>requires docker</skipped></testcase>
</testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	require.Equal(t, StatusSkipped, rep.Results[0].Status)
	require.Equal(t, "not on CI", rep.Results[0].Message)
	require.Equal(t, StatusSkipped, rep.Results[1].Status)
	require.Equal(t, "requires docker", rep.Results[1].Message)
}

func TestParse_Truncation(t *testing.T) {
	longMsg := strings.Repeat("a", 2000)
	longDetail := strings.Repeat("b", 9000)
	doc := `<testsuite name="s"><testcase classname="c" name="n" time="0.1"><failure message="` +
		longMsg + `">` + longDetail + `</failure></testcase></testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)

	r := rep.Results[0]
	require.Equal(t, StatusFailed, r.Status)
	require.Len(t, r.Message, 1024)
	require.Contains(t, r.Message, "[truncated]")
	require.Len(t, r.Detail, 8192)
	require.Contains(t, r.Detail, "[truncated]")
	require.Equal(t, 100, r.DurationMS)
}

func TestParse_TruncationRespectsRuneBoundary(t *testing.T) {
	// Leading byte shifts the 3-byte runes so the cut lands mid-rune.
	msg := "x" + strings.Repeat("日", 600)
	doc := `<testsuite name="s"><testcase classname="c" name="n"><failure message="` +
		msg + `"/></testcase></testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	got := rep.Results[0].Message
	require.LessOrEqual(t, len(got), 1024)
	require.True(t, strings.HasSuffix(got, "[truncated]"))
	require.True(t, utf8.ValidString(got))
}

func TestParse_GarbageTimeAttr(t *testing.T) {
	doc := `<testsuite name="s"><testcase classname="c" name="n" time="abc"/></testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 0, rep.Results[0].DurationMS)
}

func TestParse_BareSuiteRoot(t *testing.T) {
	doc := `<testsuite name="solo" tests="1"><testcase classname="c" name="n"/></testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Suites, 1)
	require.Len(t, rep.Results, 1)
	require.Equal(t, "solo", rep.Results[0].Suite)
}

func TestParse_ConcatenatedSuiteRoots(t *testing.T) {
	doc := `<testsuite name="one"><testcase classname="c" name="a"/></testsuite>
<testsuite name="two"><testcase classname="c" name="b"/></testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Suites, 2)
	require.Len(t, rep.Results, 2)
	require.Equal(t, "one", rep.Results[0].Suite)
	require.Equal(t, "two", rep.Results[1].Suite)
}

func TestParse_RepeatedTestcaseBecomesAttempts(t *testing.T) {
	doc := `<testsuite name="s">
  <testcase classname="c" name="n"><failure message="first try"/></testcase>
  <testcase classname="c" name="n"/>
</testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	require.Equal(t, StatusFailed, rep.Results[0].Status)
	require.Equal(t, 1, rep.Results[0].Attempt)
	require.Equal(t, StatusPassed, rep.Results[1].Status)
	require.Equal(t, 2, rep.Results[1].Attempt)
}

func TestParse_FlakyFailureExpandsToAttempts(t *testing.T) {
	doc := `<testsuite name="s">
  <testcase classname="c" name="n" time="0.3">
    <flakyFailure message="timed out waiting">stack one</flakyFailure>
    <flakyFailure message="timed out waiting">stack two</flakyFailure>
  </testcase>
</testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Results, 3)

	require.Equal(t, StatusFailed, rep.Results[0].Status)
	require.Equal(t, 1, rep.Results[0].Attempt)
	require.Equal(t, StatusFailed, rep.Results[1].Status)
	require.Equal(t, 2, rep.Results[1].Attempt)
	require.Equal(t, StatusPassed, rep.Results[2].Status)
	require.Equal(t, 3, rep.Results[2].Attempt)
	require.Equal(t, 300, rep.Results[2].DurationMS)
}

func TestParse_RerunFailureStaysFailed(t *testing.T) {
	doc := `<testsuite name="s">
  <testcase classname="c" name="n" time="0.2">
    <failure message="original">first stack</failure>
    <rerunFailure message="again">second stack</rerunFailure>
  </testcase>
</testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Results, 2)
	require.Equal(t, StatusFailed, rep.Results[0].Status)
	require.Equal(t, "original", rep.Results[0].Message)
	require.Equal(t, StatusFailed, rep.Results[1].Status)
	require.Equal(t, "again", rep.Results[1].Message)
	require.Equal(t, 200, rep.Results[1].DurationMS)
}

func TestParse_MalformedXML(t *testing.T) {
	doc := `<testsuite name="s"><testcase classname="c" name="n"></testsuite>`

	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Greater(t, parseErr.Offset, int64(0))
}

func TestParse_TruncatedDocument(t *testing.T) {
	doc := `<testsuites><testsuite name="s"><testcase classname="c" name="n">`

	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestParse_NotAReport(t *testing.T) {
	_, err := Parse(strings.NewReader(`<html><body>nope</body></html>`))
	require.Error(t, err)
}

func TestParse_JestClassnameDeduped(t *testing.T) {
	doc := `<testsuites name="jest tests">
  <testsuite name="login.test.js">
    <testcase classname="renders the form" name="renders the form" time="0.01"/>
  </testsuite>
</testsuites>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, DialectJest, rep.Dialect)
	require.Equal(t, "", rep.Results[0].ClassName)
	require.Equal(t, "renders the form", rep.Results[0].Identifier())
}

func TestParse_GotestPropertyDetection(t *testing.T) {
	doc := `<testsuites>
  <testsuite name="github.com/acme/pkg">
    <properties><property name="go.version" value="go1.24"/></properties>
    <testcase classname="github.com/acme/pkg" name="TestThing" time="0.02"/>
  </testsuite>
</testsuites>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, DialectGotest, rep.Dialect)
}

func TestParse_PytestFileAttr(t *testing.T) {
	doc := `<testsuites><testsuite name="pytest">
  <testcase classname="tests.test_api" name="test_get" file="tests/test_api.py" time="0.4"/>
</testsuite></testsuites>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, DialectPytest, rep.Dialect)
	require.Equal(t, "tests/test_api.py", rep.Results[0].File)
}

func TestParse_NestedSuitesFlatten(t *testing.T) {
	doc := `<testsuites>
  <testsuite name="outer">
    <testsuite name="inner">
      <testcase classname="c" name="n"/>
    </testsuite>
  </testsuite>
</testsuites>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, rep.Suites, 2)
	require.Equal(t, "inner", rep.Results[0].Suite)
}

func TestParse_SystemErrFallbackDetail(t *testing.T) {
	doc := `<testsuite name="s">
  <testcase classname="c" name="n">
    <failure message="boom"/>
    <system-err>panic: goroutine stack</system-err>
  </testcase>
</testsuite>`

	rep, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "panic: goroutine stack", rep.Results[0].Detail)
}
