package cluster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_MasksVolatileTokens(t *testing.T) {
	a := Normalize("Error at 0x7f8a2b004c30: request 123 failed after 4.5s at 2024-03-01T10:15:30Z")
	b := Normalize("Error at 0x55d91cff0a10: request 987 failed after 12s at 2024-06-12T22:01:04Z")
	require.Equal(t, a, b)
	require.Contains(t, a, "<addr>")
	require.Contains(t, a, "<duration>")
	require.NotContains(t, a, "123")
}

func TestNormalize_MasksUUIDAndFileLine(t *testing.T) {
	a := Normalize(`lookup failed for 550e8400-e29b-41d4-a716-446655440000 in handler.go:42`)
	b := Normalize(`lookup failed for 123e4567-e89b-12d3-a456-426614174000 in handler.go:87`)
	require.Equal(t, a, b)
	require.Contains(t, a, "<uuid>")
	require.Contains(t, a, ".go:<line>")
}

func TestNormalize_KeepsLongIdentifiers(t *testing.T) {
	got := Normalize("threw IllegalArgumentException in DefaultMessageListenerContainer")
	require.Contains(t, got, "illegalargumentexception")
	require.Contains(t, got, "defaultmessagelistenercontainer")
}

func TestNormalize_MasksTokenBlobs(t *testing.T) {
	a := Normalize("auth failed: token eyJhbGciOiJIUzI1NiJ9abc123 rejected")
	b := Normalize("auth failed: token dGhpcyBpcyBud90aGVyIHg5 rejected")
	require.Contains(t, a, "<blob>")
	require.Equal(t, a, b)
}

func TestNormalize_CapsLength(t *testing.T) {
	got := Normalize(strings.Repeat("word ", 200))
	require.LessOrEqual(t, len(got), 300)
}

func TestSignature_StableAcrossVolatileDifferences(t *testing.T) {
	a := Signature("connection refused to 10.0.0.17:5432 after 30s")
	b := Signature("connection refused to 10.0.0.99:5432 after 7s")
	require.NotEmpty(t, a)
	require.Equal(t, a, b)

	c := Signature("deadlock detected in worker pool")
	require.NotEqual(t, a, c)
}

func TestSignature_EmptyMessage(t *testing.T) {
	require.Empty(t, Signature(""))
	require.Empty(t, Signature("   "))
}

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"operation timed out after 30s":              CategoryTimeout,
		"context deadline exceeded":                  CategoryTimeout,
		"dial tcp: connection refused":               CategoryNetwork,
		"read: connection reset by peer":             CategoryNetwork,
		"expected 3 but was 5":                       CategoryAssertion,
		"assert.Equal failed":                        CategoryAssertion,
		"cannot allocate memory":                     CategoryResource,
		"too many open files":                        CategoryResource,
		"failed to pull image from registry":         CategoryDependency,
		"java.lang.ClassNotFoundException: acme.Foo": CategoryDependency,
		"segfault in native code":                    CategoryUnknown,
	}
	for message, want := range cases {
		require.Equal(t, want, Classify(message), "message: %s", message)
	}
}

func TestStackDigest_StableAcrossLineShifts(t *testing.T) {
	trace1 := `panic: boom
	/app/internal/worker/pool.go:120 +0x1a4
	/app/internal/worker/run.go:88 +0x7b
	runtime.goexit
	/usr/local/go/src/runtime/asm_amd64.s:1650 +0x1`
	trace2 := `panic: boom
	/app/internal/worker/pool.go:131 +0x2b8
	/app/internal/worker/run.go:91 +0x7b
	runtime.goexit
	/usr/local/go/src/runtime/asm_amd64.s:1650 +0x1`

	d1 := StackDigest(trace1)
	d2 := StackDigest(trace2)
	require.NotEmpty(t, d1)
	require.Equal(t, d1, d2)
}

func TestStackDigest_SkipsFrameworkFrames(t *testing.T) {
	java := `at org.junit.Assert.fail(Assert.java:89)
at acme.billing.InvoiceTest.testTotals(InvoiceTest.java:41)
at jdk.internal.reflect.NativeMethodAccessorImpl.invoke0(Native Method)`

	digest := StackDigest(java)
	require.NotEmpty(t, digest)

	shifted := `at org.junit.Assert.fail(Assert.java:89)
at acme.billing.InvoiceTest.testTotals(InvoiceTest.java:77)
at jdk.internal.reflect.NativeMethodAccessorImpl.invoke0(Native Method)`
	require.Equal(t, digest, StackDigest(shifted))
}

func TestStackDigest_NoStackShape(t *testing.T) {
	require.Empty(t, StackDigest("just a plain failure message"))
	require.Empty(t, StackDigest(""))
}
