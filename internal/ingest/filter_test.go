package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thc1006/flakeguard/internal/github"
)

func TestArtifactFilterSelect(t *testing.T) {
	filter := ArtifactFilter{MinBytes: 100, MaxBytes: 1 << 20}

	tests := []struct {
		name     string
		artifact github.Artifact
		want     bool
		reason   string
	}{
		{
			name:     "junit report",
			artifact: github.Artifact{Name: "junit-results", SizeInBytes: 5000},
			want:     true,
		},
		{
			name:     "test in name",
			artifact: github.Artifact{Name: "Test-Output", SizeInBytes: 5000},
			want:     true,
		},
		{
			name:     "xml extension",
			artifact: github.Artifact{Name: "report.xml", SizeInBytes: 5000},
			want:     true,
		},
		{
			name:     "zip extension",
			artifact: github.Artifact{Name: "coverage.zip", SizeInBytes: 5000},
			want:     true,
		},
		{
			name:     "unrelated artifact",
			artifact: github.Artifact{Name: "binary-build", SizeInBytes: 5000},
			want:     false,
			reason:   skipName,
		},
		{
			name:     "expired",
			artifact: github.Artifact{Name: "test-results", SizeInBytes: 5000, Expired: true},
			want:     false,
			reason:   skipExpired,
		},
		{
			name:     "undersize",
			artifact: github.Artifact{Name: "test-results", SizeInBytes: 10},
			want:     false,
			reason:   skipUndersize,
		},
		{
			name:     "oversize",
			artifact: github.Artifact{Name: "test-results", SizeInBytes: 2 << 20},
			want:     false,
			reason:   skipOversize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := filter.Select(tt.artifact)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.reason, reason)
		})
	}
}

func TestArtifactFilterPatterns(t *testing.T) {
	filter := ArtifactFilter{MaxBytes: 1 << 20, Patterns: []string{"ci-out-*"}}

	ok, _ := filter.Select(github.Artifact{Name: "ci-out-linux", SizeInBytes: 500})
	require.True(t, ok)

	ok, reason := filter.Select(github.Artifact{Name: "ci-logs", SizeInBytes: 500})
	require.False(t, ok)
	require.Equal(t, skipName, reason)
}
