package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/mod/semver"
)

func TestVersionFor(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		tag      string
		revision string
		want     string
	}{
		{name: "Devel", want: "v0.0.0-devel"},
		{name: "DevelWithRevision", revision: "0123456789abcdef", want: "v0.0.0-devel+0123456"},
		{name: "Tagged", tag: "1.2.3", revision: "0123456789abcdef", want: "v1.2.3+0123456"},
		{name: "TaggedWithPrefix", tag: "v1.2.3", want: "v1.2.3"},
		{name: "TaggedWithBuild", tag: "1.2.3+custom", revision: "0123456789abcdef", want: "v1.2.3+custom"},
		{name: "InvalidTag", tag: "banana", want: "v0.0.0-devel"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := versionFor(tc.tag, tc.revision)
			require.Equal(t, tc.want, got)
			require.True(t, semver.IsValid(got))
		})
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()
	require.True(t, semver.IsValid(Version()))
	require.Contains(t, ExternalURL(), "github.com/coder/liveness")
}
