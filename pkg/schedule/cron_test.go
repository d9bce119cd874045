// pkg/schedule/cron_test.go

package schedule

import (
	"strings"
	"testing"

	cerr "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/harpy/pkg/execute"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/testutil"
)

// cronTab emulates crontab -l / crontab - against an in-memory tab.
type cronTab struct {
	content string
	exists  bool
}

func (c *cronTab) handler(opts execute.Options) (string, error) {
	switch opts.Args[0] {
	case "-l":
		if !c.exists {
			return "no crontab for root", cerr.New("exit status 1")
		}
		return c.content, nil
	case "-":
		c.content = opts.Stdin
		c.exists = true
		return "", nil
	}
	return "", cerr.Newf("unexpected crontab args %v", opts.Args)
}

func TestInstallOnEmptyCrontab(t *testing.T) {
	rc := testutil.RC(t)
	tab := &cronTab{}
	s := NewCronScheduler(&testutil.FakeRunner{Handler: tab.handler})

	entry := Entry{Schedule: "@reboot", Command: "/usr/local/bin/harpy provision --resume-env /var/lib/harpy/resume.env"}
	require.NoError(t, s.Install(rc, entry))

	assert.Equal(t, entry.Schedule+" "+entry.Command+"\n", tab.content)
}

func TestInstallNeverAccumulatesDuplicates(t *testing.T) {
	rc := testutil.RC(t)
	tab := &cronTab{}
	s := NewCronScheduler(&testutil.FakeRunner{Handler: tab.handler})

	entry := Entry{Schedule: "@reboot", Command: "/usr/local/bin/harpy provision --resume-env /var/lib/harpy/resume.env"}
	require.NoError(t, s.Install(rc, entry))
	require.NoError(t, s.Install(rc, entry))
	require.NoError(t, s.Install(rc, entry))

	assert.Equal(t, 1, strings.Count(tab.content, "/usr/local/bin/harpy"))
}

func TestInstallPreservesUnrelatedEntries(t *testing.T) {
	rc := testutil.RC(t)
	tab := &cronTab{content: "0 3 * * * /usr/bin/certbot renew\n", exists: true}
	s := NewCronScheduler(&testutil.FakeRunner{Handler: tab.handler})

	require.NoError(t, s.Install(rc, Entry{Schedule: "@reboot", Command: "/usr/local/bin/harpy provision"}))

	assert.Contains(t, tab.content, "certbot renew")
	assert.Contains(t, tab.content, "@reboot /usr/local/bin/harpy provision")
}

func TestRemoveMatchingDeletesOnlyOurEntries(t *testing.T) {
	rc := testutil.RC(t)
	tab := &cronTab{
		content: "0 3 * * * /usr/bin/certbot renew\n@reboot /usr/local/bin/harpy provision --resume-env /var/lib/harpy/resume.env\n",
		exists:  true,
	}
	s := NewCronScheduler(&testutil.FakeRunner{Handler: tab.handler})

	removed, err := s.RemoveMatching(rc, "/usr/local/bin/harpy")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Contains(t, tab.content, "certbot renew")
	assert.NotContains(t, tab.content, "harpy")
}

func TestRemoveMatchingOnFreshHostIsNoOp(t *testing.T) {
	rc := testutil.RC(t)
	tab := &cronTab{}
	fake := &testutil.FakeRunner{Handler: tab.handler}
	s := NewCronScheduler(fake)

	removed, err := s.RemoveMatching(rc, "/usr/local/bin/harpy")
	require.NoError(t, err)
	assert.Zero(t, removed)
	// No write when nothing matched.
	assert.Len(t, fake.Calls(), 1)
}
