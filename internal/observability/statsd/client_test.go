package statsd

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, name, want string
	}{
		{"orchestrator", " job/transition ", "orchestrator.job_transition"},
		{"", "foo..bar", "foo.bar"},
		{"p", "multi  space", "p.multi__space"},
		{"p", "...", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, metricName(tt.prefix, tt.name), "metricName(%q, %q)", tt.prefix, tt.name)
	}
}

func TestFormatTags(t *testing.T) {
	t.Parallel()

	global := map[string]string{"env": "prod", " service ": " orchestrator "}
	local := map[string]string{"result": " success ", "": "ignored", "env": "stage"}

	assert.Equal(t, "|#env:stage,result:success,service:orchestrator", formatTags(global, local))
	assert.Empty(t, formatTags(nil, nil))
}

func TestClient_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: true, Address: "  "})
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	client.Count("job.transition", 1, nil)
	require.NoError(t, client.Close())

	var nilClient *Client
	nilClient.Timing("job.duration", time.Second, nil)
	assert.False(t, nilClient.Enabled())
}

func TestClient_EmitsOverUDP(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	client, err := NewClient(Config{
		Enabled:    true,
		Address:    pc.LocalAddr().String(),
		Prefix:     ".orchestrator.",
		GlobalTags: map[string]string{"env": "test"},
	})
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.Enabled())

	read := func() string {
		buf := make([]byte, 512)
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, readErr := pc.ReadFrom(buf)
		require.NoError(t, readErr)
		return string(buf[:n])
	}

	client.Count("job.transition", 2, map[string]string{"queue_type": "render"})
	assert.Equal(t, "orchestrator.job.transition:2|c|#env:test,queue_type:render", read())

	client.Timing("job.duration", 1500*time.Millisecond, nil)
	assert.Equal(t, "orchestrator.job.duration:1500|ms|#env:test", read())

	client.Gauge("sweeper.in_flight", 3.5, nil)
	assert.True(t, strings.HasPrefix(read(), "orchestrator.sweeper.in_flight:3.5|g"))
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	var r Recorder
	r.Count("a", 1, nil)
	r.Timing("b", 2*time.Millisecond, map[string]string{"k": "v"})
	r.Count("a", 3, nil)

	got := r.Named("a")
	require.Len(t, got, 2)
	assert.InDelta(t, 3.0, got[1].Value, 1e-9)
	assert.Equal(t, "ms", r.Named("b")[0].Kind)
}
