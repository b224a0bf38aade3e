package main

import (
	"fmt"
	"testing"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad yaml", errConfig), exitConfig},
		{fmt.Errorf("%w: token refresh rejected", errAuthorization), exitAuthorization},
		{fmt.Errorf("%w: all transports failed", errTransportExhausted), exitTransport},
		{fmt.Errorf("some other failure"), exitConfig},
	}
	for _, c := range cases {
		if got := exitCodeFor(c.err); got != c.want {
			t.Errorf("exitCodeFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestRun_UnknownSubcommand(t *testing.T) {
	if got := run([]string{"bogus"}); got != exitConfig {
		t.Errorf("run([bogus]) = %d, want %d", got, exitConfig)
	}
}
