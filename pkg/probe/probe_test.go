// Copyright (c) 2024 Anchor Project
// This is an alpha (internal) release and is not suitable for production. This source code is provided 'as is' and no
// warranties are given as to title or non-infringement, merchantability or fitness for purpose and, to the extent
// permitted by law, all liability for your use of the code is disclaimed. This source code is governed by Apache
// License 2.0 that can be found in the LICENSE file.

package probe

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anchorproject/anchor-core/testutil"
)

const _testPort = 7788

func get(t *testing.T, endpoint string) int {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", _testPort, endpoint))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestProbeEndpoints(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	s := New(_testPort)
	r.NoError(s.Start(ctx))
	r.NoError(testutil.WaitUntil(100*time.Millisecond, 2*time.Second, func() (bool, error) {
		_, err := http.Get(fmt.Sprintf("http://localhost:%d/liveness", _testPort))
		return err == nil, nil
	}))

	// alive as soon as the server listens, not ready until told so
	r.Equal(http.StatusOK, get(t, "/liveness"))
	r.Equal(http.StatusServiceUnavailable, get(t, "/readiness"))
	r.Equal(http.StatusServiceUnavailable, get(t, "/health"))
	r.Equal(http.StatusOK, get(t, "/metrics"))

	s.Ready()
	r.Equal(http.StatusOK, get(t, "/readiness"))
	r.Equal(http.StatusOK, get(t, "/health"))

	// readiness toggles, liveness does not
	s.NotReady()
	r.Equal(http.StatusOK, get(t, "/liveness"))
	r.Equal(http.StatusServiceUnavailable, get(t, "/readiness"))

	r.NoError(s.Stop(ctx))
	_, err := http.Get(fmt.Sprintf("http://localhost:%d/liveness", _testPort))
	r.Error(err)
}
