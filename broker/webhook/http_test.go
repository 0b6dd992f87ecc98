// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Send(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverDelay    time.Duration
		timeout        time.Duration
		errContains    string
	}{
		{
			name:           "successful request",
			serverResponse: http.StatusOK,
			timeout:        5 * time.Second,
		},
		{
			name:           "successful request with 204",
			serverResponse: http.StatusNoContent,
			timeout:        5 * time.Second,
		},
		{
			name:           "server returns 400",
			serverResponse: http.StatusBadRequest,
			timeout:        5 * time.Second,
			errContains:    "non-2xx status: 400",
		},
		{
			name:           "server returns 500",
			serverResponse: http.StatusInternalServerError,
			timeout:        5 * time.Second,
			errContains:    "non-2xx status: 500",
		},
		{
			name:           "timeout exceeded",
			serverResponse: http.StatusOK,
			serverDelay:    time.Second,
			timeout:        50 * time.Millisecond,
			errContains:    "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotBody []byte
			var gotHeader http.Header
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotHeader = r.Header.Clone()
				gotBody, _ = io.ReadAll(r.Body)
				if tt.serverDelay > 0 {
					select {
					case <-time.After(tt.serverDelay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.serverResponse)
			}))
			defer server.Close()

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			sender := NewHTTPSender(nil)
			err := sender.Send(ctx, server.URL, map[string]string{"Authorization": "Bearer token"}, []byte(`{"k":"v"}`))

			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, `{"k":"v"}`, string(gotBody))
			assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
			assert.Equal(t, userAgent, gotHeader.Get("User-Agent"))
			assert.Equal(t, "Bearer token", gotHeader.Get("Authorization"))
		})
	}
}

func TestHTTPSender_Send_InvalidURL(t *testing.T) {
	sender := NewHTTPSender(nil)
	err := sender.Send(context.Background(), "://bad", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create request")
}
