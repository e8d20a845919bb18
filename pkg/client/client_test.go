package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakulab/haku/pkg/types"
)

func TestSubmitRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/submit", r.URL.Path)

		var req types.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, types.TaskCommand, req.Type)
		assert.Equal(t, []string{"gpu01", "gpu02"}, req.Targets)

		_ = json.NewEncoder(w).Encode(types.SubmitResponse{
			TaskIDs: []int64{101, 102},
			FailedTargets: []types.FailedTarget{
				{Target: "gpu03", Reason: "node offline"},
			},
		})
	}))
	defer srv.Close()

	c := NewHostClient(srv.URL)
	resp, err := c.Submit(&types.SubmitRequest{
		Type:    types.TaskCommand,
		Command: "train.sh",
		Cores:   4,
		Targets: []string{"gpu01", "gpu02"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, resp.TaskIDs)
	require.Len(t, resp.FailedTargets, 1)
	assert.Equal(t, "node offline", resp.FailedTargets[0].Reason)
}

func TestGetTaskNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: "task 99 not found"})
	}))
	defer srv.Close()

	c := NewHostClient(srv.URL)
	_, err := c.GetTask(99)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "task 99 not found")
}

func TestLifecycleVerbs(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHostClient(srv.URL)
	require.NoError(t, c.Kill(7))
	require.NoError(t, c.Pause(7))
	require.NoError(t, c.Resume(7))

	assert.Equal(t, []string{
		"POST /task/7/kill",
		"POST /task/7/pause",
		"POST /task/7/resume",
	}, paths)
}

func TestRunnerRunAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/run", r.URL.Path)

		var order types.RunOrder
		require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		assert.Equal(t, int64(55), order.TaskID)

		_ = json.NewEncoder(w).Encode(types.RunAck{Accepted: false, Reason: "cores exhausted"})
	}))
	defer srv.Close()

	c := NewRunnerClient(srv.URL)
	ack, err := c.Run(context.Background(), &types.RunOrder{TaskID: 55, Type: types.TaskCommand})
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "cores exhausted", ack.Reason)
}

func TestRunnerTransportError(t *testing.T) {
	c := NewRunnerClient("127.0.0.1:1") // nothing listens here
	_, err := c.Run(context.Background(), &types.RunOrder{TaskID: 1})
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestNormalizeBase(t *testing.T) {
	assert.Equal(t, "http://gpu01:7600", normalizeBase("gpu01:7600"))
	assert.Equal(t, "http://gpu01:7600", normalizeBase("http://gpu01:7600/"))
	assert.Equal(t, "https://gpu01:7600", normalizeBase("https://gpu01:7600"))
}
