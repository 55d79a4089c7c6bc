package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/detector"
	"github.com/fyrsmithlabs/reviewd/internal/fixer"
	"github.com/fyrsmithlabs/reviewd/internal/workflow"
)

func fakeAPI(t *testing.T, handler http.HandlerFunc) *github.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	return client
}

func testExecution() *workflow.Execution {
	return &workflow.Execution{
		ID:     "3f2a9c1e-0000-0000-0000-000000000000",
		Status: workflow.StatusSucceeded,
		Summary: &detector.Summary{
			FilesScanned: 3,
			TotalIssues:  2,
			ByRule:       map[string]int{"unused_import": 2},
		},
		Outcomes: []fixer.FixOutcome{
			{Success: true, Diff: "@@ line 1 @@\n-import os\n"},
		},
		Skipped: 1,
	}
}

func TestCreateReviewRequest(t *testing.T) {
	var gotBody map[string]any
	client := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number": 7, "html_url": "https://github.test/acme/app/issues/7"}`)
	})

	svc, err := NewServiceWithClient(&Config{Owner: "acme", Repo: "app"}, client, zap.NewNop())
	require.NoError(t, err)

	auditID, err := svc.CreateReviewRequest(context.Background(), testExecution())
	require.NoError(t, err)
	assert.Equal(t, "https://github.test/acme/app/issues/7", auditID)

	assert.Contains(t, gotBody["title"], "Automated review 3f2a9c1e")
	assert.Contains(t, gotBody["body"], "unused_import")
	assert.Contains(t, gotBody["body"], "Fixes applied: 1, rolled back: 0, skipped: 1.")
}

func TestCreateReviewRequest_RetriesServerErrors(t *testing.T) {
	var calls int32
	client := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number": 8, "html_url": "https://github.test/acme/app/issues/8"}`)
	})

	cfg := &Config{Owner: "acme", Repo: "app", InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	svc, err := NewServiceWithClient(cfg, client, zap.NewNop())
	require.NoError(t, err)

	auditID, err := svc.CreateReviewRequest(context.Background(), testExecution())
	require.NoError(t, err)
	assert.Equal(t, "https://github.test/acme/app/issues/8", auditID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCreateReviewRequest_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message": "Validation Failed"}`)
	})

	cfg := &Config{Owner: "acme", Repo: "app", InitialBackoff: time.Millisecond}
	svc, err := NewServiceWithClient(cfg, client, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.CreateReviewRequest(context.Background(), testExecution())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRenderBody_DeterministicRuleOrder(t *testing.T) {
	exec := testExecution()
	exec.Summary.ByRule = map[string]int{
		"unused_import":   2,
		"unsafe_eval":     1,
		"sql_injection":   1,
		"unused_variable": 3,
	}

	first := renderBody(exec)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, renderBody(exec))
	}

	// Table rows come out in rule order
	assert.Regexp(t, `(?s)sql_injection.*unsafe_eval.*unused_import.*unused_variable`, first)
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(&Config{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewServiceWithClient(&Config{Owner: "acme"}, github.NewClient(nil), zap.NewNop())
	assert.Error(t, err)
}
