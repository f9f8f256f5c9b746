package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatsmith/threatsmith/agent"
	"github.com/threatsmith/threatsmith/analysis"
	"github.com/threatsmith/threatsmith/config"
	"github.com/threatsmith/threatsmith/job"
	"github.com/threatsmith/threatsmith/knowledge"
	"github.com/threatsmith/threatsmith/pipeline"
	"github.com/threatsmith/threatsmith/storage"
)

const describeText = "A public web application with a REST API backed by a relational database and a message queue."

// stubAnalyzer drives the pipeline from canned outputs so handler tests
// exercise the full manager and storage path without an LLM. A gated
// stub holds its stage in flight until the test releases it.
type stubAnalyzer struct {
	variant agent.Variant
	out     agent.Output
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (s *stubAnalyzer) Variant() agent.Variant { return s.variant }

func (s *stubAnalyzer) Analyze(_ context.Context, _ *agent.Context) (*agent.Output, error) {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	out := s.out
	out.Variant = s.variant
	if out.Attempts == 0 {
		out.Attempts = 1
	}
	return &out, nil
}

// happyStages returns a stage list whose pipeline produces a full result.
func happyStages() []pipeline.StageDescriptor {
	analyst := &stubAnalyzer{variant: agent.VariantSystemAnalyst, out: agent.Output{
		Components: []analysis.SystemComponent{{Name: "api", Kind: "service", EntryPoint: true}},
	}}
	mapper := &stubAnalyzer{variant: agent.VariantAttackMapper, out: agent.Output{
		Techniques: []analysis.IdentifiedTechnique{{
			TechniqueID: "T1190", TechniqueName: "Exploit Public-Facing Application",
			Tactic: "Initial Access", ApplicabilityScore: 0.9, SystemComponent: "api",
		}},
	}}
	evaluator := &stubAnalyzer{variant: agent.VariantControlEvaluator, out: agent.Output{
		Gaps: []analysis.ControlGap{{Description: "no WAF", Severity: analysis.RatingHigh, AffectedTechniques: []string{"T1190"}}},
	}}
	assessor := &stubAnalyzer{variant: agent.VariantRiskAssessor, out: agent.Output{
		Paths: []analysis.AttackPath{{
			Name:       "public exploit to data theft",
			Steps:      []analysis.AttackStep{{Step: 1, TechniqueID: "T1190", Tactic: "Initial Access", TargetComponent: "api"}},
			Likelihood: analysis.RatingHigh,
			Impact:     analysis.RatingCritical,
		}},
	}}
	recommender := &stubAnalyzer{variant: agent.VariantMitigationRecommender, out: agent.Output{
		Recommendations: []analysis.Recommendation{{Title: "Deploy a WAF", Priority: analysis.RatingHigh, AttackTechnique: "T1190"}},
	}}
	return []pipeline.StageDescriptor{
		{Name: string(analyst.variant), Agent: analyst, Required: true},
		{Name: string(mapper.variant), Agent: mapper, Required: true},
		{Name: string(evaluator.variant), Agent: evaluator, Required: true},
		{Name: string(assessor.variant), Agent: assessor, Required: true},
		{Name: string(recommender.variant), Agent: recommender, Required: false,
			Enabled: func(cfg config.AnalysisConfig) bool { return cfg.Mitigations() }},
	}
}

type testServer struct {
	*httptest.Server
	store *storage.MemoryStore
}

func newTestServer(t *testing.T, stages []pipeline.StageDescriptor) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	coordinator := pipeline.NewCoordinator(stages, store, config.RiskThresholds{Low: 3.0, Medium: 6.0, High: 8.5})
	manager := job.NewManager(store, coordinator,
		config.LLMConfig{DefaultProviders: []string{"stub"}},
		config.PipelineConfig{JobTimeout: time.Minute, AgentRepairAttempts: 0, ValidationWorkers: 1},
	)
	t.Cleanup(manager.Close)

	kb, err := knowledge.Load("")
	require.NoError(t, err)

	mux := http.NewServeMux()
	New(manager, store, kb, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func waitForState(t *testing.T, srv *testServer, projectID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/projects/"+projectID+"/analysis/status", nil)
		return resp.StatusCode == http.StatusOK && body["state"] == want
	}, 5*time.Second, 10*time.Millisecond)
}

func startAnalysis(t *testing.T, srv *testServer, projectID string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/projects/"+projectID+"/analysis/start",
		StartRequest{InputText: describeText})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "queued", body["status"])
	require.Equal(t, projectID, body["project_id"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}

func TestFullAnalysisFlow(t *testing.T) {
	srv := newTestServer(t, happyStages())

	startAnalysis(t, srv, "shop")
	waitForState(t, srv, "shop", "completed")

	resp, err := http.Get(srv.URL + "/projects/shop/analysis/results")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res analysis.ThreatModelResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Greater(t, res.OverallRiskScore, 0.0)
	assert.InDelta(t, 1.0, res.ConfidenceScore, 1e-9)
	require.Len(t, res.IdentifiedTechniques, 1)
	assert.Equal(t, "T1190", res.IdentifiedTechniques[0].TechniqueID)
	require.Len(t, res.AttackPaths, 1)
	require.Len(t, res.Recommendations, 1)
	assert.NotEmpty(t, res.ExecutiveSummary.RiskLevel)
}

func putInput(t *testing.T, srv *testServer, projectID, inputID, text string) PutInputResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut,
		srv.URL+"/projects/"+projectID+"/inputs/"+inputID, strings.NewReader(text))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var put PutInputResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&put))
	return put
}

func TestStartWithStoredInputs(t *testing.T) {
	srv := newTestServer(t, happyStages())

	put := putInput(t, srv, "shop", "arch-doc", describeText)
	assert.Equal(t, "arch-doc", put.InputID)
	assert.Greater(t, put.Chars, 0)
	putInput(t, srv, "shop", "controls-doc", "Existing controls include TLS everywhere and a managed identity provider.")

	startResp, _ := doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start",
		StartRequest{InputIDs: []string{"arch-doc", "controls-doc"}})
	require.Equal(t, http.StatusAccepted, startResp.StatusCode)
	waitForState(t, srv, "shop", "completed")
}

func TestStartRejectsUnknownStoredInput(t *testing.T) {
	srv := newTestServer(t, happyStages())
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start",
		StartRequest{InputIDs: []string{"missing"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "not found")
}

func TestStartRequiresExactlyOneInput(t *testing.T) {
	srv := newTestServer(t, happyStages())

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start", StartRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start",
		StartRequest{InputIDs: []string{"doc"}, InputText: describeText})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t, happyStages())
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start",
		map[string]any{"input_text": describeText, "mystery": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid request body")
}

func TestStartRejectsBadDepth(t *testing.T) {
	srv := newTestServer(t, happyStages())
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start",
		map[string]any{"input_text": describeText, "config": map[string]any{"analysis_depth": "bottomless"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "analysis_depth")
}

func TestConcurrentStartAndCancel(t *testing.T) {
	gate := make(chan struct{})
	held := &stubAnalyzer{variant: agent.VariantSystemAnalyst, gate: gate, started: make(chan struct{}, 1)}
	tail := &stubAnalyzer{variant: agent.VariantRiskAssessor}
	srv := newTestServer(t, []pipeline.StageDescriptor{
		{Name: string(held.variant), Agent: held, Required: true},
		{Name: string(tail.variant), Agent: tail, Required: true},
	})

	jobID := startAnalysis(t, srv, "shop")
	<-held.started

	// Second start on the same project conflicts.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start",
		StartRequest{InputText: describeText})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "active analysis job")

	// Results are withheld while the job is live.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/projects/shop/analysis/results", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, jobID, body["job_id"])
	assert.Equal(t, "cancelling", body["status"])

	// Cancellation lands at the stage boundary once the held stage is
	// released.
	close(gate)
	waitForState(t, srv, "shop", "cancelled")

	// Nothing left to cancel.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResultsWithheldAfterLaterFailedRun(t *testing.T) {
	analyst := &stubAnalyzer{variant: agent.VariantSystemAnalyst, out: agent.Output{
		Components: []analysis.SystemComponent{{Name: "api", Kind: "service"}},
	}}
	assessor := &stubAnalyzer{variant: agent.VariantRiskAssessor, out: agent.Output{
		Paths: []analysis.AttackPath{{
			Name:       "path",
			Steps:      []analysis.AttackStep{{Step: 1, TechniqueID: "T1190", Tactic: "Initial Access", TargetComponent: "api"}},
			Likelihood: analysis.RatingHigh,
			Impact:     analysis.RatingHigh,
		}},
	}}
	srv := newTestServer(t, []pipeline.StageDescriptor{
		{Name: string(analyst.variant), Agent: analyst, Required: true},
		{Name: string(assessor.variant), Agent: assessor, Required: true},
	})

	startAnalysis(t, srv, "shop")
	waitForState(t, srv, "shop", "completed")
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/projects/shop/analysis/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A later run fails; the earlier result is now stale and withheld.
	assessor.err = errors.New("auth failure")
	startAnalysis(t, srv, "shop")
	waitForState(t, srv, "shop", "failed")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/projects/shop/analysis/results", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "failed")
}

func TestResultsNotFoundBeforeAnyRun(t *testing.T) {
	srv := newTestServer(t, happyStages())
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/projects/shop/analysis/results", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPartialResultsAfterFailure(t *testing.T) {
	analyst := &stubAnalyzer{variant: agent.VariantSystemAnalyst, out: agent.Output{
		Components: []analysis.SystemComponent{{Name: "api", Kind: "service"}},
	}}
	mapper := &stubAnalyzer{variant: agent.VariantAttackMapper, err: errors.New("schema never converged")}
	srv := newTestServer(t, []pipeline.StageDescriptor{
		{Name: string(analyst.variant), Agent: analyst, Required: true},
		{Name: string(mapper.variant), Agent: mapper, Required: true},
	})

	jobID := startAnalysis(t, srv, "shop")
	waitForState(t, srv, "shop", "failed")

	resp, err := http.Get(srv.URL + "/projects/shop/analysis/results/partial")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var partial PartialResultsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&partial))
	assert.Equal(t, jobID, partial.JobID)
	assert.Equal(t, "failed", partial.Status)
	assert.Contains(t, partial.Error, "schema never converged")
	require.Len(t, partial.Stages, 1)
	assert.Equal(t, string(agent.VariantSystemAnalyst), partial.Stages[0].Stage)
}

func TestPartialResultsWithoutJobs(t *testing.T) {
	srv := newTestServer(t, happyStages())
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/projects/shop/analysis/results/partial", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRejectsMalformedProjectID(t *testing.T) {
	srv := newTestServer(t, happyStages())
	tooLong := strings.Repeat("x", 65)
	resp, body := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/projects/%s/analysis/status", srv.URL, tooLong), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid project ID")
}

func TestPutInputRejectsShortText(t *testing.T) {
	srv := newTestServer(t, happyStages())
	req, err := http.NewRequest(http.MethodPut, srv.URL+"/projects/shop/inputs/doc",
		strings.NewReader("too short"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, happyStages())
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	kb, ok := body["knowledge_base"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, kb["version"])
	assert.Greater(t, kb["techniques"], float64(0))
}

func TestDisabledMitigationsSkipStage(t *testing.T) {
	srv := newTestServer(t, happyStages())

	off := false
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/projects/shop/analysis/start",
		StartRequest{InputText: describeText, Config: config.AnalysisConfig{IncludeMitigations: &off}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitForState(t, srv, "shop", "completed")

	getResp, err := http.Get(srv.URL + "/projects/shop/analysis/results")
	require.NoError(t, err)
	defer getResp.Body.Close()
	var res analysis.ThreatModelResult
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&res))
	assert.Empty(t, res.Recommendations)
	assert.InDelta(t, 1.0, res.ConfidenceScore, 1e-9)
}
