package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electionguard/tally-orchestrator/internal/metrics"
	"github.com/electionguard/tally-orchestrator/internal/orcherr"
	"github.com/electionguard/tally-orchestrator/internal/scheduler"
)

type fakePhase struct {
	startTallyID string
	startTallyErr error
	submitKeysID  string
	submitKeysErr error
	combineID     string
	combineErr    error

	lastElectionID  string
	lastGuardianID  string
	lastPrivBlob    []byte
	lastPolyBlob    []byte
}

func (f *fakePhase) StartTally(ctx context.Context, electionID string) (string, error) {
	f.lastElectionID = electionID
	return f.startTallyID, f.startTallyErr
}

func (f *fakePhase) SubmitGuardianKeys(ctx context.Context, electionID, guardianID string, encryptedPrivateKeyBlob, encryptedPolynomialBlob []byte) (string, error) {
	f.lastElectionID = electionID
	f.lastGuardianID = guardianID
	f.lastPrivBlob = encryptedPrivateKeyBlob
	f.lastPolyBlob = encryptedPolynomialBlob
	return f.submitKeysID, f.submitKeysErr
}

func (f *fakePhase) CombineResults(ctx context.Context, electionID string) (string, error) {
	f.lastElectionID = electionID
	return f.combineID, f.combineErr
}

type fakeScheduler struct {
	progress     scheduler.Progress
	progressErr  error
	electionProg []scheduler.Progress
	stats        scheduler.SystemStats
}

func (f *fakeScheduler) GetProgress(taskInstanceID string) (scheduler.Progress, error) {
	return f.progress, f.progressErr
}

func (f *fakeScheduler) GetElectionProgress(electionID string) []scheduler.Progress {
	return f.electionProg
}

func (f *fakeScheduler) GetSystemStats() scheduler.SystemStats {
	return f.stats
}

func newTestHandler(phase *fakePhase, sched *fakeScheduler) (*Handler, *mux.Router) {
	h := NewHandler(phase, sched, nil, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func TestHandleStartTally(t *testing.T) {
	phase := &fakePhase{startTallyID: "T-1"}
	_, r := newTestHandler(phase, &fakeScheduler{})

	req := httptest.NewRequest("POST", "/elections/E-1/tally", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "E-1", phase.lastElectionID)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "T-1", body["task_instance_id"])
}

func TestHandleStartTally_ValidationError(t *testing.T) {
	phase := &fakePhase{startTallyErr: orcherr.Validationf("start_tally", "already running")}
	_, r := newTestHandler(phase, &fakeScheduler{})

	req := httptest.NewRequest("POST", "/elections/E-1/tally", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmitGuardianKeys(t *testing.T) {
	phase := &fakePhase{submitKeysID: "T-2"}
	_, r := newTestHandler(phase, &fakeScheduler{})

	body := submitGuardianKeysRequest{
		EncryptedPrivateKeyBlob: []byte("priv-blob"),
		EncryptedPolynomialBlob: []byte("poly-blob"),
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/elections/E-1/guardians/g1/keys", bytes.NewReader(data))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "E-1", phase.lastElectionID)
	assert.Equal(t, "g1", phase.lastGuardianID)
	assert.Equal(t, []byte("priv-blob"), phase.lastPrivBlob)
	assert.Equal(t, []byte("poly-blob"), phase.lastPolyBlob)
}

func TestHandleSubmitGuardianKeys_MalformedBody(t *testing.T) {
	phase := &fakePhase{}
	_, r := newTestHandler(phase, &fakeScheduler{})

	req := httptest.NewRequest("POST", "/elections/E-1/guardians/g1/keys", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCombine(t *testing.T) {
	phase := &fakePhase{combineID: "T-3"}
	_, r := newTestHandler(phase, &fakeScheduler{})

	req := httptest.NewRequest("POST", "/elections/E-1/combine", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleElectionProgress(t *testing.T) {
	sched := &fakeScheduler{electionProg: []scheduler.Progress{{TaskInstanceID: "T-1", ElectionID: "E-1", Total: 4}}}
	_, r := newTestHandler(&fakePhase{}, sched)

	req := httptest.NewRequest("GET", "/elections/E-1/progress", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "T-1")
}

func TestHandleTaskProgress_NotFound(t *testing.T) {
	sched := &fakeScheduler{progressErr: errors.New("unknown task instance")}
	_, r := newTestHandler(&fakePhase{}, sched)

	req := httptest.NewRequest("GET", "/tasks/T-missing/progress", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleStats(t *testing.T) {
	sched := &fakeScheduler{stats: scheduler.SystemStats{TaskInstances: 2, Completed: 5}}
	_, r := newTestHandler(&fakePhase{}, sched)

	req := httptest.NewRequest("GET", "/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats scheduler.SystemStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TaskInstances)
}

func TestHandleListElections_GlobFilter(t *testing.T) {
	phase := &fakePhase{startTallyID: "T-1"}
	h, r := newTestHandler(phase, &fakeScheduler{})
	h.remember("E-2026-general")
	h.remember("E-2026-primary")
	h.remember("E-2025-general")

	req := httptest.NewRequest("GET", "/elections?match=E-2026-*", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Elections []string `json:"elections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Elections, 2)
}
