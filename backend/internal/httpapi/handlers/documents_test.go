package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/httpapi/middleware"
	"notecollab/backend/internal/ot/delta"
	"notecollab/backend/internal/reconcile"
	"notecollab/backend/internal/store"
)

type fixture struct {
	engine *gin.Engine
	svc    *collab.Service
	mem    *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	mem := store.NewMemoryStore()
	svc := collab.NewService(collab.Deps{Store: mem, Snapshots: mem}, collab.Options{Logger: logger})
	h := NewDocumentHandler(svc, reconcile.NewCoordinator(svc, logger, nil), logger)

	r := gin.New()
	g := r.Group("/collab")
	g.Use(middleware.AuthMiddleware("", logger))
	h.Register(g)
	return &fixture{engine: r, svc: svc, mem: mem}
}

func (f *fixture) do(t *testing.T, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(middleware.DevUserHeader, user)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type historyResp struct {
	Ops []collab.AppliedOp `json:"ops"`
}

type reconnectResp struct {
	Outcome  reconcile.Outcome         `json:"outcome"`
	Local    reconcile.LocalDocument   `json:"local"`
	Conflict *reconcile.ConflictRecord `json:"conflict"`
}

func (f *fixture) create(t *testing.T) collab.Document {
	t.Helper()
	w := f.do(t, http.MethodPost, "/collab/documents", "alice",
		gin.H{"tenantId": "t1", "workspaceId": "w1", "title": "plan"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[collab.Document](t, w)
}

func (f *fixture) edit(t *testing.T, docID string, ops ...delta.Operation) {
	t.Helper()
	for _, op := range ops {
		op.UserID = "alice"
		_, err := f.svc.SubmitOperation(context.Background(), docID, op)
		require.NoError(t, err)
	}
}

func TestCreateAndGetDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)
	assert.NotEmpty(t, doc.DocID)
	assert.Equal(t, "plan", doc.Title)
	assert.Equal(t, "alice", doc.CreatedBy)
	assert.Equal(t, uint64(0), doc.Version)

	f.edit(t, doc.DocID, delta.Insert(0, "hello"))

	w := f.do(t, http.MethodGet, "/collab/documents/"+doc.DocID, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[collab.DocumentView](t, w)
	assert.Equal(t, "hello", view.Content)
	assert.Equal(t, uint64(1), view.Version)
	assert.Equal(t, "alice", view.LastModifiedBy)
}

func TestCreateDocument_Validation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/collab/documents", "alice", gin.H{"title": "no tenant"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/collab/documents", "", gin.H{"tenantId": "t1", "workspaceId": "w1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetDocument_NotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/collab/documents/missing", "/collab/documents/missing/presence", "/collab/documents/missing/history"} {
		w := f.do(t, http.MethodGet, path, "alice", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, "NOT_FOUND", decode[map[string]string](t, w)["code"])
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)
	a, b, c := delta.Insert(0, "a"), delta.Insert(1, "b"), delta.Insert(2, "c")
	b.BaseVersion, c.BaseVersion = 1, 2
	f.edit(t, doc.DocID, a, b, c)

	w := f.do(t, http.MethodGet, "/collab/documents/"+doc.DocID+"/history?from=1&limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[historyResp](t, w)
	require.Len(t, resp.Ops, 1)
	assert.Equal(t, uint64(2), resp.Ops[0].Version)
	assert.Equal(t, "b", resp.Ops[0].Op.Text)

	w = f.do(t, http.MethodGet, "/collab/documents/"+doc.DocID+"/history?from=abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)
	ctx := context.Background()
	_, err := f.svc.SubmitPresence(ctx, doc.DocID, "bob", true)
	require.NoError(t, err)
	_, err = f.svc.SubmitCursor(ctx, doc.DocID, "bob", 2, 5)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/collab/documents/"+doc.DocID+"/presence", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"userId":"bob"`)
	assert.Contains(t, body, `"status":"ONLINE"`)
	assert.Contains(t, body, `"line":2`)
}

func TestReconnectAndResolve(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)
	base := delta.Insert(0, "A")
	next := delta.Insert(1, "B")
	next.BaseVersion = 1
	f.edit(t, doc.DocID, base, next)

	local := reconcile.LocalDocument{Identity: doc.Identity, Version: 1, Content: "A!", Edited: true}
	w := f.do(t, http.MethodPost, "/collab/documents/"+doc.DocID+"/reconnect", "bob", local)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[reconnectResp](t, w)
	assert.Equal(t, reconcile.OutcomeConflict, rec.Outcome)
	require.NotNil(t, rec.Conflict)
	assert.Equal(t, "AB", rec.Conflict.ServerContent)
	assert.Equal(t, "bob", rec.Local.UserID)

	w = f.do(t, http.MethodPost, "/collab/documents/"+doc.DocID+"/resolve", "bob", gin.H{"local": rec.Local, "choice": "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNKNOWN_CHOICE", decode[map[string]string](t, w)["code"])

	w = f.do(t, http.MethodPost, "/collab/documents/"+doc.DocID+"/resolve", "bob", gin.H{"local": rec.Local, "choice": "local"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cur, err := f.svc.Current(context.Background(), doc.DocID)
	require.NoError(t, err)
	assert.Equal(t, "A!", cur.Content)
	assert.Equal(t, uint64(3), cur.Version)

	// 已经解决过的冲突不能再解决一次
	resolved := rec.Local
	resolved.Conflict = nil
	w = f.do(t, http.MethodPost, "/collab/documents/"+doc.DocID+"/resolve", "bob", gin.H{"local": resolved, "choice": "server"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResolve_RejectsOtherDocument(t *testing.T) {
	f := newFixture(t)
	docA := f.create(t)
	f.edit(t, docA.DocID, delta.Insert(0, "A"))
	docB := f.create(t)

	local := reconcile.LocalDocument{Identity: docA.Identity, Version: 0, Content: "mine", Edited: true}
	w := f.do(t, http.MethodPost, "/collab/documents/"+docA.DocID+"/reconnect", "bob", local)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode[reconnectResp](t, w)
	require.NotNil(t, rec.Local.Conflict)

	// 冲突记录指向 B，却提交到 A 的路由
	forged := rec.Local
	conflict := *rec.Local.Conflict
	conflict.Identity = docB.Identity
	forged.Conflict = &conflict
	w = f.do(t, http.MethodPost, "/collab/documents/"+docA.DocID+"/resolve", "bob", gin.H{"local": forged, "choice": "local"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// A 的本地副本提交到 B 的路由
	w = f.do(t, http.MethodPost, "/collab/documents/"+docB.DocID+"/resolve", "bob", gin.H{"local": rec.Local, "choice": "local"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	b, err := f.svc.Current(context.Background(), docB.DocID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.Version)
	assert.Equal(t, "", b.Content)
}

func TestReconnect_IdentityMismatch(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)
	id := doc.Identity
	id.TenantID = "other"
	w := f.do(t, http.MethodPost, "/collab/documents/"+doc.DocID+"/reconnect", "bob", reconcile.LocalDocument{Identity: id})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSaveSnapshot(t *testing.T) {
	f := newFixture(t)
	doc := f.create(t)
	f.edit(t, doc.DocID, delta.Insert(0, "draft"))

	w := f.do(t, http.MethodPost, "/collab/documents/"+doc.DocID+"/snapshot", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	content, ok := f.mem.SnapshotAt(doc.DocID, 1)
	require.True(t, ok)
	assert.Equal(t, "draft", content)
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&collab.NotFoundError{DocID: "d"}, http.StatusNotFound},
		{&delta.InvalidRangeError{}, http.StatusBadRequest},
		{&collab.VersionConflictError{}, http.StatusConflict},
		{&collab.PersistenceError{Err: errors.New("db down")}, http.StatusServiceUnavailable},
		{collab.ErrBusy, http.StatusTooManyRequests},
		{reconcile.ErrNoConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := StatusOf(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
