package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/production_backend/cache"
	"bitbucket.org/mmdatafocus/production_backend/memstore"
	"bitbucket.org/mmdatafocus/production_backend/models"
	"bitbucket.org/mmdatafocus/production_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type testServer struct {
	router  *gin.Engine
	stock   *memstore.StockLedger
	itemId  int
	batchId int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	stock := memstore.NewStockLedger()
	item := stock.AddItem(models.InventoryItem{Name: "Resin", Unit: "kg"})
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := stock.AddBatch(models.InventoryBatch{
		ItemId:      item.ID,
		BatchNumber: "B1",
		PhysicalQty: decimal.NewFromInt(100),
		UnitPrice:   decimal.RequireFromString("2.5"),
		ReceivedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiryAt:    &expiry,
	})

	engine := workflow.NewEngine(memstore.NewTaskStore(), stock, memstore.NewOrderBook(), logger)
	coalescer := workflow.NewCoalescer(engine, cache.NewMemoryTaskListCache(time.Minute), time.Hour, logger)
	t.Cleanup(coalescer.Close)

	r := gin.New()
	r.Use(CorrelationId(), Actor(), ErrorLogger(logger))
	NewHandler(coalescer, logger).Register(r)
	r.NoRoute(NotFound)
	return &testServer{router: r, stock: stock, itemId: item.ID, batchId: batch.ID}
}

func (s *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (s *testServer) createTask(t *testing.T, qty string) int {
	t.Helper()
	body := `{"number":"MO-1","name":"Pallets","quantity":"10","unit":"pcs","allocation_policy":"FEFO",
		"materials":[{"material_id":` + itoa(s.itemId) + `,"name":"Resin","planned_qty":"` + qty + `","unit":"kg"}]}`
	w := s.do(http.MethodPost, "/tasks", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	var result workflow.TaskResult
	decodeInto(t, w, &result)
	return result.Task.ID
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	body := `{"number":"MO-1","name":"Pallets","quantity":"10","unit":"pcs","allocation_policy":"FEFO",
		"materials":[{"material_id":` + itoa(s.itemId) + `,"name":"Resin","planned_qty":"120","unit":"kg"}]}`
	w := s.do(http.MethodPost, "/tasks", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	var created workflow.TaskResult
	decodeInto(t, w, &created)
	if len(created.Missing) != 1 || !created.Missing[0].MissingQty.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected a 20 kg shortfall, got %+v", created.Missing)
	}
	id := itoa(created.Task.ID)

	w = s.do(http.MethodGet, "/tasks", "")
	var tasks []models.ManufacturingTask
	decodeInto(t, w, &tasks)
	if w.Code != http.StatusOK || len(tasks) != 1 {
		t.Fatalf("list: status %d, %d tasks", w.Code, len(tasks))
	}

	w = s.do(http.MethodPut, "/tasks/"+id+"/usage", `{"usage":[{"material_id":`+itoa(s.itemId)+`,"qty":"80"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("usage: status %d body %s", w.Code, w.Body.String())
	}
	if w = s.do(http.MethodPost, "/tasks/"+id+"/confirm", ""); w.Code != http.StatusOK {
		t.Fatalf("confirm: status %d body %s", w.Code, w.Body.String())
	}
	if w = s.do(http.MethodPost, "/tasks/"+id+"/confirm", ""); w.Code != http.StatusConflict {
		t.Fatalf("second confirm: expected 409, got %d", w.Code)
	}

	w = s.do(http.MethodPost, "/tasks/"+id+"/recompute", `{"reason":"month end"}`,
		HeaderUserName, "Ops", HeaderCorrelationId, "cid-1")
	if w.Code != http.StatusOK {
		t.Fatalf("recompute: status %d body %s", w.Code, w.Body.String())
	}
	if w.Header().Get(HeaderCorrelationId) != "cid-1" {
		t.Fatalf("correlation id not echoed")
	}
	var recomputed workflow.RecomputeResult
	decodeInto(t, w, &recomputed)
	if !recomputed.Applied || !recomputed.Snapshot.TotalMaterialCost.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected recompute %+v", recomputed)
	}

	w = s.do(http.MethodGet, "/tasks/"+id+"/cost-ledger", "")
	var ledger []models.CostLedgerEntry
	decodeInto(t, w, &ledger)
	if len(ledger) != 1 || ledger[0].Actor != "Ops" || ledger[0].CorrelationId != "cid-1" || ledger[0].Reason != "month end; task created; material usage edited; consumption confirmed" {
		t.Fatalf("unexpected ledger %+v", ledger)
	}

	w = s.do(http.MethodPut, "/tasks/"+id+"/cost-override", `{"total_material_cost":"300","total_full_cost":"320","reason":"quote"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("override: status %d body %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodGet, "/tasks/"+id+"/cost", "")
	var snapshot models.CostSnapshot
	decodeInto(t, w, &snapshot)
	if !snapshot.UnitFullCost.Equal(decimal.NewFromInt(32)) {
		t.Fatalf("override not applied: %+v", snapshot)
	}
	if w = s.do(http.MethodDelete, "/tasks/"+id+"/cost-override", ""); w.Code != http.StatusOK {
		t.Fatalf("clear override: status %d body %s", w.Code, w.Body.String())
	}
	if w = s.do(http.MethodDelete, "/tasks/"+id+"/cost-override", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("second clear: expected 400, got %d", w.Code)
	}

	if w = s.do(http.MethodDelete, "/tasks/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d body %s", w.Code, w.Body.String())
	}
	if w = s.do(http.MethodGet, "/tasks/"+id, ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", w.Code)
	}
	batch, err := s.stock.GetBatch(context.Background(), s.batchId)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !batch.PhysicalQty.Equal(decimal.NewFromInt(100)) || !batch.BookableQty.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("stock not restored: physical %s bookable %s", batch.PhysicalQty, batch.BookableQty)
	}
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	id := itoa(s.createTask(t, "10"))

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown field", http.MethodPost, "/tasks", `{"number":"MO-2","name":"x","quantity":"1","bogus":1}`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/tasks", `{"number":"MO-2","quantity":"1"}`, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/tasks", ``, http.StatusBadRequest},
		{"negative quantity", http.MethodPost, "/tasks", `{"number":"MO-2","name":"x","quantity":"-1"}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/tasks/abc", ``, http.StatusBadRequest},
		{"missing task", http.MethodGet, "/tasks/999", ``, http.StatusNotFound},
		{"bad status", http.MethodPatch, "/tasks/" + id + "/status", `{"status":"LOST"}`, http.StatusBadRequest},
		{"status change", http.MethodPatch, "/tasks/" + id + "/status", `{"status":"IN_PROGRESS"}`, http.StatusOK},
		{"negative usage", http.MethodPut, "/tasks/" + id + "/usage", `{"usage":[{"material_id":1,"qty":"-1"}]}`, http.StatusBadRequest},
		{"usage for unknown material", http.MethodPut, "/tasks/" + id + "/usage", `{"usage":[{"material_id":99,"qty":"1"}]}`, http.StatusNotFound},
		{"recompute without body", http.MethodPost, "/tasks/" + id + "/recompute", ``, http.StatusOK},
		{"release holds", http.MethodPost, "/tasks/" + id + "/release-holds", ``, http.StatusOK},
		{"no route", http.MethodGet, "/nope", ``, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(tc.method, tc.path, tc.body)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestInsufficientStockMapsTo422(t *testing.T) {
	s := newTestServer(t)
	id := itoa(s.createTask(t, "10"))

	w := s.do(http.MethodPut, "/tasks/"+id+"/usage", `{"usage":[{"material_id":`+itoa(s.itemId)+`,"qty":"500"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("usage: status %d body %s", w.Code, w.Body.String())
	}
	w = s.do(http.MethodPost, "/tasks/"+id+"/confirm", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	decodeInto(t, w, &body)
	if body["correlation_id"] == "" || !strings.Contains(body["error"], "insufficient stock") {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&models.ValidationError{Message: "x"}, http.StatusBadRequest},
		{&models.NotFoundError{Resource: "task", Id: 1}, http.StatusNotFound},
		{&models.DuplicateConfirmationError{TaskId: 1}, http.StatusConflict},
		{&models.ConcurrencyConflictError{Resource: "task", Key: "1"}, http.StatusConflict},
		{&models.InsufficientStockError{MaterialId: 1}, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%T: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestReadinessGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ready := false
	r := gin.New()
	r.Use(Readiness(func() bool { return ready }))
	r.GET("/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, tc := range []struct {
		path  string
		ready bool
		want  int
	}{
		{"/healthz", false, http.StatusNoContent},
		{"/tasks", false, http.StatusServiceUnavailable},
		{"/tasks", true, http.StatusOK},
	} {
		ready = tc.ready
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.want {
			t.Fatalf("%s (ready=%v): expected %d, got %d", tc.path, tc.ready, tc.want, w.Code)
		}
	}
}
