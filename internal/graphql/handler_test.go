package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/sysinfo/internal/coord"
	"github.com/hanpama/sysinfo/internal/hub"
	"github.com/hanpama/sysinfo/internal/sysinfo"
	"github.com/hanpama/sysinfo/internal/watch"
)

type fakeSource struct {
	mu       sync.Mutex
	calls    map[hub.Kind]int
	errs     map[hub.Kind]error
	statsErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: map[hub.Kind]int{}, errs: map[hub.Kind]error{}}
}

func (f *fakeSource) Get(ctx context.Context, kind hub.Kind) (any, error) {
	f.mu.Lock()
	f.calls[kind]++
	err := f.errs[kind]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	switch kind {
	case hub.CPU:
		return sysinfo.CPUInfo{ArchName: "x86_64", ModelName: "Test CPU", NumOfProcessors: 4, Features: []string{"sse"}}, nil
	case hub.Memory:
		return sysinfo.MemoryInfo{Capacity: 1024, AvailableCapacity: 512}, nil
	case hub.Storage:
		return sysinfo.StorageInfo{Units: []sysinfo.StorageUnit{
			{ID: "a", MountPoint: "/", Capacity: 10},
			{ID: "b", MountPoint: "/data", Capacity: 20},
		}}, nil
	}
	return nil, hub.ErrUnknownKind
}

func (f *fakeSource) Stats(ctx context.Context) ([]coord.Stats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return []coord.Stats{{Name: "cpu", State: coord.InFlight, Pending: 2, Cycles: 3}}, nil
}

func (f *fakeSource) Storage(ctx context.Context) (sysinfo.StorageInfo, error) {
	v, err := f.Get(ctx, hub.Storage)
	if err != nil {
		return sysinfo.StorageInfo{}, err
	}
	return v.(sysinfo.StorageInfo), nil
}

// ejector fails ejects with the error registered for the unit.
type ejector map[string]error

func (e ejector) Eject(ctx context.Context, id string) error { return e[id] }

func (f *fakeSource) count(k hub.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[k]
}

func newTestHandler(t *testing.T, src Source, opts ...Option) *Handler {
	t.Helper()
	h, err := New(src, opts...)
	require.NoError(t, err)
	return h
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type decoded struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message    string         `json:"message"`
		Path       []any          `json:"path"`
		Extensions map[string]any `json:"extensions"`
	} `json:"errors"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) decoded {
	t.Helper()
	var d decoded
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d), w.Body.String())
	return d
}

func TestProjectsSelectionInOrder(t *testing.T) {
	h := newTestHandler(t, newFakeSource())
	w := post(t, h, `{"query":"{ cpu { modelName numOfProcessors } memory { capacity } }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t,
		`{"data":{"cpu":{"modelName":"Test CPU","numOfProcessors":4},"memory":{"capacity":1024}}}`+"\n",
		w.Body.String())
}

func TestRepeatedFieldsShareOneRequest(t *testing.T) {
	src := newFakeSource()
	h := newTestHandler(t, src)
	w := post(t, h, `{"query":"{ a: cpu { modelName } b: cpu { archName } }"}`)
	require.Equal(t, http.StatusOK, w.Code)

	d := decode(t, w)
	require.Equal(t, map[string]any{"modelName": "Test CPU"}, d.Data["a"])
	require.Equal(t, map[string]any{"archName": "x86_64"}, d.Data["b"])
	require.Equal(t, 1, src.count(hub.CPU))
}

func TestFailedFieldKeepsPartialData(t *testing.T) {
	src := newFakeSource()
	src.errs[hub.Memory] = fmt.Errorf("%w: memory", hub.ErrQueryFailed)
	h := newTestHandler(t, src)

	d := decode(t, post(t, h, `{"query":"{ cpu { modelName } memory { capacity } }"}`))
	require.Equal(t, map[string]any{"modelName": "Test CPU"}, d.Data["cpu"])
	require.Contains(t, d.Data, "memory")
	require.Nil(t, d.Data["memory"])
	require.Len(t, d.Errors, 1)
	require.Equal(t, []any{"memory"}, d.Errors[0].Path)
	require.Equal(t, "QUERY_FAILED", d.Errors[0].Extensions["code"])
}

func TestTimeoutIsReportedPerField(t *testing.T) {
	src := newFakeSource()
	src.errs[hub.Storage] = fmt.Errorf("hub: storage: %w", context.DeadlineExceeded)
	h := newTestHandler(t, src)

	d := decode(t, post(t, h, `{"query":"{ storage { units { id } } }"}`))
	require.Len(t, d.Errors, 1)
	require.Equal(t, "TIMEOUT", d.Errors[0].Extensions["code"])
}

func TestStatsFailureNullsData(t *testing.T) {
	src := newFakeSource()
	src.statsErr = hub.ErrClosed
	h := newTestHandler(t, src)

	w := post(t, h, `{"query":"{ stats { name } }"}`)
	require.Contains(t, w.Body.String(), `"data":null`)
	d := decode(t, w)
	require.Len(t, d.Errors, 1)
	require.Equal(t, "UNAVAILABLE", d.Errors[0].Extensions["code"])
}

func TestStats(t *testing.T) {
	h := newTestHandler(t, newFakeSource())
	d := decode(t, post(t, h, `{"query":"{ stats { name state pending cycles } }"}`))
	require.Equal(t, []any{map[string]any{
		"name": "cpu", "state": "in_flight", "pending": float64(2), "cycles": float64(3),
	}}, d.Data["stats"])
}

func TestListsFragmentsAndTypename(t *testing.T) {
	h := newTestHandler(t, newFakeSource())
	q := `query { __typename storage { ...U } } fragment U on StorageInfo { units { __typename id } }`
	body, err := json.Marshal(Request{Query: q})
	require.NoError(t, err)

	d := decode(t, post(t, h, string(body)))
	require.Empty(t, d.Errors)
	require.Equal(t, "Query", d.Data["__typename"])
	require.Equal(t, map[string]any{"units": []any{
		map[string]any{"__typename": "StorageUnit", "id": "a"},
		map[string]any{"__typename": "StorageUnit", "id": "b"},
	}}, d.Data["storage"])
}

func TestSkipWithVariables(t *testing.T) {
	src := newFakeSource()
	h := newTestHandler(t, src)
	body, err := json.Marshal(Request{
		Query:     `query Q($s: Boolean!) { cpu @skip(if: $s) { modelName } memory { capacity } }`,
		Variables: map[string]any{"s": true},
	})
	require.NoError(t, err)

	d := decode(t, post(t, h, string(body)))
	require.NotContains(t, d.Data, "cpu")
	require.Contains(t, d.Data, "memory")
	require.Zero(t, src.count(hub.CPU))
}

func TestValidationErrors(t *testing.T) {
	h := newTestHandler(t, newFakeSource())
	w := post(t, h, `{"query":"{ cpu { nope } }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	d := decode(t, w)
	require.Nil(t, d.Data)
	require.NotEmpty(t, d.Errors)

	d = decode(t, post(t, h, `{"query":"{ cpu { modelName "}`))
	require.NotEmpty(t, d.Errors)
}

func TestGetAndBatch(t *testing.T) {
	h := newTestHandler(t, newFakeSource())

	req := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape("{ memory { availableCapacity } }"), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"memory":{"availableCapacity":512}}}`, w.Body.String())

	w = post(t, h, `[{"query":"{ cpu { archName } }"},{"query":"{ memory { capacity } }"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t,
		`[{"data":{"cpu":{"archName":"x86_64"}}},{"data":{"memory":{"capacity":1024}}}]`,
		w.Body.String())
}

func TestRequestErrors(t *testing.T) {
	h := newTestHandler(t, newFakeSource(), WithMaxBodyBytes(16))

	w := post(t, h, `{"query":"{ cpu { modelName } }"}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = post(t, h, `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPut, "/graphql", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("query"))
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDAndCORS(t *testing.T) {
	h := newTestHandler(t, newFakeSource(), WithCORS("https://example.org"))

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ __typename }"}`))
	req.Header.Set(RequestIDHeader, "abc")
	req.Header.Set("Origin", "https://example.org")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "abc", w.Header().Get(RequestIDHeader))
	require.Equal(t, "https://example.org", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/graphql", nil)
	req.Header.Set("Origin", "https://other.org")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestPretty(t *testing.T) {
	h := newTestHandler(t, newFakeSource(), WithPretty(true))
	w := post(t, h, `{"query":"{ __typename }"}`)
	require.Equal(t, "{\n  \"data\": {\n    \"__typename\": \"Query\"\n  }\n}\n", w.Body.String())
}

func TestHealthz(t *testing.T) {
	src := newFakeSource()
	mux := NewMux(newTestHandler(t, src))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	src.statsErr = hub.ErrClosed
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWatchMutations(t *testing.T) {
	src := newFakeSource()
	h := newTestHandler(t, src, WithWatches(watch.New(src)))

	w := post(t, h, `{"query":"mutation { addWatch(id: \"a\") }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, `{"data":{"addWatch":true}}`+"\n", w.Body.String())

	d := decode(t, post(t, h, `{"query":"mutation { addWatch(id: \"b\") __typename }"}`))
	require.Equal(t, map[string]any{"addWatch": true, "__typename": "Mutation"}, d.Data)
	d = decode(t, post(t, h, `{"query":"{ watches }"}`))
	require.Equal(t, []any{"a", "b"}, d.Data["watches"])

	d = decode(t, post(t, h, `{"query":"mutation { addWatch(id: \"nope\") }"}`))
	require.Nil(t, d.Data)
	require.Len(t, d.Errors, 1)
	require.Equal(t, []any{"addWatch"}, d.Errors[0].Path)
	require.Equal(t, "NOT_FOUND", d.Errors[0].Extensions["code"])

	// Fields run in order, so the second removal sees the first.
	d = decode(t, post(t, h,
		`{"query":"mutation($id: String!) { first: removeWatch(id: $id) second: removeWatch(id: $id) }","variables":{"id":"a"}}`))
	require.Empty(t, d.Errors)
	require.Equal(t, map[string]any{"first": true, "second": false}, d.Data)

	d = decode(t, post(t, h, `{"query":"mutation { removeAllWatches }"}`))
	require.Equal(t, map[string]any{"removeAllWatches": true}, d.Data)
	d = decode(t, post(t, h, `{"query":"{ watches }"}`))
	require.Equal(t, []any{}, d.Data["watches"])
}

func TestEjectDevice(t *testing.T) {
	h := newTestHandler(t, newFakeSource(), WithEjector(ejector{
		"gone":   fmt.Errorf("%w: gone", sysinfo.ErrUnknownUnit),
		"denied": errors.New("operation not permitted"),
		"slow":   fmt.Errorf("hub: eject slow: %w", context.DeadlineExceeded),
	}))

	for id, want := range map[string]string{
		"usb":    "SUCCESS",
		"gone":   "NO_SUCH_DEVICE",
		"denied": "FAILURE",
	} {
		d := decode(t, post(t, h, `{"query":"mutation { ejectDevice(id: \"`+id+`\") }"}`))
		require.Empty(t, d.Errors, id)
		require.Equal(t, want, d.Data["ejectDevice"], id)
	}

	d := decode(t, post(t, h, `{"query":"mutation { ejectDevice(id: \"slow\") }"}`))
	require.Nil(t, d.Data)
	require.Len(t, d.Errors, 1)
	require.Equal(t, "TIMEOUT", d.Errors[0].Extensions["code"])
}

func TestMutationRestrictions(t *testing.T) {
	h := newTestHandler(t, newFakeSource())

	req := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape("mutation { removeAllWatches }"), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	d := decode(t, w)
	require.Nil(t, d.Data)
	require.Equal(t, "mutations require POST", d.Errors[0].Message)

	d = decode(t, post(t, h, `{"query":"mutation { removeAllWatches }"}`))
	require.Nil(t, d.Data)
	require.Equal(t, "UNSUPPORTED", d.Errors[0].Extensions["code"])

	d = decode(t, post(t, h, `{"query":"mutation { ejectDevice(id: \"a\") }"}`))
	require.Equal(t, "UNSUPPORTED", d.Errors[0].Extensions["code"])

	d = decode(t, post(t, h, `{"query":"{ watches }"}`))
	require.Equal(t, []any{}, d.Data["watches"])
}
