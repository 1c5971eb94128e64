package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type registry struct {
	mu        sync.Mutex
	calls     []string
	instance  map[string]any
	renewCode int
}

func (r *registry) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, req.Method+" "+req.URL.Path)

		switch req.Method {
		case http.MethodPost:
			var body map[string]map[string]any
			assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			r.instance = body["instance"]
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPut:
			code := r.renewCode
			if code == 0 {
				code = http.StatusOK
			}
			w.WriteHeader(code)
		case http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		}
	})
}

func (r *registry) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func countCalls(calls []string, call string) int {
	n := 0
	for _, c := range calls {
		if c == call {
			n++
		}
	}
	return n
}

func newClient(url string) *EurekaClient {
	return NewEurekaClient(EurekaOptions{
		ServerURL:    url + "/eureka/",
		AppName:      "face-recognition",
		InstanceHost: "10.0.0.7",
		Port:         8000,
		Heartbeat:    10 * time.Millisecond,
	}, zap.NewNop())
}

func TestEurekaLifecycle(t *testing.T) {
	reg := &registry{}
	srv := httptest.NewServer(reg.handler(t))
	defer srv.Close()

	client := newClient(srv.URL)
	require.NoError(t, client.Register(context.Background()))

	require.Eventually(t, func() bool {
		return countCalls(reg.snapshot(), "PUT /eureka/apps/FACE-RECOGNITION/10.0.0.7:face-recognition:8000") >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Deregister(context.Background()))

	calls := reg.snapshot()
	assert.Equal(t, "POST /eureka/apps/FACE-RECOGNITION", calls[0])
	assert.Equal(t, "DELETE /eureka/apps/FACE-RECOGNITION/10.0.0.7:face-recognition:8000", calls[len(calls)-1])

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.Equal(t, "UP", reg.instance["status"])
	assert.Equal(t, "http://10.0.0.7:8000/health", reg.instance["healthCheckUrl"])
}

func TestEurekaReRegistersUnknownLease(t *testing.T) {
	reg := &registry{renewCode: http.StatusNotFound}
	srv := httptest.NewServer(reg.handler(t))
	defer srv.Close()

	client := newClient(srv.URL)
	require.NoError(t, client.Register(context.Background()))
	defer func() { _ = client.Deregister(context.Background()) }()

	require.Eventually(t, func() bool {
		return countCalls(reg.snapshot(), "POST /eureka/apps/FACE-RECOGNITION") >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestEurekaRegisterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newClient(srv.URL).Register(context.Background())
	assert.ErrorIs(t, err, ErrRegistry)
}

func TestNoop(t *testing.T) {
	var r Registrar = Noop{}
	assert.NoError(t, r.Register(context.Background()))
	assert.NoError(t, r.Deregister(context.Background()))
}
