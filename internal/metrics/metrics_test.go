package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncTick("default")
	IncLaunch(true)
	IncLaunch(false)
	AddPruned("agent", 2)
	SetLive("agent", 1)
	IncUpdateStep("download", "ok")
	ObserveUpdateDuration(1.5)
	RecordStateTransition("default", "updating")
	SetCurrentState("updating", "default", "updating")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"nodex_controller_ticks_total":             false,
		"nodex_supervisor_launches_total":          false,
		"nodex_supervisor_pruned_records_total":    false,
		"nodex_supervisor_live_processes":          false,
		"nodex_update_steps_total":                 false,
		"nodex_update_duration_seconds":            false,
		"nodex_controller_state_transitions_total": false,
		"nodex_controller_current_state":           false,
	}
	states := map[string]float64{}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
		if mf.GetName() == "nodex_controller_current_state" {
			for _, m := range mf.GetMetric() {
				states[m.GetLabel()[0].GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "missing metric %s", n)
	}
	assert.Equal(t, 1.0, states["updating"])
	assert.Equal(t, 0.0, states["default"])
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncTick("default")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "nodex_controller_ticks_total")
}

func TestConcurrentIncrements(t *testing.T) {
	require.NoError(t, Register(prometheus.NewRegistry()))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncTick("default")
			IncLaunch(true)
			IncUpdateStep("backup", "ok")
		}()
	}
	wg.Wait()
}

func TestHelpersBeforeRegister(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	assert.NotPanics(t, func() {
		IncTick("default")
		IncLaunch(true)
		AddPruned("agent", 1)
		SetLive("agent", 3)
		IncUpdateStep("mark", "error")
		ObserveUpdateDuration(2)
		RecordStateTransition("updating", "default")
		SetCurrentState("default", "updating")
	})
}

func TestRegisterError(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	err := Register(&errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestResourceCollectorSamplesSelf(t *testing.T) {
	self := runtimeinfo.ProcessRecord{PID: os.Getpid(), Role: runtimeinfo.RoleController, StartedAt: time.Now(), Version: "t"}
	gone := runtimeinfo.ProcessRecord{PID: 1 << 30, Role: runtimeinfo.RoleAgent}
	c := NewResourceCollector(func() []runtimeinfo.ProcessRecord {
		return []runtimeinfo.ProcessRecord{self, gone}
	}, nil)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	mfs, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range mfs {
		if mf.GetName() != "nodex_process_memory_rss_bytes" {
			continue
		}
		found = true
		require.Len(t, mf.GetMetric(), 1)
		var pid string
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			if lp.GetName() == "pid" {
				pid = lp.GetValue()
			}
		}
		assert.Equal(t, strconv.Itoa(os.Getpid()), pid)
		assert.Greater(t, mf.GetMetric()[0].GetGauge().GetValue(), 0.0)
	}
	assert.True(t, found)
}
