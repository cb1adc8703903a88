package vbm_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/geobuffer/vbm"
)

type statsDocument struct {
	General struct {
		ElementSize     int
		DeviceBuffers   int
		DeviceBytes     int
		PendingRequests int
	}
	Requests struct {
		Drains         int
		Processed      int
		AddsApplied    int
		RemovesApplied int
	}
	Total struct {
		BufferCount      int
		DescriptorCount  int
		CapacityElements int
		UsedElements     int
	}
	Pools map[string]struct {
		SlotsInUse int
		Buffers    map[string]struct {
			Handle        int
			TotalUnits    int
			UnusedUnits   int
			HighWaterMark int
			Descriptors   []struct {
				ID     string
				Slot   int
				Offset int
				Count  int
				Ready  bool
			}
		}
	}
}

func TestBuildStatsString(t *testing.T) {
	manager, _ := newTestManager(t, vbm.CreateOptions{ElementSize: 4, StaticInitialCapacity: 12})

	enqueueAll(t, manager,
		vbm.NewAddRequest("A", false, 10, nil),
		vbm.NewAddRequest("B", false, 5, fill('b', 20)),
		vbm.NewAddRequest("C", true, 2, nil),
	)
	drain(t, manager)
	enqueueAll(t, manager, vbm.NewAddRequest("D", false, 1, nil))

	var document statsDocument
	require.NoError(t, json.Unmarshal([]byte(manager.BuildStatsString(true)), &document))

	require.Equal(t, 4, document.General.ElementSize)
	require.Equal(t, 2, document.General.DeviceBuffers)
	require.Equal(t, (24+1024)*4, document.General.DeviceBytes)
	require.Equal(t, 1, document.General.PendingRequests)

	require.Equal(t, 1, document.Requests.Drains)
	require.Equal(t, 3, document.Requests.Processed)
	require.Equal(t, 3, document.Requests.AddsApplied)

	require.Equal(t, 2, document.Total.BufferCount)
	require.Equal(t, 3, document.Total.DescriptorCount)
	require.Equal(t, 24+1024, document.Total.CapacityElements)
	require.Equal(t, 17, document.Total.UsedElements)

	static := document.Pools["static"]
	require.Equal(t, 2, static.SlotsInUse)
	buffer := static.Buffers["0"]
	require.Equal(t, 24, buffer.TotalUnits)
	require.Equal(t, 15, buffer.HighWaterMark)
	require.Len(t, buffer.Descriptors, 2)
	require.Equal(t, "B", buffer.Descriptors[1].ID)
	require.Equal(t, 10, buffer.Descriptors[1].Offset)
	require.True(t, buffer.Descriptors[1].Ready)
	require.False(t, buffer.Descriptors[0].Ready)

	require.Equal(t, 1, document.Pools["dynamic"].SlotsInUse)

	require.NoError(t, json.Unmarshal([]byte(manager.BuildStatsString(false)), &document))
	require.Empty(t, document.Pools["static"].Buffers["0"].Descriptors)
}

func TestParseCreateOptions(t *testing.T) {
	options, err := vbm.ParseCreateOptions([]byte(`
element_size = 12
static_initial_capacity = 4096
dynamic_initial_capacity = 256
max_buffer_elements = 65536
budget_bytes = 1048576
requeue_failed_adds = true
max_add_retries = 5
prepare_workers = 3
drain_budget = "4ms"
log_level = "debug"
`))
	require.NoError(t, err)
	require.Equal(t, vbm.CreateOptions{
		ElementSize:            12,
		StaticInitialCapacity:  4096,
		DynamicInitialCapacity: 256,
		MaxBufferElements:      65536,
		BudgetBytes:            1048576,
		RequeueFailedAdds:      true,
		MaxAddRetries:          5,
		PrepareWorkers:         3,
		DrainBudget:            vbm.Duration(4 * time.Millisecond),
		LogLevel:               "debug",
	}, options)

	_, err = vbm.ParseCreateOptions([]byte(`drain_budget = "soon"`))
	require.Error(t, err)

	_, err = vbm.ParseCreateOptions([]byte(`element_size = `))
	require.Error(t, err)
}

func TestLoadCreateOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffers.toml")
	require.NoError(t, os.WriteFile(path, []byte("static_initial_capacity = 64\nlog_level = \"trace\"\n"), 0o600))

	options, err := vbm.LoadCreateOptions(path)
	require.NoError(t, err)
	require.Equal(t, 64, options.StaticInitialCapacity)

	manager, err := vbm.New(nil, vbm.NewHostDevice(), options)
	require.NoError(t, err)
	require.NoError(t, manager.Destroy())

	_, err = vbm.LoadCreateOptions(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	for name, options := range map[string]vbm.CreateOptions{
		"NegativeElementSize":        {ElementSize: -1},
		"InitialAboveMaximum":        {StaticInitialCapacity: 32, MaxBufferElements: 16},
		"NegativeBudget":             {BudgetBytes: -5},
		"NegativePrepareWorkers":     {PrepareWorkers: -1},
		"NegativeDrainBudget":        {DrainBudget: vbm.Duration(-time.Second)},
		"UnknownLogLevel":            {LogLevel: "loud"},
		"NegativeDynamicInitialSize": {DynamicInitialCapacity: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := vbm.New(nil, vbm.NewHostDevice(), options)
			require.Error(t, err)
		})
	}

	_, err := vbm.New(nil, nil, vbm.CreateOptions{})
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "trace", "debug", "INFO", "warn", "error"} {
		logger, err := vbm.NewLogger(level)
		require.NoError(t, err, level)
		require.NotNil(t, logger)
	}

	_, err := vbm.NewLogger("verbose")
	require.Error(t, err)
}
