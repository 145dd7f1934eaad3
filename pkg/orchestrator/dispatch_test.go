package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_IsolatesFailures(t *testing.T) {
	obs := &recordingObserver{}
	ctx := WithObserver(context.Background(), obs)

	res := Dispatch(ctx, []DeviceID{"d1", "d2", "d3"}, func(_ context.Context, id DeviceID) (string, error) {
		if id == "d2" {
			return "", errBoom
		}
		return "ok-" + string(id), nil
	})

	require.Len(t, res, 3)
	assert.Equal(t, "ok-d1", res["d1"].Value)
	assert.Equal(t, "ok-d3", res["d3"].Value)
	assert.Same(t, errBoom, res["d2"].Err)
	assert.True(t, res["d1"].OK())
	assert.False(t, res["d2"].OK())

	assert.Equal(t, map[DeviceID]string{"d1": "ok-d1", "d3": "ok-d3"}, res.Succeeded())
	assert.Equal(t, map[DeviceID]error{"d2": errBoom}, res.Failed())
	assert.Equal(t, []DeviceID{"d1", "d2", "d3"}, res.Devices())
	assert.Equal(t, []int{3, 1}, obs.dispatch)
}

func TestDispatch_RecoversPanics(t *testing.T) {
	res := Dispatch(context.Background(), []DeviceID{"good", "bad"}, func(_ context.Context, id DeviceID) (int, error) {
		if id == "bad" {
			panic("device exploded")
		}
		return 1, nil
	})

	require.Len(t, res, 2)
	assert.NoError(t, res["good"].Err)
	require.Error(t, res["bad"].Err)
	assert.Contains(t, res["bad"].Err.Error(), "device exploded")
}

func TestDispatch_DuplicatesRunOnce(t *testing.T) {
	var mu sync.Mutex
	runs := map[DeviceID]int{}

	res := Dispatch(context.Background(), []DeviceID{"a", "b", "a", "a"}, func(_ context.Context, id DeviceID) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		runs[id]++
		return runs[id], nil
	})

	assert.Len(t, res, 2)
	assert.Equal(t, map[DeviceID]int{"a": 1, "b": 1}, runs)
}

func TestDispatch_Empty(t *testing.T) {
	res := Dispatch(context.Background(), nil, func(context.Context, DeviceID) (int, error) {
		t.Fatal("operation must not run")
		return 0, nil
	})
	assert.NotNil(t, res)
	assert.Empty(t, res)
}

func TestDispatch_BoundsParallelism(t *testing.T) {
	devices := make([]DeviceID, 12)
	for i := range devices {
		devices[i] = DeviceID(fmt.Sprintf("d%02d", i))
	}

	var current, peak int32
	res := Dispatch(context.Background(), devices, func(context.Context, DeviceID) (int, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return 0, nil
	}, WithMaxParallel(3))

	assert.Len(t, res, 12)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestDispatch_RunsEveryItemWithoutEarlyTermination(t *testing.T) {
	var ran int32
	res := Dispatch(context.Background(), []DeviceID{"a", "b", "c", "d"}, func(context.Context, DeviceID) (int, error) {
		atomic.AddInt32(&ran, 1)
		return 0, errBoom
	}, WithMaxParallel(1))

	assert.Equal(t, int32(4), atomic.LoadInt32(&ran))
	assert.Len(t, res.Failed(), 4)
}

func TestDispatchOnline(t *testing.T) {
	lister := DeviceListerFunc(func(context.Context) ([]DeviceDescriptor, error) {
		return []DeviceDescriptor{
			{ID: "on1", Online: true},
			{ID: "off", Online: false},
			{ID: "on2", Online: true},
		}, nil
	})

	res, err := DispatchOnline(context.Background(), lister, func(_ context.Context, id DeviceID) (string, error) {
		return string(id), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []DeviceID{"on1", "on2"}, res.Devices())
}

func TestDispatchOnline_NoOnlineDevices(t *testing.T) {
	lister := DeviceListerFunc(func(context.Context) ([]DeviceDescriptor, error) {
		return []DeviceDescriptor{{ID: "off", Online: false}}, nil
	})

	res, err := DispatchOnline(context.Background(), lister, func(context.Context, DeviceID) (int, error) {
		t.Fatal("operation must not run")
		return 0, nil
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoOnlineDevices)
	assert.True(t, IsNoOnlineDevices(err))
}

func TestDispatchOnline_ListerErrorPassesThrough(t *testing.T) {
	listErr := errors.New("adb server not running")
	lister := DeviceListerFunc(func(context.Context) ([]DeviceDescriptor, error) {
		return nil, listErr
	})

	_, err := DispatchOnline(context.Background(), lister, func(context.Context, DeviceID) (int, error) {
		return 0, nil
	})
	assert.Same(t, listErr, err)
}
