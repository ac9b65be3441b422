package missedcache

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/dreamware/consortium/internal/cluster"
)

func entryFor(runID, output string, step, iteration int) Entry {
	return Entry{
		PipelineStep:   step,
		ControllerStep: iteration,
		Message: cluster.RunMessage{
			RunID:     runID,
			Output:    json.RawMessage(output),
			Step:      step,
			Iteration: iteration,
		},
	}
}

// TestMemoryCache tests the in-memory cache implementation
func TestMemoryCache(t *testing.T) {
	t.Run("new cache is empty", func(t *testing.T) {
		cache := NewMemoryCache()

		_, err := cache.Get("run-1")
		if err != ErrEntryNotFound {
			t.Errorf("Expected ErrEntryNotFound, got %v", err)
		}
	})

	t.Run("put and get entry", func(t *testing.T) {
		cache := NewMemoryCache()

		if err := cache.Put("run-1", entryFor("run-1", `{"mean":2}`, 0, 1)); err != nil {
			t.Fatalf("Failed to put entry: %v", err)
		}

		entry, err := cache.Get("run-1")
		if err != nil {
			t.Fatalf("Failed to get entry: %v", err)
		}
		if string(entry.Message.Output) != `{"mean":2}` {
			t.Errorf("Expected output {\"mean\":2}, got %s", entry.Message.Output)
		}
		if entry.PipelineStep != 0 || entry.ControllerStep != 1 {
			t.Errorf("Expected position 0/1, got %d/%d", entry.PipelineStep, entry.ControllerStep)
		}
	})

	t.Run("put overwrites previous step", func(t *testing.T) {
		cache := NewMemoryCache()

		_ = cache.Put("run-1", entryFor("run-1", `{"mean":1}`, 0, 1))
		_ = cache.Put("run-1", entryFor("run-1", `{"mean":2}`, 0, 2))

		entry, err := cache.Get("run-1")
		if err != nil {
			t.Fatalf("Failed to get entry: %v", err)
		}
		if entry.ControllerStep != 2 {
			t.Errorf("Expected iteration 2, got %d", entry.ControllerStep)
		}
		if string(entry.Message.Output) != `{"mean":2}` {
			t.Errorf("Expected latest output, got %s", entry.Message.Output)
		}
	})

	t.Run("runs are independent", func(t *testing.T) {
		cache := NewMemoryCache()

		_ = cache.Put("run-1", entryFor("run-1", `1`, 0, 1))
		_ = cache.Put("run-2", entryFor("run-2", `2`, 3, 4))

		one, _ := cache.Get("run-1")
		two, _ := cache.Get("run-2")
		if string(one.Message.Output) != "1" || string(two.Message.Output) != "2" {
			t.Errorf("Entries leaked across runs: %s / %s", one.Message.Output, two.Message.Output)
		}
	})

	t.Run("empty run id rejected", func(t *testing.T) {
		cache := NewMemoryCache()
		if err := cache.Put("", Entry{}); err != cluster.ErrEmptyRunID {
			t.Errorf("Expected ErrEmptyRunID, got %v", err)
		}
	})

	t.Run("stored output is isolated", func(t *testing.T) {
		cache := NewMemoryCache()
		output := []byte(`{"a":1}`)
		entry := entryFor("run-1", "", 0, 0)
		entry.Message.Output = output

		_ = cache.Put("run-1", entry)
		output[2] = 'b'

		got, _ := cache.Get("run-1")
		if string(got.Message.Output) != `{"a":1}` {
			t.Errorf("Cached output modified externally: %s", got.Message.Output)
		}

		got.Message.Output[2] = 'c'
		again, _ := cache.Get("run-1")
		if string(again.Message.Output) != `{"a":1}` {
			t.Errorf("Cached output modified through Get: %s", again.Message.Output)
		}
	})

	t.Run("error entries are copied", func(t *testing.T) {
		cache := NewMemoryCache()
		payload := &cluster.ErrorPayload{Message: "boom"}
		_ = cache.Put("run-1", Entry{Message: cluster.RunMessage{RunID: "run-1", Error: payload}})

		payload.Message = "changed"
		got, _ := cache.Get("run-1")
		if got.Message.Error == nil || got.Message.Error.Message != "boom" {
			t.Errorf("Expected cached error boom, got %+v", got.Message.Error)
		}
	})
}

// TestMemoryCacheConcurrency tests concurrent writers and readers
func TestMemoryCacheConcurrency(t *testing.T) {
	cache := NewMemoryCache()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runID := fmt.Sprintf("run-%d", id)
			for j := 0; j < 50; j++ {
				_ = cache.Put(runID, entryFor(runID, fmt.Sprintf("%d", j), 0, j))
				_, _ = cache.Get(runID)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		entry, err := cache.Get(fmt.Sprintf("run-%d", i))
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if entry.ControllerStep != 49 {
			t.Errorf("Expected last iteration 49, got %d", entry.ControllerStep)
		}
	}
}
