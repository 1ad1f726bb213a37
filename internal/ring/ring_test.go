package ring

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_DropOldest(t *testing.T) {
	b := New(3)
	for i := 1; i <= 7; i++ {
		seq := b.Push(int64(i), map[string]any{"tick": i}, []byte{byte(i)})
		assert.Equal(t, uint64(i), seq)
	}

	assert.Equal(t, 3, b.Size())
	assert.Equal(t, uint64(4), b.Dropped())

	frames := b.Drain(10)
	require.Len(t, frames, 3)
	assert.Equal(t, []uint64{5, 6, 7}, []uint64{frames[0].Seq, frames[1].Seq, frames[2].Seq})
	assert.Equal(t, []byte{7}, frames[2].Payload)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(7), latest.Seq)
	assert.Equal(t, int64(7), latest.Tick)
}

func TestBuffer_Empty(t *testing.T) {
	b := New(0)
	assert.Equal(t, 1, b.Cap())

	_, ok := b.Latest()
	assert.False(t, ok)
	assert.Empty(t, b.Drain(5))
	assert.Equal(t, uint64(0), b.LatestSeq())
}

func TestBuffer_DrainWindow(t *testing.T) {
	b := New(5)
	for i := 0; i < 5; i++ {
		b.Push(int64(i), nil, nil)
	}

	frames := b.Drain(2)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(4), frames[0].Seq)
	assert.Equal(t, uint64(5), frames[1].Seq)

	assert.Len(t, b.Drain(0), 5)
	assert.Equal(t, 5, b.Size(), "drain must not consume frames")
}

func TestBuffer_Since(t *testing.T) {
	b := New(4)
	for i := 0; i < 6; i++ {
		b.Push(int64(i), nil, nil)
	}

	frames := b.Since(4, 0)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(5), frames[0].Seq)
	assert.Equal(t, uint64(6), frames[1].Seq)

	assert.Empty(t, b.Since(6, 0))
	assert.Len(t, b.Since(0, 1), 1)
}

func TestBuffer_PushAnyCoercesPayload(t *testing.T) {
	b := New(4)
	b.PushAny(1, nil, "abc")
	b.PushAny(2, nil, json.RawMessage(`{}`))
	b.PushAny(3, nil, 42)
	b.PushAny(4, nil, struct{}{})

	frames := b.Drain(0)
	require.Len(t, frames, 4)
	assert.Equal(t, []byte("abc"), frames[0].Payload)
	assert.Equal(t, []byte("{}"), frames[1].Payload)
	assert.Empty(t, frames[2].Payload)
	assert.NotNil(t, frames[3].Payload)
	assert.Equal(t, uint64(4), frames[3].Seq)
}

func TestBuffer_OwnsHeaderAndPayload(t *testing.T) {
	b := New(2)
	header := map[string]any{"topic": "maps/frame"}
	payload := []byte{1, 2, 3}
	b.Push(1, header, payload)

	header["topic"] = "mutated"
	payload[0] = 9

	f, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, "maps/frame", f.Header["topic"])
	assert.Equal(t, byte(1), f.Payload[0])
}

// One producer pushes five frames into a capacity-3 ring while a consumer drains
// concurrently; every drain must be small and ordered.
func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	b := New(3)
	done := make(chan struct{})
	var wg sync.WaitGroup
	var violations []string
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			frames := b.Drain(10)
			if len(frames) > 3 {
				mu.Lock()
				violations = append(violations, "drain returned more than capacity")
				mu.Unlock()
			}
			for i := 1; i < len(frames); i++ {
				if frames[i].Seq < frames[i-1].Seq {
					mu.Lock()
					violations = append(violations, "drain out of order")
					mu.Unlock()
				}
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	var maxSeq uint64
	for i := 0; i < 5; i++ {
		maxSeq = b.Push(int64(i), map[string]any{"i": i}, []byte{byte(i)})
	}
	close(done)
	wg.Wait()

	assert.Empty(t, violations)
	final := b.Drain(10)
	require.NotEmpty(t, final)
	assert.Equal(t, maxSeq, final[len(final)-1].Seq)
}

func TestProperty_RetainsLastCapacityFrames(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("size, dropped and retained seqs follow capacity", prop.ForAll(
		func(capacity, pushes int) bool {
			b := New(capacity)
			var last uint64
			for i := 0; i < pushes; i++ {
				last = b.Push(int64(i), nil, nil)
			}
			retained := pushes
			if retained > capacity {
				retained = capacity
			}
			if b.Size() != retained {
				return false
			}
			if int(b.Dropped()) != pushes-retained {
				return false
			}
			frames := b.Drain(0)
			for i, f := range frames {
				if f.Seq != uint64(pushes-retained+i+1) {
					return false
				}
			}
			if pushes > 0 {
				latest, ok := b.Latest()
				if !ok || latest.Seq != last {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 16),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}
