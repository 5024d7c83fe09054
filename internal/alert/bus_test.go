package alert

import (
	"errors"
	"sync"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFIFO(t *testing.T) {
	bus := NewBus()
	h := metainfo.Hash{1}

	bus.Post(TorrentAdded{InfoHash: h})
	bus.Post(StateUpdate{Status: Status{InfoHash: h, State: "downloading"}})
	bus.Post(TorrentFinished{InfoHash: h})

	got := bus.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, KindTorrentAdded, got[0].Kind())
	assert.Equal(t, KindStateUpdate, got[1].Kind())
	assert.Equal(t, KindTorrentFinished, got[2].Kind())

	assert.Empty(t, bus.Drain())
	assert.Equal(t, 0, bus.Len())
}

func TestBusConcurrentPostsAreNotLost(t *testing.T) {
	bus := NewBus()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Post(ResumeDataReady{InfoHash: metainfo.Hash{byte(p)}, Blob: []byte{byte(i >> 8), byte(i)}})
			}
		}(p)
	}

	var drained []Alert
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

loop:
	for {
		select {
		case <-bus.Ready():
			drained = append(drained, bus.Drain()...)
		case <-done:
			drained = append(drained, bus.Drain()...)
			break loop
		}
	}

	require.Len(t, drained, producers*perProducer)

	// Per producer, alerts keep their posting order.
	last := make(map[byte]int)
	for _, a := range drained {
		r := a.(ResumeDataReady)
		seq := int(r.Blob[0])<<8 | int(r.Blob[1])
		prev, seen := last[r.InfoHash[0]]
		if seen {
			assert.Greater(t, seq, prev)
		}
		last[r.InfoHash[0]] = seq
	}
}

func TestMessages(t *testing.T) {
	h := metainfo.Hash{0xab}
	st := StateUpdate{Status: Status{InfoHash: h, State: "downloading", BytesDone: 50000, TotalBytes: 100000, DownloadRate: 4000, NumPeers: 3}}
	assert.Equal(t, "downloading 4 kB/s 50 kB (50%) downloaded (3 peers)", st.Message())

	e := TorrentError{InfoHash: h, Err: errors.New("disk full")}
	assert.Contains(t, e.Message(), "disk full")

	var a Alert = e
	switch v := a.(type) {
	case TorrentError:
		assert.Equal(t, h, v.Torrent())
	default:
		t.Fatalf("unexpected alert %T", v)
	}
}
