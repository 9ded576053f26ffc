package backend

import (
	"fmt"
	"testing"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minikv/config"
	"minikv/storage"
)

var backends = []string{"lsm", "hash", "btree", "leveldb"}

func openBackend(t testing.TB, name string) Backend {
	t.Helper()

	cfg := config.Default()
	cfg.Backend = name
	cfg.DataDir = t.TempDir()
	cfg.Engine.CompactionThreshold = 1 << 10

	b, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), cfg)
	require.NoError(t, err)

	return b
}

type kv struct {
	Key   string `faker:"word"`
	Value string `faker:"sentence"`
}

// TestConformance runs one random workload against every backend and a
// map, and expects all of them to agree.
func TestConformance(t *testing.T) {
	var ops []kv
	for i := 0; i < 300; i++ {
		var op kv
		require.NoError(t, faker.FakeData(&op))
		ops = append(ops, op)
	}

	for _, name := range backends {
		t.Run(name, func(t *testing.T) {
			b := openBackend(t, name)
			defer b.Close()

			model := map[string]string{}
			for i, op := range ops {
				if i%4 == 3 {
					err := b.Remove(op.Key)
					if _, ok := model[op.Key]; ok {
						require.NoError(t, err)
						delete(model, op.Key)
					} else {
						require.Equal(t, storage.ErrKeyNotFound, err)
					}
					continue
				}

				require.NoError(t, b.Insert(op.Key, op.Value))
				model[op.Key] = op.Value
			}

			for _, op := range ops {
				value, found, err := b.Get(op.Key)
				require.NoError(t, err)
				want, ok := model[op.Key]
				require.Equal(t, ok, found, op.Key)
				assert.Equal(t, want, value, op.Key)
			}
		})
	}
}

func TestCompactSupport(t *testing.T) {
	for _, name := range backends {
		t.Run(name, func(t *testing.T) {
			b := openBackend(t, name)
			defer b.Close()

			err := b.Compact()
			switch name {
			case "lsm", "leveldb":
				assert.NoError(t, err)
			default:
				assert.Equal(t, ErrCompactionUnsupported, err)
			}
		})
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "sled"

	_, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), cfg)
	assert.Error(t, err)
}

func BenchmarkInsert(b *testing.B) {
	for _, name := range backends {
		b.Run(name, func(b *testing.B) {
			s := openBackend(b, name)
			defer s.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Insert(fmt.Sprintf("key:%d", i%1024), fmt.Sprintf("value:%d", i)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkGet(b *testing.B) {
	for _, name := range backends {
		b.Run(name, func(b *testing.B) {
			s := openBackend(b, name)
			defer s.Close()

			for i := 0; i < 1024; i++ {
				if err := s.Insert(fmt.Sprintf("key:%d", i), fmt.Sprintf("value:%d", i)); err != nil {
					b.Fatal(err)
				}
			}
			if err := s.Compact(); err != nil && err != ErrCompactionUnsupported {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, _, err := s.Get(fmt.Sprintf("key:%d", i%1024)); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
