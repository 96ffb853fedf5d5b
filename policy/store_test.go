package policy

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gemalto/kmip-go/kmip14"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generationPolicies(gen int, count int) []*Policy {
	policies := make([]*Policy, 0, count)
	for i := 0; i < count; i++ {
		policies = append(policies, &Policy{
			Name: fmt.Sprintf("p%d", i),
			Groups: map[string]Rules{
				fmt.Sprintf("gen-%d", gen): {
					kmip14.ObjectTypeSymmetricKey: {kmip14.OperationGet: AllowAll},
				},
			},
		})
	}
	return policies
}

func TestStoreReplace(t *testing.T) {
	s := NewStore()
	first := s.Load()
	require.EqualValues(t, 1, first.Generation())

	policies := generationPolicies(1, 2)
	next := s.Replace(policies, []string{"p1", "p0"})

	assert.EqualValues(t, 2, next.Generation())
	assert.Same(t, next, s.Load())
	assert.Equal(t, []string{"p0", "p1"}, next.Live())

	// published snapshots don't alias caller data
	policies[0].Name = "mutated"
	_, ok := next.Policy("p0")
	assert.True(t, ok)

	// old snapshot is untouched
	_, ok = first.Policy("p0")
	assert.False(t, ok)
}

func TestStoreReadersNeverSeeTornSet(t *testing.T) {
	const (
		policiesPerSet = 16
		generations    = 200
		readers        = 8
	)

	s := NewStore()
	s.Replace(generationPolicies(0, policiesPerSet), nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	torn := make(chan string, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				snap := s.Load()
				var seenGen string
				for i := 0; i < policiesPerSet; i++ {
					p, ok := snap.Policy(fmt.Sprintf("p%d", i))
					if !ok {
						torn <- "missing policy"
						return
					}
					for role := range p.Groups {
						if seenGen == "" {
							seenGen = role
						} else if role != seenGen {
							torn <- fmt.Sprintf("mixed %s and %s", seenGen, role)
							return
						}
					}
				}
			}
		}()
	}

	for gen := 1; gen <= generations; gen++ {
		s.Replace(generationPolicies(gen, policiesPerSet), nil)
	}
	close(stop)
	wg.Wait()
	close(torn)

	for msg := range torn {
		t.Error(msg)
	}
	assert.EqualValues(t, generations+2, s.Load().Generation())
}
