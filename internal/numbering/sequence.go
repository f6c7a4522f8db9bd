// Package numbering issues human-readable, globally unique document numbers.
package numbering

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Kind selects an independent sequence.
type Kind string

const (
	KindQuote         Kind = "quote"
	KindPurchaseOrder Kind = "po"
)

// raiseFloor sets the counter to ARGV[1] when it is currently lower.
var raiseFloor = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if current < floor then
  redis.call("SET", KEYS[1], floor)
  return floor
end
return current
`)

// Sequence is a redis INCR backed generator.
type Sequence struct {
	client   *redis.Client
	prefixes map[Kind]string
}

// NewSequence constructs a generator. Kinds without a prefix use the kind name.
func NewSequence(client *redis.Client, prefixes map[Kind]string) *Sequence {
	p := make(map[Kind]string, len(prefixes))
	for k, v := range prefixes {
		p[k] = v
	}
	return &Sequence{client: client, prefixes: p}
}

// Next returns the next number for kind, e.g. "QT-000042".
func (s *Sequence) Next(ctx context.Context, kind Kind) (string, error) {
	n, err := s.client.Incr(ctx, key(kind)).Result()
	if err != nil {
		return "", fmt.Errorf("numbering: incr %s: %w", kind, err)
	}
	return fmt.Sprintf("%s-%06d", s.prefix(kind), n), nil
}

// EnsureFloor makes sure the next number for kind is greater than floor.
// Used at startup so a flushed redis never reissues persisted numbers.
func (s *Sequence) EnsureFloor(ctx context.Context, kind Kind, floor int64) error {
	if floor <= 0 {
		return nil
	}
	if err := raiseFloor.Run(ctx, s.client, []string{key(kind)}, floor).Err(); err != nil {
		return fmt.Errorf("numbering: floor %s: %w", kind, err)
	}
	return nil
}

func (s *Sequence) prefix(kind Kind) string {
	if p, ok := s.prefixes[kind]; ok && p != "" {
		return p
	}
	return string(kind)
}

func key(kind Kind) string {
	return "sequence:" + string(kind)
}
