// Package redistest provides a scripted fake for the redis.Scripter
// interface so the Lua-backed components can be exercised without a server.
package redistest

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Reply is one scripted script result.
type Reply struct {
	Val interface{}
	Err error
}

// FakeScripter replays queued replies in order; the final reply is sticky so
// "stuck" states can be modeled with a single entry.
type FakeScripter struct {
	mu      sync.Mutex
	replies []Reply
	Calls   int
}

func NewFakeScripter(replies ...Reply) *FakeScripter {
	return &FakeScripter{replies: replies}
}

func (f *FakeScripter) next() (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if len(f.replies) == 0 {
		return nil, errors.New("redistest: no scripted reply")
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r.Val, r.Err
}

func (f *FakeScripter) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(f.next())
}

func (f *FakeScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(f.next())
}

func (f *FakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(f.next())
}

func (f *FakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(f.next())
}

func (f *FakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *FakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("redistest", nil)
}
