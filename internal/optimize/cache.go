package optimize

import (
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache keeps optimization results for a fixed time, keyed by a hash of the
// request fields. Entries expire only by age.
type Cache struct {
	lru *expirable.LRU[uint64, *Result]
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[uint64, *Result](0, nil, ttl)}
}

// Get returns a copy of the cached result for req.
func (c *Cache) Get(req Request) (*Result, bool) {
	res, ok := c.lru.Get(Key(req))
	if !ok {
		return nil, false
	}
	return res.clone(), true
}

func (c *Cache) Put(req Request, res *Result) {
	c.lru.Add(Key(req), res.clone())
}

// Purge drops every entry. Writers call it after changing entities.
func (c *Cache) Purge() { c.lru.Purge() }

func (c *Cache) Len() int { return c.lru.Len() }

// Key hashes the fields of req that influence the result. Set-like fields are
// sorted first so equal requests hash equally.
func Key(req Request) uint64 {
	d := xxhash.New()
	field := func(s string) {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	field(req.ScheduleName)
	for _, id := range sorted(req.JobIDs) {
		field("job:" + id)
	}
	field(strconv.FormatInt(req.Horizon.Start.UnixNano(), 10))
	field(strconv.FormatInt(req.Horizon.End.UnixNano(), 10))
	field(string(req.Objective))
	field(req.Params.TimeLimit.String())
	field(strconv.FormatFloat(req.Params.GapTolerance, 'g', -1, 64))
	field(strconv.Itoa(req.Params.GranularityMinutes))
	field(strconv.FormatBool(req.EnforceDueDates))
	field(strconv.Itoa(req.OvertimeCapacity))
	for _, id := range sorted(req.Scope) {
		field("scope:" + id)
	}
	locked := make([]string, 0, len(req.Locked))
	for id := range req.Locked {
		locked = append(locked, id)
	}
	for _, id := range sorted(locked) {
		a := req.Locked[id]
		field("lock:" + id + "@" + a.MachineID + "/" + a.Window.String())
	}
	earliest := make([]string, 0, len(req.Earliest))
	for id := range req.Earliest {
		earliest = append(earliest, id)
	}
	for _, id := range sorted(earliest) {
		field("after:" + id + "@" + strconv.FormatInt(req.Earliest[id].UnixNano(), 10))
	}
	return d.Sum64()
}

func sorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}
